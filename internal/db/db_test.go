package db_test

import (
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-hush/clock"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/internal/db"
	"github.com/meow-io/go-hush/internal/test"
	"github.com/meow-io/go-hush/migration"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var widgets = []*migration.Migration{
	{
		Name: "create widgets",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name STRING NOT NULL)`)
			return err
		},
	},
}

func newDatabase(t *testing.T) *db.Database {
	d := test.NewTestDatabase(config.NewConfig(), clock.NewSystemClock())
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	require.Nil(t, d.Migrate("widgets", widgets))
	return d
}

func count(t *testing.T, d *db.Database) int {
	var c int
	require.Nil(t, d.Run("count", func() error {
		return d.Tx.Get(&c, "SELECT count(*) FROM widgets")
	}))
	return c
}

func TestRunCommits(t *testing.T) {
	require := require.New(t)
	d := newDatabase(t)

	require.Nil(d.Run("insert", func() error {
		_, err := d.Tx.Exec("INSERT INTO widgets (name) VALUES ($1)", "a")
		return err
	}))
	require.Equal(1, count(t, d))
}

func TestRunRollsBackOnError(t *testing.T) {
	require := require.New(t)
	d := newDatabase(t)
	boom := errors.New("boom")

	err := d.Run("insert", func() error {
		if _, err := d.Tx.Exec("INSERT INTO widgets (name) VALUES ($1)", "a"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(err, boom)
	require.Equal(0, count(t, d))
}

func TestBeforeCommitFailureRollsBack(t *testing.T) {
	require := require.New(t)
	d := newDatabase(t)
	boom := errors.New("boom")

	err := d.Run("insert", func() error {
		d.BeforeCommit(func() error { return boom })
		_, err := d.Tx.Exec("INSERT INTO widgets (name) VALUES ($1)", "a")
		return err
	})
	require.ErrorIs(err, boom)
	require.Equal(0, count(t, d))
}

func TestAfterCommitRunsOnlyOnCommit(t *testing.T) {
	require := require.New(t)
	d := newDatabase(t)

	called := make(chan bool, 2)
	require.Nil(d.Run("ok", func() error {
		d.AfterCommit(func() { called <- true })
		return nil
	}))
	require.NotNil(d.Run("fails", func() error {
		d.AfterCommit(func() { called <- false })
		return errors.New("nope")
	}))

	select {
	case v := <-called:
		require.True(v)
	case <-time.After(time.Second):
		require.Fail("after commit callback never ran")
	}
	require.Never(func() bool { return len(called) != 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestMigrateIsIdempotent(t *testing.T) {
	require := require.New(t)
	d := newDatabase(t)

	require.Nil(d.Migrate("widgets", widgets))
	require.Nil(d.Migrate("widgets", append(widgets, &migration.Migration{
		Name: "add color",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE widgets ADD COLUMN color STRING`)
			return err
		},
	})))
	require.Nil(d.Run("insert", func() error {
		_, err := d.Tx.Exec("INSERT INTO widgets (name, color) VALUES ($1, $2)", "a", "red")
		return err
	}))
	require.NotNil(d.Migrate("widgets", nil))
}

func TestRunAfterShutdown(t *testing.T) {
	require := require.New(t)
	d := newDatabase(t)
	require.Nil(d.Shutdown())
	require.ErrorIs(d.Run("closed", func() error { return nil }), db.ErrNotRunning)
}
