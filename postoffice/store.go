package postoffice

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-hush/internal/db"
	"github.com/meow-io/go-hush/migration"
)

const (
	stateSeen = iota
	stateHandling
	stateHandled
)

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_postoffice", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _envelope_cache (
						envelope_id BLOB NOT NULL,
						sender_id TEXT NOT NULL,
						state INTEGER NOT NULL,
						timestamp_ms INTEGER NOT NULL,
						PRIMARY KEY(envelope_id, sender_id)
					);
					CREATE INDEX envelope_cache_timestamp on _envelope_cache (timestamp_ms);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

// markSeen records the envelope and reports false if it was already recorded.
func (db *database) markSeen(id uuid.UUID, senderID string, now int64) (bool, error) {
	res, err := db.Tx.Exec("INSERT INTO _envelope_cache (envelope_id, sender_id, state, timestamp_ms) VALUES ($1, $2, $3, $4) ON CONFLICT(envelope_id, sender_id) DO NOTHING", id[:], senderID, stateSeen, now)
	if err != nil {
		return false, fmt.Errorf("postoffice: error caching envelope: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (db *database) setState(id uuid.UUID, senderID string, state int) error {
	if _, err := db.Tx.Exec("UPDATE _envelope_cache SET state = $1 WHERE envelope_id = $2 AND sender_id = $3", state, id[:], senderID); err != nil {
		return fmt.Errorf("postoffice: error updating envelope state: %w", err)
	}
	return nil
}

func (db *database) state(id uuid.UUID, senderID string) (int, error) {
	var state int
	if err := db.Tx.Get(&state, "SELECT state FROM _envelope_cache WHERE envelope_id = $1 AND sender_id = $2", id[:], senderID); err != nil {
		return 0, fmt.Errorf("postoffice: error getting envelope state: %w", err)
	}
	return state, nil
}

func (db *database) deleteOlderThan(cutoff int64) (int64, error) {
	res, err := db.Tx.Exec("DELETE FROM _envelope_cache WHERE timestamp_ms < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("postoffice: error cleaning envelope cache: %w", err)
	}
	return res.RowsAffected()
}
