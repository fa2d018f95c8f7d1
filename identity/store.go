package identity

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-hush/clock"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/internal/db"
	"github.com/meow-io/go-hush/migration"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("identity: not found")
	ErrBadKeySize    = errors.New("identity: stored key has wrong size")
	ErrNoTransaction = errors.New("identity: no transaction running")
)

type identityRow struct {
	AgreementPriv []byte `db:"agreement_priv"`
	AgreementPub  []byte `db:"agreement_pub"`
	SigningPriv   []byte `db:"signing_priv"`
	CreatedAtMs   int64  `db:"created_at_ms"`
}

type prekeyRow struct {
	Priv        []byte `db:"priv"`
	Pub         []byte `db:"pub"`
	Signature   []byte `db:"signature"`
	CreatedAtMs int64  `db:"created_at_ms"`
}

type oneTimePrekeyRow struct {
	Seq         int64  `db:"seq"`
	Pub         []byte `db:"pub"`
	Priv        []byte `db:"priv"`
	CreatedAtMs int64  `db:"created_at_ms"`
}

// Store persists identity material. Every method runs in its own transaction.
type Store struct {
	log    *zap.SugaredLogger
	config *config.Config
	db     *db.Database
	clock  clock.Clock
}

func NewStore(c *config.Config, d *db.Database, cl clock.Clock) (*Store, error) {
	if err := d.Migrate("_identity", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _identity (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						agreement_priv BLOB NOT NULL,
						agreement_pub BLOB NOT NULL,
						signing_priv BLOB NOT NULL,
						created_at_ms INTEGER NOT NULL
					);

					CREATE TABLE _signed_prekey (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						priv BLOB NOT NULL,
						pub BLOB NOT NULL,
						signature BLOB NOT NULL,
						created_at_ms INTEGER NOT NULL
					);

					CREATE TABLE _one_time_prekeys (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						pub BLOB NOT NULL,
						priv BLOB NOT NULL,
						created_at_ms INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX one_time_prekeys_pub on _one_time_prekeys (pub);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Store{
		log:    c.Logger("identity"),
		config: c,
		db:     d,
		clock:  cl,
	}, nil
}

func (s *Store) SaveIdentity(i *Identity) error {
	return s.db.Run("save identity", func() error {
		row := &identityRow{
			AgreementPriv: i.Agreement.Private[:],
			AgreementPub:  i.Agreement.Public[:],
			SigningPriv:   i.SigningPrivate,
			CreatedAtMs:   s.clock.CurrentTimeMs(),
		}
		if _, err := s.db.Tx.NamedExec("INSERT INTO _identity (id, agreement_priv, agreement_pub, signing_priv, created_at_ms) VALUES (1, :agreement_priv, :agreement_pub, :signing_priv, :created_at_ms) ON CONFLICT(id) DO UPDATE SET agreement_priv = :agreement_priv, agreement_pub = :agreement_pub, signing_priv = :signing_priv, created_at_ms = :created_at_ms", row); err != nil {
			return fmt.Errorf("identity: error saving identity: %w", err)
		}
		return nil
	})
}

func (s *Store) LoadIdentity() (*Identity, error) {
	var i *Identity
	err := s.db.RunReadOnly("load identity", func() error {
		row := &identityRow{}
		if err := s.db.Tx.Get(row, "SELECT agreement_priv, agreement_pub, signing_priv, created_at_ms FROM _identity WHERE id = 1"); err != nil {
			return notFound("identity", err)
		}
		if len(row.AgreementPriv) != 32 || len(row.AgreementPub) != 32 || len(row.SigningPriv) != ed25519.PrivateKeySize {
			return ErrBadKeySize
		}
		signing := ed25519.PrivateKey(row.SigningPriv)
		i = &Identity{
			Agreement:      KeyPair{Private: [32]byte(row.AgreementPriv), Public: [32]byte(row.AgreementPub)},
			SigningPrivate: signing,
			SigningPublic:  signing.Public().(ed25519.PublicKey),
		}
		return nil
	})
	return i, err
}

// SavePrekey replaces the active signed prekey.
func (s *Store) SavePrekey(kp *KeyPair, signature []byte) error {
	return s.db.Run("save prekey", func() error {
		row := &prekeyRow{
			Priv:        kp.Private[:],
			Pub:         kp.Public[:],
			Signature:   signature,
			CreatedAtMs: s.clock.CurrentTimeMs(),
		}
		if _, err := s.db.Tx.NamedExec("INSERT INTO _signed_prekey (id, priv, pub, signature, created_at_ms) VALUES (1, :priv, :pub, :signature, :created_at_ms) ON CONFLICT(id) DO UPDATE SET priv = :priv, pub = :pub, signature = :signature, created_at_ms = :created_at_ms", row); err != nil {
			return fmt.Errorf("identity: error saving prekey: %w", err)
		}
		return nil
	})
}

func (s *Store) LoadPrekey() (*KeyPair, error) {
	row, err := s.prekey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: [32]byte(row.Priv), Public: [32]byte(row.Pub)}, nil
}

func (s *Store) LoadSignature() ([]byte, error) {
	row, err := s.prekey()
	if err != nil {
		return nil, err
	}
	return row.Signature, nil
}

func (s *Store) prekey() (*prekeyRow, error) {
	row := &prekeyRow{}
	err := s.db.RunReadOnly("load prekey", func() error {
		if err := s.db.Tx.Get(row, "SELECT priv, pub, signature, created_at_ms FROM _signed_prekey WHERE id = 1"); err != nil {
			return notFound("prekey", err)
		}
		if len(row.Priv) != 32 || len(row.Pub) != 32 {
			return ErrBadKeySize
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// SaveOneTimePrekeys inserts a batch and then evicts the oldest keys beyond the configured maximum.
// It returns how many keys were evicted.
func (s *Store) SaveOneTimePrekeys(batch []*KeyPair) (int, error) {
	deleted := 0
	err := s.db.Run("save one-time prekeys", func() error {
		now := s.clock.CurrentTimeMs()
		for _, kp := range batch {
			if _, err := s.db.Tx.Exec("INSERT INTO _one_time_prekeys (pub, priv, created_at_ms) VALUES ($1, $2, $3)", kp.Public[:], kp.Private[:], now); err != nil {
				return fmt.Errorf("identity: error inserting one-time prekey: %w", err)
			}
		}
		count, err := s.countOneTimePrekeys()
		if err != nil {
			return err
		}
		surplus := count - s.config.MaxOneTimePrekeys
		if surplus <= 0 {
			return nil
		}
		res, err := s.db.Tx.Exec("DELETE FROM _one_time_prekeys WHERE seq IN (SELECT seq FROM _one_time_prekeys ORDER BY seq ASC LIMIT $1)", surplus)
		if err != nil {
			return fmt.Errorf("identity: error evicting one-time prekeys: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if deleted != 0 {
		s.log.Infof("evicted %d one-time prekeys", deleted)
	}
	return deleted, nil
}

// LoadPrivateOneTimePrekey returns ErrNotFound once the key has been deleted. Callers must delete the key
// after using it.
func (s *Store) LoadPrivateOneTimePrekey(pub [32]byte) (*KeyPair, error) {
	row := &oneTimePrekeyRow{}
	err := s.db.RunReadOnly("load one-time prekey", func() error {
		if err := s.db.Tx.Get(row, "SELECT * FROM _one_time_prekeys WHERE pub = $1", pub[:]); err != nil {
			return notFound("one-time prekey", err)
		}
		if len(row.Priv) != 32 {
			return ErrBadKeySize
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: [32]byte(row.Priv), Public: pub}, nil
}

func (s *Store) DeleteOneTimePrekey(pub [32]byte) error {
	return s.db.Run("delete one-time prekey", func() error {
		return s.ConsumeOneTimePrekey(pub)
	})
}

// ConsumeOneTimePrekey deletes a one-time prekey inside the transaction already running on the store's
// database, so the deletion commits or rolls back with the rest of that transaction.
func (s *Store) ConsumeOneTimePrekey(pub [32]byte) error {
	if s.db.Tx == nil {
		return ErrNoTransaction
	}
	if _, err := s.db.Tx.Exec("DELETE FROM _one_time_prekeys WHERE pub = $1", pub[:]); err != nil {
		return fmt.Errorf("identity: error deleting one-time prekey: %w", err)
	}
	return nil
}

func (s *Store) OneTimePrekeyCount() (int, error) {
	var count int
	err := s.db.RunReadOnly("count one-time prekeys", func() error {
		var err error
		count, err = s.countOneTimePrekeys()
		return err
	})
	return count, err
}

// PublicOneTimePrekeys lists public one-time prekeys, oldest first.
func (s *Store) PublicOneTimePrekeys() ([][32]byte, error) {
	var pubs [][]byte
	err := s.db.RunReadOnly("public one-time prekeys", func() error {
		if err := s.db.Tx.Select(&pubs, "SELECT pub FROM _one_time_prekeys ORDER BY seq ASC"); err != nil {
			return fmt.Errorf("identity: error listing one-time prekeys: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	keys := make([][32]byte, 0, len(pubs))
	for _, p := range pubs {
		if len(p) != 32 {
			return nil, ErrBadKeySize
		}
		keys = append(keys, [32]byte(p))
	}
	return keys, nil
}

// PublicKeys assembles everything a key server needs to hand out bundles for userID.
func (s *Store) PublicKeys(userID string) (*PublicKeys, error) {
	i, err := s.LoadIdentity()
	if err != nil {
		return nil, err
	}
	spk, err := s.prekey()
	if err != nil {
		return nil, err
	}
	otpks, err := s.PublicOneTimePrekeys()
	if err != nil {
		return nil, err
	}
	return &PublicKeys{
		UserID:          userID,
		IdentityKey:     i.Agreement.Public,
		SigningKey:      i.SigningPublic,
		SignedPrekey:    [32]byte(spk.Pub),
		PrekeySignature: spk.Signature,
		OneTimePrekeys:  otpks,
	}, nil
}

func (s *Store) countOneTimePrekeys() (int, error) {
	var count int
	if err := s.db.Tx.Get(&count, "SELECT count(*) FROM _one_time_prekeys"); err != nil {
		return 0, fmt.Errorf("identity: error counting one-time prekeys: %w", err)
	}
	return count, nil
}

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("identity: no %s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("identity: error loading %s: %w", what, err)
}
