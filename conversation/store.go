package conversation

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/internal/db"
	"github.com/meow-io/go-hush/migration"
	"github.com/status-im/doubleratchet"
)

const (
	collapsingConversationID = "collapsing"
	defaultConversationID    = "default"
)

// ConversationID names one of the two conversations kept with every peer.
func ConversationID(collapsing bool) string {
	if collapsing {
		return collapsingConversationID
	}
	return defaultConversationID
}

type conversation struct {
	PeerID         string `db:"peer_id"`
	ConversationID string `db:"conversation_id"`
	SessionID      []byte `db:"session_id"`
	AssociatedData []byte `db:"associated_data"`
	Initiator      bool   `db:"initiator"`
	CreatedAtMs    int64  `db:"created_at_ms"`
}

type invitation struct {
	PeerID         string `db:"peer_id"`
	ConversationID string `db:"conversation_id"`
	IdentityKey    []byte `db:"identity_key"`
	EphemeralKey   []byte `db:"ephemeral_key"`
	SignedPrekey   []byte `db:"signed_prekey"`
	OneTimePrekey  []byte `db:"one_time_prekey"`
	TimestampMs    int64  `db:"timestamp_ms"`
}

func newInvitation(peerID, conversationID string, i *envelope.Invitation, ts int64) *invitation {
	inv := &invitation{
		PeerID:         peerID,
		ConversationID: conversationID,
		IdentityKey:    i.IdentityKey[:],
		EphemeralKey:   i.EphemeralKey[:],
		SignedPrekey:   i.SignedPrekey[:],
		TimestampMs:    ts,
	}
	if i.OneTimePrekey != nil {
		inv.OneTimePrekey = i.OneTimePrekey[:]
	}
	return inv
}

func (i *invitation) envelopeInvitation() (*envelope.Invitation, error) {
	if len(i.IdentityKey) != 32 || len(i.EphemeralKey) != 32 || len(i.SignedPrekey) != 32 {
		return nil, fmt.Errorf("conversation: invitation for %s has malformed keys", i.PeerID)
	}
	inv := &envelope.Invitation{
		IdentityKey:  [32]byte(i.IdentityKey),
		EphemeralKey: [32]byte(i.EphemeralKey),
		SignedPrekey: [32]byte(i.SignedPrekey),
	}
	if i.OneTimePrekey != nil {
		if len(i.OneTimePrekey) != 32 {
			return nil, fmt.Errorf("conversation: invitation for %s has malformed one-time prekey", i.PeerID)
		}
		otpk := [32]byte(i.OneTimePrekey)
		inv.OneTimePrekey = &otpk
	}
	return inv, nil
}

type invalidConversation struct {
	PeerID          string `db:"peer_id"`
	ConversationID  string `db:"conversation_id"`
	Fingerprint     string `db:"fingerprint"`
	InvalidatedAtMs int64  `db:"invalidated_at_ms"`
	ResetSentAtMs   int64  `db:"reset_sent_at_ms"`
}

type skippedKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

// database holds conversation state. Its methods expect to be called inside a transaction.
type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_conversation", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _conversations (
						peer_id TEXT NOT NULL,
						conversation_id TEXT NOT NULL,
						session_id BLOB NOT NULL,
						associated_data BLOB NOT NULL,
						initiator INTEGER NOT NULL,
						created_at_ms INTEGER NOT NULL,
						PRIMARY KEY(peer_id, conversation_id)
					);
					CREATE UNIQUE INDEX conversations_session_id on _conversations (session_id);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);

					CREATE TABLE _outbound_invitations (
						peer_id TEXT NOT NULL,
						conversation_id TEXT NOT NULL,
						identity_key BLOB NOT NULL,
						ephemeral_key BLOB NOT NULL,
						signed_prekey BLOB NOT NULL,
						one_time_prekey BLOB,
						timestamp_ms INTEGER NOT NULL,
						PRIMARY KEY(peer_id, conversation_id)
					);

					CREATE TABLE _inbound_invitations (
						peer_id TEXT NOT NULL,
						conversation_id TEXT NOT NULL,
						identity_key BLOB NOT NULL,
						ephemeral_key BLOB NOT NULL,
						signed_prekey BLOB NOT NULL,
						one_time_prekey BLOB,
						timestamp_ms INTEGER NOT NULL,
						PRIMARY KEY(peer_id, conversation_id)
					);

					CREATE TABLE _received_resets (
						peer_id TEXT NOT NULL,
						conversation_id TEXT NOT NULL,
						timestamp_ms INTEGER NOT NULL,
						PRIMARY KEY(peer_id, conversation_id)
					);

					CREATE TABLE _invalid_conversations (
						peer_id TEXT NOT NULL,
						conversation_id TEXT NOT NULL,
						fingerprint TEXT NOT NULL,
						invalidated_at_ms INTEGER NOT NULL,
						reset_sent_at_ms INTEGER NOT NULL,
						PRIMARY KEY(peer_id, conversation_id)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) conversation(peerID, conversationID string) (*conversation, error) {
	c := &conversation{}
	if err := db.Tx.Get(c, "SELECT * FROM _conversations WHERE peer_id = $1 AND conversation_id = $2", peerID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: error getting conversation: %w", err)
	}
	return c, nil
}

// replaceConversation swaps in a new session, discarding the ratchet state of the old one.
func (db *database) replaceConversation(c *conversation) error {
	old, err := db.conversation(c.PeerID, c.ConversationID)
	if err != nil {
		return err
	}
	if old != nil {
		if err := db.deleteSession(old.SessionID); err != nil {
			return err
		}
	}
	if _, err := db.Tx.NamedExec("INSERT INTO _conversations (peer_id, conversation_id, session_id, associated_data, initiator, created_at_ms) VALUES (:peer_id, :conversation_id, :session_id, :associated_data, :initiator, :created_at_ms) ON CONFLICT(peer_id, conversation_id) DO UPDATE SET session_id = :session_id, associated_data = :associated_data, initiator = :initiator, created_at_ms = :created_at_ms", c); err != nil {
		return fmt.Errorf("conversation: error upserting conversation: %w", err)
	}
	return nil
}

func (db *database) deleteSession(sessionID []byte) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("conversation: error deleting session keys: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_states WHERE id = $1", sessionID); err != nil {
		return fmt.Errorf("conversation: error deleting session state: %w", err)
	}
	return nil
}

func (db *database) outboundInvitation(peerID, conversationID string) (*invitation, error) {
	return db.invitation("_outbound_invitations", peerID, conversationID)
}

func (db *database) inboundInvitation(peerID, conversationID string) (*invitation, error) {
	return db.invitation("_inbound_invitations", peerID, conversationID)
}

func (db *database) invitation(table, peerID, conversationID string) (*invitation, error) {
	i := &invitation{}
	if err := db.Tx.Get(i, "SELECT * FROM "+table+" WHERE peer_id = $1 AND conversation_id = $2", peerID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: error getting invitation from %s: %w", table, err)
	}
	return i, nil
}

func (db *database) upsertOutboundInvitation(i *invitation) error {
	return db.upsertInvitation("_outbound_invitations", i)
}

func (db *database) upsertInboundInvitation(i *invitation) error {
	return db.upsertInvitation("_inbound_invitations", i)
}

func (db *database) upsertInvitation(table string, i *invitation) error {
	if _, err := db.Tx.NamedExec("INSERT INTO "+table+" (peer_id, conversation_id, identity_key, ephemeral_key, signed_prekey, one_time_prekey, timestamp_ms) VALUES (:peer_id, :conversation_id, :identity_key, :ephemeral_key, :signed_prekey, :one_time_prekey, :timestamp_ms) ON CONFLICT(peer_id, conversation_id) DO UPDATE SET identity_key = :identity_key, ephemeral_key = :ephemeral_key, signed_prekey = :signed_prekey, one_time_prekey = :one_time_prekey, timestamp_ms = :timestamp_ms", i); err != nil {
		return fmt.Errorf("conversation: error upserting invitation into %s: %w", table, err)
	}
	return nil
}

func (db *database) deleteOutboundInvitation(peerID, conversationID string) error {
	if _, err := db.Tx.Exec("DELETE FROM _outbound_invitations WHERE peer_id = $1 AND conversation_id = $2", peerID, conversationID); err != nil {
		return fmt.Errorf("conversation: error deleting outbound invitation: %w", err)
	}
	return nil
}

// receivedReset returns 0 if the peer never asked for a reset.
func (db *database) receivedReset(peerID, conversationID string) (int64, error) {
	var ts int64
	if err := db.Tx.Get(&ts, "SELECT timestamp_ms FROM _received_resets WHERE peer_id = $1 AND conversation_id = $2", peerID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("conversation: error getting received reset: %w", err)
	}
	return ts, nil
}

// recordReceivedReset never moves a recorded reset backwards.
func (db *database) recordReceivedReset(peerID, conversationID string, ts int64) error {
	if _, err := db.Tx.Exec("INSERT INTO _received_resets (peer_id, conversation_id, timestamp_ms) VALUES ($1, $2, $3) ON CONFLICT(peer_id, conversation_id) DO UPDATE SET timestamp_ms = max(timestamp_ms, excluded.timestamp_ms)", peerID, conversationID, ts); err != nil {
		return fmt.Errorf("conversation: error recording received reset: %w", err)
	}
	return nil
}

func (db *database) invalidConversation(peerID, conversationID string) (*invalidConversation, error) {
	ic := &invalidConversation{}
	if err := db.Tx.Get(ic, "SELECT * FROM _invalid_conversations WHERE peer_id = $1 AND conversation_id = $2", peerID, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("conversation: error getting invalid conversation: %w", err)
	}
	return ic, nil
}

func (db *database) upsertInvalidConversation(ic *invalidConversation) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _invalid_conversations (peer_id, conversation_id, fingerprint, invalidated_at_ms, reset_sent_at_ms) VALUES (:peer_id, :conversation_id, :fingerprint, :invalidated_at_ms, :reset_sent_at_ms) ON CONFLICT(peer_id, conversation_id) DO UPDATE SET fingerprint = :fingerprint, invalidated_at_ms = :invalidated_at_ms, reset_sent_at_ms = :reset_sent_at_ms", ic); err != nil {
		return fmt.Errorf("conversation: error upserting invalid conversation: %w", err)
	}
	return nil
}

func (db *database) ratchetState(id []byte) (*ratchetState, error) {
	s := &ratchetState{}
	if err := db.Tx.Get(s, "SELECT * FROM _doubleratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("conversation: error getting ratchet state: %w", err)
	}
	return s, nil
}

func (db *database) upsertRatchetState(s *ratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("conversation: error upserting ratchet state: %w", err)
	}
	return nil
}

func (db *database) skippedKey(sessionID []byte, k doubleratchet.Key, msgNum uint) (*skippedKey, bool, error) {
	kr := &skippedKey{}
	err := db.Tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return kr, true, nil
}

func (db *database) insertSkippedKey(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if _, err := db.Tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, keySeqNum); err != nil {
		return fmt.Errorf("conversation: error inserting skipped key: %w", err)
	}
	return nil
}

func (db *database) deleteSkippedKey(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID); err != nil {
		return fmt.Errorf("conversation: error deleting skipped key: %w", err)
	}
	return nil
}

func (db *database) deleteOldSkippedKeys(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? and seq_num < ?", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("conversation: error deleting old skipped keys: %w", err)
	}
	return nil
}

func (db *database) truncateSkippedKeys(sessionID []byte, maxKeys int) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys where session_id = ? and seq_num not in (select seq_num from _doubleratchet_keys where session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys); err != nil {
		return fmt.Errorf("conversation: error truncating skipped keys: %w", err)
	}
	return nil
}

func (db *database) countSkippedKeys(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE pub_key = ?", k); err != nil {
		return 0, fmt.Errorf("conversation: error counting skipped keys: %w", err)
	}
	return count, nil
}
