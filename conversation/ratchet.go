package conversation

import (
	"bytes"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-hush/crypto"
	"github.com/meow-io/go-hush/envelope"
	"github.com/status-im/doubleratchet"
)

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type sessionStorageImpl struct {
	db *database
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.ratchetState(id)
	if err != nil {
		return nil, err
	}
	if len(s.DhsPriv) != 32 || len(s.DhsPub) != 32 {
		return nil, fmt.Errorf("conversation: ratchet state %x has malformed keys", id)
	}

	drc := &cryptoImpl{}

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: [32]byte(s.DhsPriv), publicKey: [32]byte(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	s := &ratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	return ss.db.upsertRatchetState(s)
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	if len(dhPub) != 32 {
		return nil, crypto.ErrKeySize
	}
	out := box.Precompute(crypto.SliceToKey(dhPub), crypto.SliceToKey(dhPair.PrivateKey()))
	return out[:], nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	sessionID []byte
	db        *database
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.db.skippedKey(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.insertSkippedKey(sessionID, k, msgNum, mk, keySeqNum)
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.db.deleteSkippedKey(ks.sessionID, k, msgNum)
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.deleteOldSkippedKeys(sessionID, deleteUntilSeqKey)
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.truncateSkippedKeys(sessionID, maxKeys)
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.db.countSkippedKeys(k)
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}

func (db *database) loadSession(sessionID []byte, maxSkip uint) (doubleratchet.Session, error) {
	s, err := doubleratchet.Load(sessionID, &sessionStorageImpl{db: db}, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(keysStorageImpl{sessionID: sessionID, db: db}), doubleratchet.WithMaxSkip(int(maxSkip)))
	if err != nil {
		return nil, fmt.Errorf("conversation: error loading session: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("conversation: no session %x: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

// initiatorSession starts a session that can send immediately to the peer's signed prekey.
func (db *database) initiatorSession(sessionID, secret []byte, theirPrekey [32]byte, maxSkip uint) error {
	if _, err := doubleratchet.NewWithRemoteKey(sessionID, secret, theirPrekey[:], &sessionStorageImpl{db: db}, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(keysStorageImpl{sessionID: sessionID, db: db}), doubleratchet.WithMaxSkip(int(maxSkip))); err != nil {
		return fmt.Errorf("conversation: error initializing ratchet: %w", err)
	}
	return nil
}

// responderSession starts a session from our signed prekey. It cannot send until it has received.
func (db *database) responderSession(sessionID, secret []byte, ourPrekey dhPairImpl, maxSkip uint) error {
	if _, err := doubleratchet.New(sessionID, secret, ourPrekey, &sessionStorageImpl{db: db}, doubleratchet.WithCrypto(&cryptoImpl{}), doubleratchet.WithKeysStorage(keysStorageImpl{sessionID: sessionID, db: db}), doubleratchet.WithMaxSkip(int(maxSkip))); err != nil {
		return fmt.Errorf("conversation: error initializing ratchet: %w", err)
	}
	return nil
}

type ratchetFailure int

const (
	failureNone ratchetFailure = iota
	failureObsolete
	failureMaxSkip
	failureDecryption
)

func (f ratchetFailure) String() string {
	switch f {
	case failureObsolete:
		return "obsolete message"
	case failureMaxSkip:
		return "max skip exceeded"
	case failureDecryption:
		return "decryption error"
	default:
		return "none"
	}
}

// precheck predicts whether the ratchet will refuse a message, since the ratchet only reports failures as text.
func (db *database) precheck(sessionID []byte, msg *envelope.RatchetMessage) (ratchetFailure, error) {
	if _, ok, err := db.skippedKey(sessionID, msg.DH, uint(msg.N)); err != nil {
		return failureNone, err
	} else if ok {
		return failureNone, nil
	}
	s, err := db.ratchetState(sessionID)
	if err != nil {
		return failureNone, err
	}
	maxSkip := uint(s.MaxSkip)
	if bytes.Equal(msg.DH, s.Dhr) {
		if msg.N < s.RecvChCount {
			return failureObsolete, nil
		}
		if uint(msg.N-s.RecvChCount) > maxSkip {
			return failureMaxSkip, nil
		}
		return failureNone, nil
	}
	if s.Dhr != nil && msg.PN > s.RecvChCount && uint(msg.PN-s.RecvChCount) > maxSkip {
		return failureMaxSkip, nil
	}
	if uint(msg.N) > maxSkip {
		return failureMaxSkip, nil
	}
	return failureNone, nil
}

// canSend reports whether the session has a sending chain.
func (db *database) canSend(c *conversation) (bool, error) {
	if c.Initiator {
		return true, nil
	}
	s, err := db.ratchetState(c.SessionID)
	if err != nil {
		return false, err
	}
	return s.Dhr != nil, nil
}

func fingerprint(dh []byte) string {
	sum := sha256.Sum256(dh)
	return hex.EncodeToString(sum[:])
}

func toRatchetMessage(m doubleratchet.Message) *envelope.RatchetMessage {
	return &envelope.RatchetMessage{DH: m.Header.DH, N: m.Header.N, PN: m.Header.PN, Ciphertext: m.Ciphertext}
}

func fromRatchetMessage(m *envelope.RatchetMessage) doubleratchet.Message {
	return doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: m.DH,
			N:  m.N,
			PN: m.PN,
		},
		Ciphertext: m.Ciphertext,
	}
}
