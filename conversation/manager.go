// Package conversation manages the forward secret conversation kept with each peer: starting it from a key
// bundle, encrypting and decrypting through it, and negotiating a fresh one when the two sides diverge.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-hush/clock"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/identity"
	"github.com/meow-io/go-hush/internal/db"
	"github.com/meow-io/go-hush/protocol/x3dh"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/singleflight"
)

// KeyFetcher fetches the key bundle of a peer. Each call may consume one of the peer's one-time prekeys.
type KeyFetcher interface {
	GetUserKeys(ctx context.Context, peer string) (*identity.Bundle, error)
}

// ResetReplier tells a peer their conversation with us has been replaced. inv invites them to the new one.
type ResetReplier interface {
	SendResetReply(ctx context.Context, peer string, receiverCert, senderCert *envelope.Certificate, collapseID string, inv *envelope.Invitation) error
}

type Manager struct {
	log        *zap.SugaredLogger
	config     *config.Config
	db         *database
	clock      clock.Clock
	identities *identity.Store
	keys       KeyFetcher
	replier    ResetReplier
	queues     *queues
	inits      singleflight.Group

	lastResetsLock sync.Mutex
	lastResets     map[string]int64

	ctx        context.Context
	cancelFunc context.CancelFunc
	pending    sync.WaitGroup
	finished   sync.WaitGroup
}

// NewManager expects identities to be kept in d.
func NewManager(c *config.Config, d *db.Database, cl clock.Clock, identities *identity.Store, keys KeyFetcher, replier ResetReplier) (*Manager, error) {
	cd, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("conversation: error making manager %w", err)
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Manager{
		log:        c.Logger("conversation"),
		config:     c,
		db:         cd,
		clock:      cl,
		identities: identities,
		keys:       keys,
		replier:    replier,
		queues:     newQueues(),
		lastResets: make(map[string]int64),
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}, nil
}

// Start runs housekeeping until Shutdown.
func (m *Manager) Start() error {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		ticker := time.NewTicker(m.resendResetTimeout())
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.lastResetsLock.Lock()
				m.pruneLastResets()
				m.lastResetsLock.Unlock()
			}
		}
	}()
	return nil
}

func (m *Manager) Shutdown() error {
	m.cancelFunc()
	m.pending.Wait()
	m.finished.Wait()
	return nil
}

// WaitForPending blocks until every resync and reset reply started so far has finished.
func (m *Manager) WaitForPending() {
	m.pending.Wait()
}

func (m *Manager) IsInitialized(peer string, collapsing bool) (bool, error) {
	var initialized bool
	err := m.db.RunReadOnly("is initialized", func() error {
		c, err := m.db.conversation(peer, ConversationID(collapsing))
		initialized = c != nil
		return err
	})
	return initialized, err
}

// InitConversation replaces any conversation with peer by a new one started from a freshly fetched bundle.
// Concurrent calls for the same conversation share one attempt.
func (m *Manager) InitConversation(ctx context.Context, peer string, collapsing bool) error {
	key := peer + "\x00" + ConversationID(collapsing)
	_, err, _ := m.inits.Do(key, func() (interface{}, error) {
		return nil, m.queues.run(ctx, peer, func() error {
			return m.initConversation(ctx, peer, collapsing)
		})
	})
	return err
}

// initConversation must run on the peer's queue.
func (m *Manager) initConversation(ctx context.Context, peer string, collapsing bool) error {
	cid := ConversationID(collapsing)
	bundle, err := m.keys.GetUserKeys(ctx, peer)
	if err != nil {
		return fmt.Errorf("conversation: error fetching keys for %s: %w: %w", peer, ErrNetwork, err)
	}
	if err := bundle.Verify(); err != nil {
		return fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	ours, err := m.identities.LoadIdentity()
	if err != nil {
		return err
	}
	ephemeral, err := identity.NewKeyPair()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	secret, err := x3dh.Initiate(ours.Agreement.Private, ephemeral.Private, bundle.IdentityKey, bundle.SignedPrekey, bundle.OneTimePrekey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	inv := &envelope.Invitation{
		IdentityKey:   ours.Agreement.Public,
		EphemeralKey:  ephemeral.Public,
		SignedPrekey:  bundle.SignedPrekey,
		OneTimePrekey: bundle.OneTimePrekey,
	}
	sessionID := uuid.New()
	now := m.clock.CurrentTimeMs()

	if err := m.db.Run("init conversation", func() error {
		if err := m.db.replaceConversation(&conversation{
			PeerID:         peer,
			ConversationID: cid,
			SessionID:      sessionID[:],
			AssociatedData: x3dh.AssociatedData(ours.Agreement.Public, bundle.IdentityKey),
			Initiator:      true,
			CreatedAtMs:    now,
		}); err != nil {
			return err
		}
		if err := m.db.initiatorSession(sessionID[:], secret, bundle.SignedPrekey, m.config.MaxSkip); err != nil {
			return err
		}
		return m.db.upsertOutboundInvitation(newInvitation(peer, cid, inv, now))
	}); err != nil {
		return err
	}
	m.log.Debugf("initiated conversation %s with %s", cid, peer)
	return nil
}

// Encrypt runs one ratchet step toward peer and returns the encoded ratchet message.
func (m *Manager) Encrypt(ctx context.Context, data []byte, peer string, collapsing bool) ([]byte, error) {
	var out []byte
	err := m.queues.run(ctx, peer, func() error {
		cid := ConversationID(collapsing)
		ready := false
		if err := m.db.RunReadOnly("check conversation", func() error {
			c, err := m.db.conversation(peer, cid)
			if err != nil || c == nil {
				return err
			}
			ready, err = m.db.canSend(c)
			return err
		}); err != nil {
			return err
		}
		if !ready {
			if err := m.initConversation(ctx, peer, collapsing); err != nil {
				return err
			}
		}

		return m.db.Run("encrypt", func() error {
			c, err := m.db.conversation(peer, cid)
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("conversation: %s with %s: %w", cid, peer, ErrNotFound)
			}
			session, err := m.db.loadSession(c.SessionID, m.config.MaxSkip)
			if err != nil {
				return err
			}
			msg, err := session.RatchetEncrypt(data, c.AssociatedData)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCrypto, err)
			}
			out, err = envelope.Marshal(toRatchetMessage(msg))
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConversationInvitation returns the invitation to attach to traffic for peer until they reply, or nil.
func (m *Manager) ConversationInvitation(peer string, collapsing bool) (*envelope.Invitation, error) {
	var inv *envelope.Invitation
	err := m.db.RunReadOnly("conversation invitation", func() error {
		i, err := m.db.outboundInvitation(peer, ConversationID(collapsing))
		if err != nil || i == nil {
			return err
		}
		inv, err = i.envelopeInvitation()
		return err
	})
	return inv, err
}

// RecordReset remembers that the sender replaced their conversation with us at the envelope's timestamp.
func (m *Manager) RecordReset(meta envelope.Metadata) error {
	return m.db.Run("record reset", func() error {
		return m.db.recordReceivedReset(meta.SenderID, ConversationID(meta.Collapsing()), meta.Timestamp.UnixMilli())
	})
}

// DecodeEncrypted is the decoding strategy for encrypted payloads.
func (m *Manager) DecodeEncrypted(ctx context.Context, b *envelope.Bundle) (*envelope.Bundle, error) {
	epc, err := b.Container.Decode()
	if err != nil {
		return nil, err
	}
	return m.Decrypt(ctx, epc, b.Meta)
}

// DecodeReset is the decoding strategy for reset control messages. They carry no data, only the invitation to
// the sender's new conversation, which is accepted the same way as one attached to an encrypted message.
func (m *Manager) DecodeReset(ctx context.Context, b *envelope.Bundle) (*envelope.Bundle, error) {
	if b.Container.Type != envelope.PayloadTypeReset {
		return nil, envelope.ErrInvalidPayloadType
	}
	meta := b.Meta
	peer := meta.SenderID
	cid := ConversationID(meta.Collapsing())
	err := m.queues.run(ctx, peer, func() error {
		if meta.Invitation != nil {
			var inbound *invitation
			if err := m.db.RunReadOnly("reset invitation", func() error {
				var err error
				inbound, err = m.db.inboundInvitation(peer, cid)
				return err
			}); err != nil {
				return err
			}
			if err := m.acceptFreshInvitation(peer, cid, meta.Invitation, inbound, meta.Timestamp.UnixMilli()); err != nil {
				m.log.Warnf("error accepting invitation from %s with their reset: %v", peer, err)
				m.resync(peer, meta.Collapsing(), "", meta)
			}
		}
		return m.RecordReset(meta)
	})
	if err != nil {
		return nil, err
	}
	m.log.Debugf("%s reset conversation %s", peer, cid)
	return nil, nil
}

// Decrypt returns the inner payload of an encrypted container. A nil bundle with a nil error means the message
// was an expected duplicate and was discarded.
func (m *Manager) Decrypt(ctx context.Context, epc *envelope.EncryptedPayloadContainer, meta envelope.Metadata) (*envelope.Bundle, error) {
	msg := &envelope.RatchetMessage{}
	if err := envelope.Unmarshal(epc.EncryptedKey, msg); err != nil {
		return nil, fmt.Errorf("%w: malformed key from %s: %w", ErrCrypto, meta.SenderID, err)
	}
	var out *envelope.Bundle
	err := m.queues.run(ctx, meta.SenderID, func() error {
		var err error
		out, err = m.decrypt(epc, msg, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) decrypt(epc *envelope.EncryptedPayloadContainer, msg *envelope.RatchetMessage, meta envelope.Metadata) (*envelope.Bundle, error) {
	peer := meta.SenderID
	collapsing := meta.Collapsing()
	cid := ConversationID(collapsing)
	ts := meta.Timestamp.UnixMilli()
	fp := fingerprint(msg.DH)

	var (
		reset   int64
		inbound *invitation
	)
	if err := m.db.RunReadOnly("decrypt preamble", func() error {
		var err error
		if reset, err = m.db.receivedReset(peer, cid); err != nil {
			return err
		}
		inbound, err = m.db.inboundInvitation(peer, cid)
		return err
	}); err != nil {
		return nil, err
	}

	if reset != 0 && ts < reset {
		m.log.Debugf("dropping message from %s sent before their reset", peer)
		return nil, ErrInvalidConversation
	}

	if meta.Invitation != nil {
		if err := m.acceptFreshInvitation(peer, cid, meta.Invitation, inbound, ts); err != nil {
			m.log.Warnf("error accepting invitation from %s: %v", peer, err)
			m.resync(peer, collapsing, fp, meta)
			return nil, ErrConversationResynced
		}
	}

	var (
		c      *conversation
		marker *invalidConversation
	)
	if err := m.db.RunReadOnly("decrypt conversation", func() error {
		var err error
		if c, err = m.db.conversation(peer, cid); err != nil {
			return err
		}
		marker, err = m.db.invalidConversation(peer, cid)
		return err
	}); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrInvalidConversation
	}

	if marker != nil {
		if marker.Fingerprint == fp {
			now := m.clock.CurrentTimeMs()
			if now-marker.ResetSentAtMs >= m.config.ResendResetTimeoutMs {
				marker.ResetSentAtMs = now
				if err := m.runThenReply("update invalid conversation", peer, meta, false, func() (bool, error) {
					return true, m.db.upsertInvalidConversation(marker)
				}); err != nil {
					return nil, err
				}
			}
			return nil, ErrInvalidConversation
		}
		if marker.InvalidatedAtMs > ts {
			return nil, ErrInvalidConversation
		}
	}

	var (
		failure ratchetFailure
		out     *envelope.Bundle
	)
	err := m.db.Run("decrypt", func() error {
		var err error
		if failure, err = m.db.precheck(c.SessionID, msg); err != nil || failure != failureNone {
			return err
		}
		session, err := m.db.loadSession(c.SessionID, m.config.MaxSkip)
		if err != nil {
			return err
		}
		key, err := session.RatchetDecrypt(fromRatchetMessage(msg), c.AssociatedData)
		if err != nil {
			failure = failureDecryption
			return err
		}
		pc, err := envelope.OpenPayload(epc.Ciphertext, key, peer)
		if err != nil {
			failure = failureDecryption
			return err
		}
		if err := m.db.deleteOutboundInvitation(peer, cid); err != nil {
			return err
		}
		meta.Authenticated = true
		out = &envelope.Bundle{Container: pc, Meta: meta}
		return nil
	})

	switch failure {
	case failureNone:
		if err != nil {
			return nil, err
		}
		return out, nil
	case failureObsolete:
		m.log.Debugf("discarding obsolete message %d from %s", msg.N, peer)
		return nil, nil
	default:
		m.log.Infof("%s from %s, resyncing conversation %s: %v", failure, peer, cid, err)
		m.resync(peer, collapsing, fp, meta)
		return nil, ErrConversationResynced
	}
}

// acceptFreshInvitation accepts inv unless it repeats, or is older than, the last invitation accepted from peer.
func (m *Manager) acceptFreshInvitation(peer, cid string, inv *envelope.Invitation, inbound *invitation, ts int64) error {
	if inbound != nil {
		last, err := inbound.envelopeInvitation()
		if err != nil {
			return err
		}
		if last.Equal(inv) || ts <= inbound.TimestampMs {
			return nil
		}
	}
	return m.acceptInvitation(peer, cid, inv, ts)
}

// acceptInvitation derives the responder side of the conversation the invitation describes. The one-time
// prekey it used is deleted in the same transaction that replaces the conversation. It must run on the peer's
// queue.
func (m *Manager) acceptInvitation(peer, cid string, inv *envelope.Invitation, ts int64) error {
	ours, err := m.identities.LoadIdentity()
	if err != nil {
		return err
	}
	prekey, err := m.identities.LoadPrekey()
	if err != nil {
		return err
	}
	if prekey.Public != inv.SignedPrekey {
		return fmt.Errorf("%w: invitation uses a signed prekey we no longer hold", ErrCrypto)
	}
	var oneTime *[32]byte
	if inv.OneTimePrekey != nil {
		kp, err := m.identities.LoadPrivateOneTimePrekey(*inv.OneTimePrekey)
		if err != nil {
			return err
		}
		oneTime = &kp.Private
	}
	secret, err := x3dh.Respond(ours.Agreement.Private, prekey.Private, oneTime, inv.IdentityKey, inv.EphemeralKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	sessionID := uuid.New()
	if err := m.db.Run("accept invitation", func() error {
		if err := m.db.replaceConversation(&conversation{
			PeerID:         peer,
			ConversationID: cid,
			SessionID:      sessionID[:],
			AssociatedData: x3dh.AssociatedData(inv.IdentityKey, ours.Agreement.Public),
			Initiator:      false,
			CreatedAtMs:    m.clock.CurrentTimeMs(),
		}); err != nil {
			return err
		}
		if err := m.db.responderSession(sessionID[:], secret, dhPairImpl{privateKey: prekey.Private, publicKey: prekey.Public}, m.config.MaxSkip); err != nil {
			return err
		}
		if err := m.db.upsertInboundInvitation(newInvitation(peer, cid, inv, ts)); err != nil {
			return err
		}
		if inv.OneTimePrekey != nil {
			pub := *inv.OneTimePrekey
			m.db.BeforeCommit(func() error {
				return m.identities.ConsumeOneTimePrekey(pub)
			})
		}
		return m.db.deleteOutboundInvitation(peer, cid)
	}); err != nil {
		return err
	}
	m.log.Debugf("accepted invitation for conversation %s from %s", cid, peer)
	return nil
}

// resync marks the conversation invalid for the failed key and, unless one ran recently, starts a fresh
// conversation and tells the peer once the marker is committed.
func (m *Manager) resync(peer string, collapsing bool, fp string, meta envelope.Metadata) {
	cid := ConversationID(collapsing)
	now := m.clock.CurrentTimeMs()
	key := peer + "\x00" + cid

	m.lastResetsLock.Lock()
	m.pruneLastResets()
	_, recent := m.lastResets[key]
	if !recent {
		m.lastResets[key] = now
	}
	m.lastResetsLock.Unlock()

	if err := m.runThenReply("mark invalid conversation", peer, meta, true, func() (bool, error) {
		marker := &invalidConversation{
			PeerID:          peer,
			ConversationID:  cid,
			Fingerprint:     fp,
			InvalidatedAtMs: now,
		}
		if recent {
			existing, err := m.db.invalidConversation(peer, cid)
			if err != nil {
				return false, err
			}
			if existing != nil {
				marker.ResetSentAtMs = existing.ResetSentAtMs
			}
		} else {
			marker.ResetSentAtMs = now
		}
		return !recent, m.db.upsertInvalidConversation(marker)
	}); err != nil {
		m.log.Warnf("error marking conversation %s with %s invalid: %v", cid, peer, err)
		return
	}
	if recent {
		m.log.Debugf("skipping resync of %s with %s, one ran recently", cid, peer)
	}
}

// runThenReply runs runner in a transaction. When runner asks for it, a reset reply goes out in the background
// after the transaction commits, first starting a new conversation when reinit is set.
func (m *Manager) runThenReply(label, peer string, meta envelope.Metadata, reinit bool, runner func() (bool, error)) error {
	replying := false
	m.pending.Add(1)
	err := m.db.Run(label, func() error {
		reply, err := runner()
		if err != nil || !reply {
			return err
		}
		replying = true
		m.db.AfterCommit(func() {
			defer m.pending.Done()
			m.sendReset(peer, meta, reinit)
		})
		return nil
	})
	if err != nil || !replying {
		m.pending.Done()
	}
	return err
}

func (m *Manager) sendReset(peer string, meta envelope.Metadata, reinit bool) {
	ctx, cancel := context.WithTimeout(m.ctx, time.Duration(m.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	if reinit {
		if err := m.InitConversation(ctx, peer, meta.Collapsing()); err != nil {
			m.log.Warnf("error reinitializing conversation with %s: %v", peer, err)
			return
		}
	}
	if meta.SenderCertificate == nil {
		m.log.Warnf("cannot send reset to %s: %v", peer, ErrMissingCertificate)
		return
	}
	inv, err := m.ConversationInvitation(peer, meta.Collapsing())
	if err != nil {
		m.log.Warnf("error loading invitation for %s: %v", peer, err)
		return
	}
	if err := m.replier.SendResetReply(ctx, peer, meta.SenderCertificate, meta.ReceiverCertificate, meta.CollapseID, inv); err != nil {
		m.log.Warnf("error sending reset to %s: %v", peer, err)
	}
}

// pruneLastResets must be called with lastResetsLock held.
func (m *Manager) pruneLastResets() {
	cutoff := m.clock.CurrentTimeMs() - m.config.ResendResetTimeoutMs
	maps.DeleteFunc(m.lastResets, func(_ string, at int64) bool {
		return at <= cutoff
	})
}

func (m *Manager) resendResetTimeout() time.Duration {
	d := time.Duration(m.config.ResendResetTimeoutMs) * time.Millisecond
	if d <= 0 {
		return time.Minute
	}
	return d
}
