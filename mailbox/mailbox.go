// Package mailbox fans outgoing payloads out to recipients and hands them to the relay.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/meow-io/go-hush/clock"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrResetRecipients = errors.New("mailbox: a reset is sent to exactly one recipient")

// Sender posts a message to the relay.
type Sender interface {
	PostMessage(ctx context.Context, m *envelope.OutgoingMessage) error
}

// Encrypter is the part of the conversation manager the mailbox uses.
type Encrypter interface {
	Encrypt(ctx context.Context, data []byte, peer string, collapsing bool) ([]byte, error)
	ConversationInvitation(peer string, collapsing bool) (*envelope.Invitation, error)
	InitConversation(ctx context.Context, peer string, collapsing bool) error
}

// Report says what happened to each recipient of a send. Retried recipients were delivered on their second
// attempt.
type Report struct {
	Delivered []string
	Retried   []string
	Failed    map[string]error
}

func (r *Report) fail(peer string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[peer] = err
}

type Mailbox struct {
	log       *zap.SugaredLogger
	config    *config.Config
	clock     clock.Clock
	encrypter Encrypter
	sender    Sender
	resets    *ResetSender
}

func New(c *config.Config, cl clock.Clock, encrypter Encrypter, sender Sender) *Mailbox {
	return &Mailbox{
		log:       c.Logger("mailbox"),
		config:    c,
		clock:     cl,
		encrypter: encrypter,
		sender:    sender,
		resets:    NewResetSender(c, cl, sender),
	}
}

type derived struct {
	recipient *envelope.Recipient
	err       error
}

// Send encrypts payload once and delivers it to every member of to. Recipients that cannot be encrypted for
// get a fresh conversation and a second, individual attempt. A nil payload sends a reset to a single recipient.
// The returned error is set only when nothing could be attempted.
func (m *Mailbox) Send(ctx context.Context, payload *envelope.PayloadContainer, to []*envelope.Certificate, senderCert *envelope.Certificate, priority envelope.Priority, collapseID string) (*Report, error) {
	if payload == nil {
		if len(to) != 1 {
			return nil, ErrResetRecipients
		}
		inv, err := m.encrypter.ConversationInvitation(to[0].UserID, collapseID != "")
		if err != nil {
			return nil, err
		}
		if err := m.resets.send(ctx, to[0], senderCert, collapseID, inv); err != nil {
			return nil, err
		}
		return &Report{Delivered: []string{to[0].UserID}}, nil
	}
	if len(to) == 0 {
		return nil, envelope.ErrNoRecipients
	}

	ciphertext, key, err := envelope.SealPayload(payload, m.config.UserID)
	if err != nil {
		return nil, fmt.Errorf("mailbox: error sealing payload: %w", err)
	}
	base := &envelope.OutgoingMessage{
		ID:          uuid.New(),
		SenderID:    m.config.UserID,
		Timestamp:   m.clock.Now(),
		Type:        envelope.PayloadTypeEncrypted,
		Ciphertext:  ciphertext,
		Certificate: senderCert,
		Priority:    priority,
		CollapseID:  collapseID,
	}
	collapsing := collapseID != ""

	results := make([]derived, len(to))
	g := m.group()
	for i, cert := range to {
		i, cert := i, cert
		g.Go(func() error {
			r, err := m.recipient(ctx, key, cert, collapsing)
			results[i] = derived{r, err}
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{}
	var ok []*envelope.Recipient
	var retry []*envelope.Certificate
	for i, res := range results {
		if res.err != nil {
			m.log.Warnf("error encrypting for %s, retrying: %v", to[i].UserID, res.err)
			retry = append(retry, to[i])
			continue
		}
		ok = append(ok, res.recipient)
	}

	if len(ok) != 0 {
		msg := *base
		msg.Recipients = ok
		if err := m.sender.PostMessage(ctx, &msg); err != nil {
			m.log.Warnf("error posting message %s: %v", msg.ID, err)
			for _, r := range ok {
				report.fail(r.Certificate.UserID, err)
			}
		} else {
			for _, r := range ok {
				report.Delivered = append(report.Delivered, r.Certificate.UserID)
			}
		}
	}

	var lock sync.Mutex
	g = m.group()
	for _, cert := range retry {
		cert := cert
		g.Go(func() error {
			err := m.retry(ctx, base, key, cert, collapsing)
			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				m.log.Warnf("retry for %s failed: %v", cert.UserID, err)
				report.fail(cert.UserID, err)
			} else {
				report.Retried = append(report.Retried, cert.UserID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func (m *Mailbox) group() *errgroup.Group {
	g := &errgroup.Group{}
	if m.config.MaxConcurrentRecipients > 0 {
		g.SetLimit(m.config.MaxConcurrentRecipients)
	}
	return g
}

func (m *Mailbox) recipient(ctx context.Context, key []byte, cert *envelope.Certificate, collapsing bool) (*envelope.Recipient, error) {
	encryptedKey, err := m.encrypter.Encrypt(ctx, key, cert.UserID, collapsing)
	if err != nil {
		return nil, err
	}
	inv, err := m.encrypter.ConversationInvitation(cert.UserID, collapsing)
	if err != nil {
		return nil, err
	}
	return &envelope.Recipient{Certificate: cert, EncryptedKey: encryptedKey, Invitation: inv}, nil
}

// retry starts a new conversation with the recipient and sends the same message to them alone.
func (m *Mailbox) retry(ctx context.Context, base *envelope.OutgoingMessage, key []byte, cert *envelope.Certificate, collapsing bool) error {
	if err := m.encrypter.InitConversation(ctx, cert.UserID, collapsing); err != nil {
		return err
	}
	r, err := m.recipient(ctx, key, cert, collapsing)
	if err != nil {
		return err
	}
	msg := *base
	msg.Recipients = []*envelope.Recipient{r}
	return m.sender.PostMessage(ctx, &msg)
}
