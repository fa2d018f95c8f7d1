// Package heya receives envelopes pushed through heya servers and sends envelopes to other users' heya inboxes.
package heya

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/scalarmult"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/crypto"
	"github.com/meow-io/go-hush/envelope"
	db "github.com/meow-io/go-hush/internal/db"
	"github.com/meow-io/go-hush/migration"
	heya_client "github.com/meow-io/heya/client"
	"go.uber.org/zap"
)

const (
	HeyaScheme  = "heya"
	DefaultPort = heya_client.DefaultPort

	sendTokenLifetime = time.Hour * 24 * 365
)

var ErrNoInbox = errors.New("heya: no inbox on that server")

type StateUpdate struct {
	Host  string
	Port  int
	State string
}

type ParsedURL struct {
	Host        string
	Port        int
	PublicBytes [32]byte
	SendToken   [32]byte
}

func (pu *ParsedURL) URL() string {
	return fmt.Sprintf("heya://%s:%d/%s/%s",
		pu.Host,
		pu.Port,
		base64.RawURLEncoding.EncodeToString(pu.PublicBytes[:]),
		base64.RawURLEncoding.EncodeToString(pu.SendToken[:]))
}

func (pu *ParsedURL) hostPort() string {
	return fmt.Sprintf("%s:%d", pu.Host, pu.Port)
}

func ParseURL(u string) (*ParsedURL, error) {
	pu, err := url.Parse(u)
	if err != nil {
		return nil, err
	}

	if pu.Scheme != HeyaScheme {
		return nil, fmt.Errorf("expected scheme %s, got %s", HeyaScheme, pu.Scheme)
	}

	parts := strings.Split(pu.Path, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected path /<key>/<token>, got %s", pu.Path)
	}

	publicKeyBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	sendTokenBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	if len(publicKeyBytes) != 32 {
		return nil, fmt.Errorf("expected length 32, got %d", len(publicKeyBytes))
	}
	if len(sendTokenBytes) != 32 {
		return nil, fmt.Errorf("expected length 32, got %d", len(sendTokenBytes))
	}

	port := DefaultPort
	if pu.Port() != "" {
		portUint, err := strconv.ParseUint(pu.Port(), 10, 16)
		if err != nil {
			return nil, err
		}
		port = int(portUint)
	}

	return &ParsedURL{pu.Hostname(), port, [32]byte(publicKeyBytes), [32]byte(sendTokenBytes)}, nil
}

// Inbox is a send token on a heya server together with the key envelopes sent to it are sealed to.
type Inbox struct {
	ID              []byte `db:"id"`
	Host            string `db:"host"`
	Port            int    `db:"port"`
	PrivateKeyPKCS1 []byte `db:"private_key_pkcs1"`
	Certificate     []byte `db:"certificate"`
	SendToken       []byte `db:"send_token"`
	PrivateKeyNacl  []byte `db:"private_key_nacl"`
	ExpiresAt       int64  `db:"expires_at"`
	NextSeq         uint64 `db:"next_seq"`

	client client
}

func (i *Inbox) URL() string {
	pu := &ParsedURL{Host: i.Host, Port: i.Port, PublicBytes: i.publicKeyNacl(), SendToken: [32]byte(i.SendToken)}
	return pu.URL()
}

func (i *Inbox) hostPort() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

func (i *Inbox) publicKeyNacl() [32]byte {
	privateKey := [32]byte(i.PrivateKeyNacl)
	return *scalarmult.Base(&privateKey)
}

// Processor is handed every envelope received on an inbox.
type Processor func(ctx context.Context, env *envelope.Envelope) error

type Manager struct {
	config         *config.Config
	db             *db.Database
	log            *zap.SugaredLogger
	processor      Processor
	dial           dialer
	ctx            context.Context
	cancelFunc     context.CancelFunc
	finished       sync.WaitGroup
	processedIntro sync.WaitGroup
	inboxes        map[[32]byte]*Inbox
	inboxesLock    sync.RWMutex
	updates        chan *StateUpdate
}

func NewManager(c *config.Config, d *db.Database, processor Processor) (*Manager, error) {
	return newManager(c, d, processor, dialHeya)
}

func newManager(c *config.Config, d *db.Database, processor Processor, dial dialer) (*Manager, error) {
	if err := d.Migrate("_transport_heya", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _heya_inboxes (
		id BLOB PRIMARY KEY,
		host STRING NOT NULL,
		port INTEGER NOT NULL,
		private_key_pkcs1 BLOB NOT NULL,
		certificate BLOB NOT NULL,
		send_token BLOB NOT NULL,
		private_key_nacl BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		next_seq INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX heya_inboxes_token on _heya_inboxes (send_token);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Manager{
		config:     c,
		db:         d,
		log:        c.Logger("transport/heya"),
		processor:  processor,
		dial:       dial,
		ctx:        ctx,
		cancelFunc: cancelFunc,
		inboxes:    make(map[[32]byte]*Inbox),
		updates:    make(chan *StateUpdate, 100),
	}, nil
}

// Start connects every stored inbox and begins receiving.
func (m *Manager) Start() error {
	var inboxes []*Inbox
	if err := m.db.RunReadOnly("load heya inboxes", func() error {
		return m.db.Tx.Select(&inboxes, "SELECT * FROM _heya_inboxes")
	}); err != nil {
		return fmt.Errorf("heya: error loading inboxes: %w", err)
	}

	// one connection per server carries every inbox on it
	clients := make(map[string]client)
	for _, inbox := range inboxes {
		c, ok := clients[inbox.hostPort()]
		if !ok {
			var err error
			c, err = m.dial(inbox.Host, inbox.Port, inbox.PrivateKeyPKCS1, inbox.Certificate, m.stateUpdater(inbox.Host, inbox.Port))
			if err != nil {
				return err
			}
			clients[inbox.hostPort()] = c
		}
		inbox.client = c
		m.inboxesLock.Lock()
		m.inboxes[[32]byte(inbox.SendToken)] = inbox
		m.inboxesLock.Unlock()
	}
	for _, c := range clients {
		m.startReceiving(c, true)
	}
	return nil
}

func (m *Manager) Updates() <-chan *StateUpdate {
	return m.updates
}

// CreateInbox registers with a heya server and makes a new inbox on it.
func (m *Manager) CreateInbox(ctx context.Context, authToken, host string, port int) (*Inbox, error) {
	c := m.clientFor(fmt.Sprintf("%s:%d", host, port))
	fresh := c == nil
	if fresh {
		var err error
		if c, err = m.dial(host, port, nil, nil, m.stateUpdater(host, port)); err != nil {
			return nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		if err := c.Register(ctx, authToken); err != nil {
			c.Close()
			return nil, err
		}
	}

	start := time.Now()
	token, err := c.MakeSendToken(ctx, start, start.Add(sendTokenLifetime))
	if err != nil {
		if fresh {
			c.Close()
		}
		return nil, err
	}
	if len(token) != 32 {
		return nil, fmt.Errorf("heya: expected send token of length 32, got %d", len(token))
	}

	id := uuid.New()
	key := nacl.NewKey()
	privateKeyPKCS1, cert := c.Credentials()
	inbox := &Inbox{
		ID:              id[:],
		Host:            host,
		Port:            port,
		PrivateKeyPKCS1: privateKeyPKCS1,
		Certificate:     cert,
		SendToken:       token,
		PrivateKeyNacl:  key[:],
		ExpiresAt:       start.Add(sendTokenLifetime).Unix(),
		NextSeq:         0,
		client:          c,
	}
	if err := m.db.Run("insert heya inbox", func() error {
		return m.upsertInbox(inbox)
	}); err != nil {
		return nil, err
	}

	m.inboxesLock.Lock()
	m.inboxes[[32]byte(token)] = inbox
	m.inboxesLock.Unlock()
	if fresh {
		m.startReceiving(c, false)
	}
	m.log.Infof("created inbox on %s", inbox.hostPort())
	return inbox, nil
}

func (m *Manager) URLs() []string {
	m.inboxesLock.RLock()
	defer m.inboxesLock.RUnlock()
	urls := make([]string, 0, len(m.inboxes))
	for _, inbox := range m.inboxes {
		urls = append(urls, inbox.URL())
	}
	return urls
}

// Send seals env to the inbox at to. It goes out over our own connection to that server.
func (m *Manager) Send(ctx context.Context, to string, env *envelope.Envelope) error {
	parsed, err := ParseURL(to)
	if err != nil {
		m.log.Warnf("sending message, but didn't parse %v", err)
		return err
	}
	body, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	sealed, err := crypto.SealTo(parsed.PublicBytes, body)
	if err != nil {
		return err
	}

	c := m.clientFor(parsed.hostPort())
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoInbox, parsed.hostPort())
	}
	m.log.Debugf("sending %s to %s", env.ID, parsed.hostPort())
	return c.Send(ctx, parsed.SendToken[:], sealed)
}

// WaitForPending blocks until every inbox loaded by Start has caught up with its server.
func (m *Manager) WaitForPending() {
	m.processedIntro.Wait()
}

func (m *Manager) Shutdown() error {
	m.cancelFunc()
	m.finished.Wait()
	m.inboxesLock.Lock()
	defer m.inboxesLock.Unlock()
	closed := make(map[client]bool)
	for _, inbox := range m.inboxes {
		if !closed[inbox.client] {
			inbox.client.Close()
			closed[inbox.client] = true
		}
	}
	return nil
}

func (m *Manager) clientFor(hostPort string) client {
	m.inboxesLock.RLock()
	defer m.inboxesLock.RUnlock()
	for _, inbox := range m.inboxes {
		if inbox.hostPort() == hostPort {
			return inbox.client
		}
	}
	return nil
}

func (m *Manager) inboxFor(token [32]byte) *Inbox {
	m.inboxesLock.RLock()
	defer m.inboxesLock.RUnlock()
	return m.inboxes[token]
}

func (m *Manager) startReceiving(c client, intro bool) {
	var introOnce sync.Once
	if intro {
		m.processedIntro.Add(1)
	}
	introDone := func() {
		if intro {
			introOnce.Do(m.processedIntro.Done)
		}
	}

	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		defer introDone()
		reqCtx, cancelFn := context.WithTimeout(m.ctx, m.requestTimeout())
		err := c.Connect(reqCtx)
		cancelFn()
		if err != nil {
			m.log.Warnf("error while connecting: %v", err)
		}
		events := c.Events(m.ctx)
		for {
			select {
			case <-m.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.doneIntro {
					introDone()
					continue
				}
				inbox := m.inboxFor(ev.token)
				if inbox == nil {
					continue
				}
				m.receive(inbox, ev.seq)
			}
		}
	}()
}

// receive fetches and processes messages on inbox below seq.
func (m *Manager) receive(inbox *Inbox, seq uint64) {
	start := inbox.NextSeq
	if seq <= start {
		return
	}
	m.log.Debugf("getting messages from %d to %d", start, seq)
	for i := start; i < seq; i++ {
		reqCtx, cancelFn := context.WithTimeout(m.ctx, m.requestTimeout())
		body, err := inbox.client.Want(reqCtx, inbox.SendToken, i)
		cancelFn()
		if err != nil {
			m.log.Warnf("error getting message %d: %v", i, err)
			return
		}
		if body == nil {
			m.log.Debugf("unable to get message %d", i)
		} else if err := m.deliver(inbox, body); err != nil {
			m.log.Warnf("dropping message %d: %v", i, err)
		}

		inbox.NextSeq = i + 1
		if err := m.db.Run("update inbox seq", func() error {
			return m.upsertInbox(inbox)
		}); err != nil {
			m.log.Warnf("error saving inbox seq: %v", err)
			return
		}
	}

	reqCtx, cancelFn := context.WithTimeout(m.ctx, m.requestTimeout())
	defer cancelFn()
	if err := inbox.client.Trim(reqCtx, inbox.SendToken, inbox.NextSeq); err != nil {
		m.log.Debugf("error while running TRIM %v", err)
	}
}

func (m *Manager) deliver(inbox *Inbox, body []byte) error {
	plaintext, err := crypto.OpenFrom([32]byte(inbox.PrivateKeyNacl), body)
	if err != nil {
		return fmt.Errorf("unable to open: %w", err)
	}
	env := &envelope.Envelope{}
	if err := envelope.Unmarshal(plaintext, env); err != nil {
		return fmt.Errorf("unable to decode: %w", err)
	}
	return m.processor(m.ctx, env)
}

func (m *Manager) upsertInbox(i *Inbox) error {
	if _, err := m.db.Tx.NamedExec("INSERT INTO _heya_inboxes (id, host, port, private_key_pkcs1, certificate, send_token, private_key_nacl, expires_at, next_seq) VALUES (:id, :host, :port, :private_key_pkcs1, :certificate, :send_token, :private_key_nacl, :expires_at, :next_seq) ON CONFLICT(id) DO UPDATE SET next_seq = :next_seq, expires_at = :expires_at", i); err != nil {
		return fmt.Errorf("heya: error upserting inbox: %w", err)
	}
	return nil
}

func (m *Manager) requestTimeout() time.Duration {
	return time.Duration(m.config.RequestTimeoutMs) * time.Millisecond
}

func (m *Manager) stateUpdater(host string, port int) func(int) {
	return func(state int) {
		var s string
		switch state {
		case heya_client.Closed:
			s = "closed"
		case heya_client.Closing:
			s = "closing"
		case heya_client.Open:
			s = "open"
		case heya_client.Reconnecting:
			s = "reconnecting"
		}
		select {
		case m.updates <- &StateUpdate{host, port, s}:
		default:
		}
	}
}
