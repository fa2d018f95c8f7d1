// Package hush is the entry point for sending and receiving forward-secret messages. A Client owns the
// encrypted database, the local keys, the conversations with every peer and the paths envelopes travel on.
package hush

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/meow-io/go-hush/backend"
	"github.com/meow-io/go-hush/clock"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/conversation"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/identity"
	"github.com/meow-io/go-hush/internal/db"
	"github.com/meow-io/go-hush/mailbox"
	"github.com/meow-io/go-hush/postoffice"
	"github.com/meow-io/go-hush/transport/heya"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

var (
	ErrNotRunning   = errors.New("hush: client is not running")
	ErrReservedType = errors.New("hush: payload type is reserved")
	ErrNoHeya       = errors.New("hush: no heya server configured")
)

// An event indicating a change in the connection to a heya server.
type TransportStateUpdate struct {
	Host  string
	Port  int
	State string
}

type Client struct {
	DB *db.Database

	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	registry prometheus.Registerer
	state    int

	identities    *identity.Store
	backend       *backend.Client
	conversations *conversation.Manager
	postoffice    *postoffice.Dispatcher
	mailbox       *mailbox.Mailbox
	heya          *heya.Manager

	updates            chan interface{}
	transportStates    map[string]string
	transportStateLock sync.Mutex
	cancelFunc         context.CancelFunc
	finished           sync.WaitGroup
}

// New makes a client rooted at the config's root directory. Metrics are registered on reg, which may be nil.
func New(c *config.Config, reg prometheus.Registerer) (*Client, error) {
	return newClient(c, clock.NewSystemClock(), reg)
}

func newClient(c *config.Config, cl clock.Clock, reg prometheus.Registerer) (*Client, error) {
	if c.UserID == "" {
		return nil, errors.New("hush: a user id is required")
	}
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, cl, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &Client{
		DB:              d,
		config:          c,
		log:             log,
		clock:           cl,
		registry:        reg,
		state:           state,
		updates:         make(chan interface{}, 100),
		transportStates: make(map[string]string),
	}, nil
}

func (h *Client) New() bool {
	return h.state == StateNew
}

func (h *Client) Initialized() bool {
	return h.state == StateInitialized
}

func (h *Client) Running() bool {
	return h.state == StateRunning
}

// Updates produces *TransportStateUpdate events.
func (h *Client) Updates() <-chan interface{} {
	return h.updates
}

func (h *Client) TransportStates() map[string]string {
	h.transportStateLock.Lock()
	defer h.transportStateLock.Unlock()
	return maps.Clone(h.transportStates)
}

// Open unlocks the database with a key derived from password, creating it on first use, and starts every
// subsystem.
func (h *Client) Open(password string) error {
	key, err := newKey(password, h.config.RootDir, "salt")
	if err != nil {
		return err
	}
	if h.state == StateNew {
		if err := h.DB.Initialize(key); err != nil {
			return err
		}
		h.state = StateInitialized
	}
	if h.state != StateInitialized {
		return errors.New("hush: cannot open unless in state initialized")
	}
	if err := h.DB.Open(key); err != nil {
		return err
	}
	if err := h.startSubsystems(); err != nil {
		_ = h.DB.Shutdown()
		return err
	}
	h.state = StateRunning
	return nil
}

func (h *Client) startSubsystems() error {
	var err error
	if h.identities, err = identity.NewStore(h.config, h.DB, h.clock); err != nil {
		return err
	}
	h.backend = backend.NewClient(h.config, h.config.BackendURL, h.config.UserID)
	resets := mailbox.NewResetSender(h.config, h.clock, h.backend)
	if h.conversations, err = conversation.NewManager(h.config, h.DB, h.clock, h.identities, h.backend, resets); err != nil {
		return err
	}
	if h.postoffice, err = postoffice.NewDispatcher(h.config, h.DB, h.clock, h.backend, h.registry); err != nil {
		return err
	}
	h.postoffice.RegisterDecodingStrategy(envelope.PayloadTypeEncrypted, h.conversations.DecodeEncrypted)
	h.postoffice.RegisterDecodingStrategy(envelope.PayloadTypeReset, h.conversations.DecodeReset)
	h.mailbox = mailbox.New(h.config, h.clock, h.conversations, h.backend)

	if h.config.HeyaHost != "" {
		if h.heya, err = heya.NewManager(h.config, h.DB, func(ctx context.Context, env *envelope.Envelope) error {
			_, err := h.postoffice.Receive(ctx, env)
			return err
		}); err != nil {
			return err
		}
	}

	if err := h.conversations.Start(); err != nil {
		return err
	}
	if err := h.postoffice.Start(); err != nil {
		return err
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	h.cancelFunc = cancelFunc
	if h.heya != nil {
		if err := h.heya.Start(); err != nil {
			return err
		}
		h.startUpdatePassing(ctx)
	}
	return nil
}

// Register creates this device's identity and keys if there are none yet and publishes them.
func (h *Client) Register(ctx context.Context) error {
	if err := h.requireRunning(); err != nil {
		return err
	}
	if _, err := h.identities.LoadIdentity(); err == nil {
		return h.PublishKeys(ctx)
	} else if !errors.Is(err, identity.ErrNotFound) {
		return err
	}

	i, err := identity.NewIdentity()
	if err != nil {
		return err
	}
	spk, sig, err := i.NewSignedPrekey()
	if err != nil {
		return err
	}
	if err := h.identities.SaveIdentity(i); err != nil {
		return err
	}
	if err := h.identities.SavePrekey(spk, sig); err != nil {
		return err
	}
	h.log.Infof("created identity %s", i.Fingerprint())
	if _, err := h.fillOneTimePrekeys(); err != nil {
		return err
	}
	return h.PublishKeys(ctx)
}

// RotatePrekey replaces the signed prekey. Invitations made against the old one fail and resync.
func (h *Client) RotatePrekey(ctx context.Context) error {
	if err := h.requireRunning(); err != nil {
		return err
	}
	i, err := h.identities.LoadIdentity()
	if err != nil {
		return err
	}
	spk, sig, err := i.NewSignedPrekey()
	if err != nil {
		return err
	}
	if err := h.identities.SavePrekey(spk, sig); err != nil {
		return err
	}
	return h.PublishKeys(ctx)
}

// RefillOneTimePrekeys tops the one-time prekey pool up to its limit and publishes the result. It returns the
// number of keys added.
func (h *Client) RefillOneTimePrekeys(ctx context.Context) (int, error) {
	if err := h.requireRunning(); err != nil {
		return 0, err
	}
	added, err := h.fillOneTimePrekeys()
	if err != nil || added == 0 {
		return added, err
	}
	return added, h.PublishKeys(ctx)
}

func (h *Client) fillOneTimePrekeys() (int, error) {
	count, err := h.identities.OneTimePrekeyCount()
	if err != nil {
		return 0, err
	}
	added := 0
	for count+added < h.config.MaxOneTimePrekeys {
		n := min(h.config.OneTimePrekeyBatch, h.config.MaxOneTimePrekeys-count-added)
		if n <= 0 {
			break
		}
		batch, err := identity.NewOneTimePrekeys(n)
		if err != nil {
			return added, err
		}
		if _, err := h.identities.SaveOneTimePrekeys(batch); err != nil {
			return added, err
		}
		added += n
	}
	return added, nil
}

func (h *Client) PublishKeys(ctx context.Context) error {
	if err := h.requireRunning(); err != nil {
		return err
	}
	keys, err := h.identities.PublicKeys(h.config.UserID)
	if err != nil {
		return err
	}
	return h.backend.PublishKeys(ctx, keys)
}

func (h *Client) Fingerprint() (string, error) {
	if err := h.requireRunning(); err != nil {
		return "", err
	}
	i, err := h.identities.LoadIdentity()
	if err != nil {
		return "", err
	}
	return i.Fingerprint(), nil
}

func (h *Client) OneTimePrekeyCount() (int, error) {
	if err := h.requireRunning(); err != nil {
		return 0, err
	}
	return h.identities.OneTimePrekeyCount()
}

func (h *Client) Certificate() *envelope.Certificate {
	return &envelope.Certificate{UserID: h.config.UserID}
}

// Send encrypts a payload of type t for every user in to. Envelopes with the same non-empty collapseID
// replace each other.
func (h *Client) Send(ctx context.Context, t envelope.PayloadType, data []byte, to []string, priority envelope.Priority, collapseID string) (*mailbox.Report, error) {
	if err := h.requireRunning(); err != nil {
		return nil, err
	}
	if t == envelope.PayloadTypeEncrypted || t == envelope.PayloadTypeReset || t == "" {
		return nil, fmt.Errorf("%w: %q", ErrReservedType, t)
	}
	certs := make([]*envelope.Certificate, 0, len(to))
	for _, peer := range to {
		certs = append(certs, &envelope.Certificate{UserID: peer})
	}
	return h.mailbox.Send(ctx, &envelope.PayloadContainer{Type: t, Data: data}, certs, h.Certificate(), priority, collapseID)
}

// ResetConversation starts over with peer and tells them to drop traffic from the old conversation.
func (h *Client) ResetConversation(ctx context.Context, peer, collapseID string) error {
	if err := h.requireRunning(); err != nil {
		return err
	}
	if err := h.conversations.InitConversation(ctx, peer, collapseID != ""); err != nil {
		return err
	}
	report, err := h.mailbox.Send(ctx, nil, []*envelope.Certificate{{UserID: peer}}, h.Certificate(), envelope.PriorityHigh, collapseID)
	if err != nil {
		return err
	}
	return report.Failed[peer]
}

// Handle registers the handler for decrypted payloads of type t.
func (h *Client) Handle(t envelope.PayloadType, handler postoffice.Handler) error {
	if err := h.requireRunning(); err != nil {
		return err
	}
	h.postoffice.RegisterHandler(t, handler)
	return nil
}

// Receive processes an envelope that arrived outside of Fetch.
func (h *Client) Receive(ctx context.Context, env *envelope.Envelope) (postoffice.Result, error) {
	if err := h.requireRunning(); err != nil {
		return postoffice.Failed, err
	}
	return h.postoffice.Receive(ctx, env)
}

// Fetch pulls queued envelopes from the relay and processes them.
func (h *Client) Fetch(ctx context.Context) (*postoffice.FetchReport, error) {
	if err := h.requireRunning(); err != nil {
		return nil, err
	}
	return h.postoffice.FetchMessages(ctx)
}

// CreateInbox makes an inbox on the configured heya server and returns its URL.
func (h *Client) CreateInbox(ctx context.Context, authToken string) (string, error) {
	if err := h.requireRunning(); err != nil {
		return "", err
	}
	if h.heya == nil {
		return "", ErrNoHeya
	}
	inbox, err := h.heya.CreateInbox(ctx, authToken, h.config.HeyaHost, h.config.HeyaPort)
	if err != nil {
		return "", err
	}
	return inbox.URL(), nil
}

// WaitForPending blocks until background resets are sent and heya inboxes have caught up.
func (h *Client) WaitForPending() {
	if h.state != StateRunning {
		return
	}
	h.conversations.WaitForPending()
	if h.heya != nil {
		h.heya.WaitForPending()
	}
}

// Shutdown stops every subsystem and closes the database.
func (h *Client) Shutdown() error {
	if h.state != StateRunning {
		return nil
	}

	errs := make([]string, 0)
	h.cancelFunc()
	h.finished.Wait()

	if h.heya != nil {
		if err := h.heya.Shutdown(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := h.postoffice.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := h.conversations.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := h.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	h.cancelFunc = nil
	h.heya = nil
	h.postoffice = nil
	h.conversations = nil
	h.mailbox = nil
	h.state = StateInitialized

	close(h.updates)
	h.updates = make(chan interface{}, 100)
	return nil
}

func (h *Client) requireRunning() error {
	if h.state != StateRunning {
		return fmt.Errorf("%w: state is %d", ErrNotRunning, h.state)
	}
	return nil
}

func (h *Client) startUpdatePassing(ctx context.Context) {
	h.finished.Add(1)
	go func() {
		defer h.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-h.heya.Updates():
				h.transportStateLock.Lock()
				h.transportStates[fmt.Sprintf("%s:%d", u.Host, u.Port)] = u.State
				h.transportStateLock.Unlock()
				select {
				case h.updates <- &TransportStateUpdate{Host: u.Host, Port: u.Port, State: u.State}:
				default:
					h.log.Debugf("dropping transport update for %s:%d", u.Host, u.Port)
				}
			}
		}
	}()
}
