// Package postoffice accepts envelopes from every delivery path, drops the ones it has already seen, decodes
// their payloads and hands them to the handler registered for the payload type.
package postoffice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-hush/clock"
	"github.com/meow-io/go-hush/config"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/internal/db"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const maxDecodeDepth = 4

var (
	ErrNoHandler     = errors.New("postoffice: no handler registered")
	ErrNoFetcher     = errors.New("postoffice: no fetcher configured")
	ErrDecodeDepth   = errors.New("postoffice: payload nested too deeply")
	ErrShuttingDown  = errors.New("postoffice: dispatcher is shutting down")
	ErrEmptyEnvelope = errors.New("postoffice: envelope has no payload")
)

type Result int

const (
	Delivered Result = iota
	Duplicate
	Failed
	TimedOut
	NoData
	// Superseded envelopes were replaced by a later one with the same collapse id in a fetched batch.
	Superseded
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case NoData:
		return "no_data"
	case Superseded:
		return "superseded"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Handler consumes a decoded payload. Its context is not cancelled when the dispatcher stops waiting for it.
type Handler func(ctx context.Context, b *envelope.Bundle) error

// DecodingStrategy turns a payload into another one, typically by decrypting it. Returning a nil bundle and
// a nil error means there is nothing to deliver.
type DecodingStrategy func(ctx context.Context, b *envelope.Bundle) (*envelope.Bundle, error)

type Interceptor func(b *envelope.Bundle)

// Fetcher pulls envelopes waiting on the relay.
type Fetcher interface {
	FetchMessages(ctx context.Context) ([]*envelope.Envelope, error)
}

type FetchReport struct {
	Delivered  int
	Duplicates int
	Failed     int
	TimedOut   int
	NoData     int
	Superseded int
	Errors     []error
}

func (fr *FetchReport) add(r Result, err error) {
	switch r {
	case Delivered:
		fr.Delivered++
	case Duplicate:
		fr.Duplicates++
	case Failed:
		fr.Failed++
	case TimedOut:
		fr.TimedOut++
	case NoData:
		fr.NoData++
	case Superseded:
		fr.Superseded++
	}
	if err != nil {
		fr.Errors = append(fr.Errors, err)
	}
}

type pendingHandler struct {
	done chan error
}

type outcome struct {
	result  Result
	err     error
	pending *pendingHandler
}

type job struct {
	ctx      context.Context
	envs     []*envelope.Envelope
	batch    bool
	outcomes chan []*outcome
}

type Dispatcher struct {
	log     *zap.SugaredLogger
	config  *config.Config
	db      *database
	clock   clock.Clock
	fetcher Fetcher
	metrics *metrics

	handlersLock    sync.RWMutex
	handlers        map[envelope.PayloadType]Handler
	strategiesLock  sync.RWMutex
	strategies      map[envelope.PayloadType]DecodingStrategy
	interceptorLock sync.RWMutex
	interceptor     Interceptor

	jobs          chan *job
	lastCleanupMs int64
	running       sync.WaitGroup
	ctx           context.Context
	cancelFunc    context.CancelFunc
	finished      sync.WaitGroup
}

func NewDispatcher(c *config.Config, d *db.Database, cl clock.Clock, fetcher Fetcher, reg prometheus.Registerer) (*Dispatcher, error) {
	pd, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("postoffice: error making dispatcher %w", err)
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("postoffice: error registering metrics %w", err)
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	return &Dispatcher{
		log:        c.Logger("postoffice"),
		config:     c,
		db:         pd,
		clock:      cl,
		fetcher:    fetcher,
		metrics:    m,
		handlers:   make(map[envelope.PayloadType]Handler),
		strategies: make(map[envelope.PayloadType]DecodingStrategy),
		jobs:       make(chan *job),
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}, nil
}

// Start runs the worker which processes every receive and fetch in submission order.
func (d *Dispatcher) Start() error {
	d.finished.Add(1)
	go func() {
		defer d.finished.Done()
		for {
			select {
			case <-d.ctx.Done():
				return
			case j := <-d.jobs:
				j.outcomes <- d.process(j)
			}
		}
	}()
	return nil
}

// Shutdown stops the worker and waits for running handlers, whose contexts are cancelled.
func (d *Dispatcher) Shutdown() error {
	d.cancelFunc()
	d.finished.Wait()
	d.running.Wait()
	return nil
}

func (d *Dispatcher) RegisterHandler(t envelope.PayloadType, h Handler) {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()
	d.handlers[t] = h
}

func (d *Dispatcher) UnregisterHandler(t envelope.PayloadType) {
	d.handlersLock.Lock()
	defer d.handlersLock.Unlock()
	delete(d.handlers, t)
}

func (d *Dispatcher) RegisterDecodingStrategy(t envelope.PayloadType, s DecodingStrategy) {
	d.strategiesLock.Lock()
	defer d.strategiesLock.Unlock()
	d.strategies[t] = s
}

func (d *Dispatcher) UnregisterDecodingStrategy(t envelope.PayloadType) {
	d.strategiesLock.Lock()
	defer d.strategiesLock.Unlock()
	delete(d.strategies, t)
}

// SetDecodingSuccessInterceptor installs a hook called once for each successfully decoded envelope. Nil removes it.
func (d *Dispatcher) SetDecodingSuccessInterceptor(i Interceptor) {
	d.interceptorLock.Lock()
	defer d.interceptorLock.Unlock()
	d.interceptor = i
}

func (d *Dispatcher) Receive(ctx context.Context, env *envelope.Envelope) (Result, error) {
	return d.ReceiveWithTimeout(ctx, env, time.Duration(d.config.HandlerTimeoutMs)*time.Millisecond)
}

// ReceiveWithTimeout processes one envelope and waits at most timeout for its handler. The error is non-nil
// only for Failed.
func (d *Dispatcher) ReceiveWithTimeout(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (Result, error) {
	outcomes, err := d.submit(ctx, []*envelope.Envelope{env}, false)
	if err != nil {
		return Failed, err
	}
	return d.await(outcomes[0], time.Now().Add(timeout))
}

// FetchMessages pulls waiting envelopes and processes them as one batch. Of envelopes sharing a sender and
// collapse id only the latest is delivered.
func (d *Dispatcher) FetchMessages(ctx context.Context) (*FetchReport, error) {
	if d.fetcher == nil {
		return nil, ErrNoFetcher
	}
	envs, err := d.fetcher.FetchMessages(ctx)
	if err != nil {
		return nil, err
	}
	report := &FetchReport{}
	if len(envs) == 0 {
		return report, nil
	}
	outcomes, err := d.submit(ctx, envs, true)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(time.Duration(d.config.HandlerTimeoutMs) * time.Millisecond)
	for _, o := range outcomes {
		report.add(d.await(o, deadline))
	}
	return report, nil
}

func (d *Dispatcher) submit(ctx context.Context, envs []*envelope.Envelope, batch bool) ([]*outcome, error) {
	j := &job{ctx: ctx, envs: envs, batch: batch, outcomes: make(chan []*outcome, 1)}
	select {
	case d.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, ErrShuttingDown
	}
	select {
	case o := <-j.outcomes:
		return o, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, ErrShuttingDown
	}
}

func (d *Dispatcher) await(o *outcome, deadline time.Time) (Result, error) {
	if o.pending == nil {
		return o.result, o.err
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case err := <-o.pending.done:
		if err != nil {
			d.metrics.count(Failed)
			return Failed, err
		}
		d.metrics.count(Delivered)
		return Delivered, nil
	case <-timer.C:
		d.metrics.count(TimedOut)
		d.log.Warnf("handler did not finish before deadline")
		return TimedOut, nil
	}
}

// process runs on the worker.
func (d *Dispatcher) process(j *job) []*outcome {
	d.cleanup()

	if !j.batch {
		o := &outcome{}
		b, ok := d.unpack(j.ctx, j.envs[0], o)
		if ok {
			d.dispatch(b, o)
		}
		return []*outcome{o}
	}

	outcomes := make([]*outcome, 0, len(j.envs))
	collapsed := make(map[string]*envelope.Bundle)
	collapsedOutcomes := make(map[string]*outcome)
	var collapseOrder []string
	for _, env := range j.envs {
		o := &outcome{}
		outcomes = append(outcomes, o)
		b, ok := d.unpack(j.ctx, env, o)
		if !ok {
			continue
		}
		if !b.Meta.Collapsing() {
			d.dispatch(b, o)
			continue
		}
		key := b.Meta.SenderID + "\x00" + b.Meta.CollapseID
		if prev, exists := collapsed[key]; exists {
			if !b.Meta.Timestamp.After(prev.Meta.Timestamp) {
				o.result = Superseded
				d.metrics.count(Superseded)
				continue
			}
			collapsedOutcomes[key].result = Superseded
			d.metrics.count(Superseded)
		} else {
			collapseOrder = append(collapseOrder, key)
		}
		collapsed[key] = b
		collapsedOutcomes[key] = o
	}
	for _, key := range collapseOrder {
		d.dispatch(collapsed[key], collapsedOutcomes[key])
	}
	return outcomes
}

// unpack caches and decodes one envelope. It returns false when there is nothing to dispatch, in which case
// the outcome is final.
func (d *Dispatcher) unpack(ctx context.Context, env *envelope.Envelope, o *outcome) (*envelope.Bundle, bool) {
	fresh := false
	if err := d.db.Run("cache envelope", func() error {
		var err error
		if fresh, err = d.db.markSeen(env.ID, env.SenderID, d.clock.CurrentTimeMs()); err != nil || !fresh {
			return err
		}
		return d.db.setState(env.ID, env.SenderID, stateHandling)
	}); err != nil {
		d.finish(o, Failed, err)
		return nil, false
	}
	if !fresh {
		d.log.Debugf("dropping duplicate envelope %s from %s", env.ID, env.SenderID)
		d.finish(o, Duplicate, nil)
		return nil, false
	}

	b, decodeErr := d.decode(ctx, env)
	if err := d.db.Run("envelope handled", func() error {
		return d.db.setState(env.ID, env.SenderID, stateHandled)
	}); err != nil {
		d.log.Warnf("error marking envelope %s handled: %v", env.ID, err)
	}
	if decodeErr != nil {
		d.log.Infof("error decoding envelope %s from %s: %v", env.ID, env.SenderID, decodeErr)
		d.finish(o, Failed, decodeErr)
		return nil, false
	}
	if b == nil {
		d.finish(o, NoData, nil)
		return nil, false
	}

	d.interceptorLock.RLock()
	interceptor := d.interceptor
	d.interceptorLock.RUnlock()
	if interceptor != nil {
		interceptor(b)
	}
	return b, true
}

func (d *Dispatcher) decode(ctx context.Context, env *envelope.Envelope) (*envelope.Bundle, error) {
	if env.Payload == nil {
		return nil, ErrEmptyEnvelope
	}
	b := env.Bundle()
	for depth := 0; ; depth++ {
		d.strategiesLock.RLock()
		strategy, ok := d.strategies[b.Container.Type]
		d.strategiesLock.RUnlock()
		if !ok {
			return b, nil
		}
		if depth == maxDecodeDepth {
			return nil, ErrDecodeDepth
		}
		next, err := strategy(ctx, b)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		if next.Container == nil {
			return nil, ErrEmptyEnvelope
		}
		b = next
	}
}

func (d *Dispatcher) dispatch(b *envelope.Bundle, o *outcome) {
	d.handlersLock.RLock()
	h, ok := d.handlers[b.Container.Type]
	d.handlersLock.RUnlock()
	if !ok {
		d.finish(o, Failed, fmt.Errorf("%w for %s", ErrNoHandler, b.Container.Type))
		return
	}

	p := &pendingHandler{done: make(chan error, 1)}
	o.pending = p
	start := time.Now()
	d.running.Add(1)
	go func() {
		defer d.running.Done()
		err := h(d.ctx, b)
		d.metrics.handlerSeconds.Observe(time.Since(start).Seconds())
		p.done <- err
	}()
}

func (d *Dispatcher) finish(o *outcome, r Result, err error) {
	o.result = r
	o.err = err
	d.metrics.count(r)
}

// cleanup ages out cache records, at most once per half retention window.
func (d *Dispatcher) cleanup() {
	now := d.clock.CurrentTimeMs()
	if now-d.lastCleanupMs < d.config.EnvelopeRetentionMs/2 {
		return
	}
	d.lastCleanupMs = now
	var deleted int64
	if err := d.db.Run("clean envelope cache", func() error {
		var err error
		deleted, err = d.db.deleteOlderThan(now - d.config.EnvelopeRetentionMs)
		return err
	}); err != nil {
		d.log.Warnf("error cleaning envelope cache: %v", err)
		return
	}
	if deleted != 0 {
		d.log.Debugf("removed %d cached envelopes", deleted)
	}
}
