// Package relaytest runs an in-memory relay for tests.
package relaytest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"
	"github.com/meow-io/go-hush/envelope"
	"github.com/meow-io/go-hush/identity"
)

type Relay struct {
	server *httptest.Server

	lock      sync.Mutex
	keys      map[string]*identity.PublicKeys
	known     map[[32]byte]bool
	queues    map[string][]*envelope.Envelope
	posted    []*envelope.OutgoingMessage
	down      bool
	onDeliver func(user string, env *envelope.Envelope)
}

func New() *Relay {
	r := &Relay{
		keys:   make(map[string]*identity.PublicKeys),
		known:  make(map[[32]byte]bool),
		queues: make(map[string][]*envelope.Envelope),
	}
	router := mux.NewRouter()
	router.Use(r.availability)
	router.HandleFunc("/keys/{user}", r.getKeys).Methods(http.MethodGet)
	router.HandleFunc("/keys/{user}", r.putKeys).Methods(http.MethodPut)
	router.HandleFunc("/messages", r.postMessage).Methods(http.MethodPost)
	router.HandleFunc("/messages/{user}", r.fetchMessages).Methods(http.MethodGet)
	r.server = httptest.NewServer(router)
	return r
}

func (r *Relay) URL() string {
	return r.server.URL
}

func (r *Relay) Close() {
	r.server.Close()
}

// SetDown makes every request fail with 503.
func (r *Relay) SetDown(down bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.down = down
}

// OnDeliver registers a hook called for every envelope queued, in place of a push notification.
func (r *Relay) OnDeliver(f func(user string, env *envelope.Envelope)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.onDeliver = f
}

func (r *Relay) Posted() []*envelope.OutgoingMessage {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*envelope.OutgoingMessage(nil), r.posted...)
}

func (r *Relay) Queued(user string) []*envelope.Envelope {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*envelope.Envelope(nil), r.queues[user]...)
}

// Enqueue puts an envelope in a user's queue as if it had been posted.
func (r *Relay) Enqueue(user string, env *envelope.Envelope) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.queues[user] = append(r.queues[user], env)
}

func (r *Relay) OneTimePrekeyCount(user string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if pk, ok := r.keys[user]; ok {
		return len(pk.OneTimePrekeys)
	}
	return 0
}

func (r *Relay) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.lock.Lock()
		down := r.down
		r.lock.Unlock()
		if down {
			http.Error(w, "relay down", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Relay) getKeys(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]
	r.lock.Lock()
	pk, ok := r.keys[user]
	var b *identity.Bundle
	if ok {
		b = pk.Pop()
	}
	r.lock.Unlock()
	if !ok {
		http.Error(w, "no keys for "+user, http.StatusNotFound)
		return
	}
	write(w, b)
}

// putKeys replaces the identity and signed prekey and adds one-time prekeys the relay has never seen.
func (r *Relay) putKeys(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]
	pk := &identity.PublicKeys{}
	if !read(w, req, pk) {
		return
	}
	if pk.UserID != user {
		http.Error(w, "user mismatch", http.StatusForbidden)
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	var offered [][32]byte
	if existing, ok := r.keys[user]; ok {
		offered = existing.OneTimePrekeys
	}
	seen := make(map[[32]byte]bool, len(offered))
	for _, k := range offered {
		seen[k] = true
	}
	for _, k := range pk.OneTimePrekeys {
		if !seen[k] && !r.known[k] {
			offered = append(offered, k)
			seen[k] = true
		}
	}
	for _, k := range offered {
		r.known[k] = true
	}
	pk.OneTimePrekeys = offered
	r.keys[user] = pk
	w.WriteHeader(http.StatusNoContent)
}

func (r *Relay) postMessage(w http.ResponseWriter, req *http.Request) {
	m := &envelope.OutgoingMessage{}
	if !read(w, req, m) {
		return
	}
	if err := m.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	type delivery struct {
		user string
		env  *envelope.Envelope
	}
	deliveries := make([]delivery, 0, len(m.Recipients))
	for _, rcpt := range m.Recipients {
		if rcpt.Certificate == nil {
			http.Error(w, "recipient without certificate", http.StatusBadRequest)
			return
		}
		env, err := m.EnvelopeFor(rcpt)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		deliveries = append(deliveries, delivery{rcpt.Certificate.UserID, env})
	}

	r.lock.Lock()
	r.posted = append(r.posted, m)
	hook := r.onDeliver
	if hook == nil {
		for _, d := range deliveries {
			r.queues[d.user] = append(r.queues[d.user], d.env)
		}
	}
	r.lock.Unlock()
	if hook != nil {
		for _, d := range deliveries {
			hook(d.user, d.env)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Relay) fetchMessages(w http.ResponseWriter, req *http.Request) {
	user := mux.Vars(req)["user"]
	r.lock.Lock()
	envs := r.queues[user]
	delete(r.queues, user)
	r.lock.Unlock()
	if envs == nil {
		envs = []*envelope.Envelope{}
	}
	write(w, envs)
}

func read(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	b, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := envelope.Unmarshal(b, v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func write(w http.ResponseWriter, v interface{}) {
	b, err := envelope.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(b)
}
