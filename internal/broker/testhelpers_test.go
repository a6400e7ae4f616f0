package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// memHub is an in-memory stand-in for NATS shared by several transports.
type memHub struct {
	mu   sync.Mutex
	subs map[*memSub]struct{}
	echo bool
}

func newMemHub() *memHub {
	return &memHub{subs: make(map[*memSub]struct{})}
}

func (h *memHub) transport() *memTransport {
	return &memTransport{hub: h}
}

// drop kills every live subscription the way a lost connection would.
func (h *memHub) drop() {
	h.mu.Lock()
	subs := make([]*memSub, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
		delete(h.subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (h *memHub) live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type memTransport struct {
	hub            *memHub
	failPublish    atomic.Bool
	failSubscribes atomic.Int32
	published      atomic.Int32
}

func (t *memTransport) Publish(_ context.Context, subject string, data []byte) error {
	if t.failPublish.Load() {
		return errors.New("transport unavailable")
	}
	t.published.Add(1)

	t.hub.mu.Lock()
	var targets []*memSub
	for s := range t.hub.subs {
		if s.owner == t && !t.hub.echo {
			continue
		}
		if s.matches(subject) {
			targets = append(targets, s)
		}
	}
	t.hub.mu.Unlock()

	for _, s := range targets {
		s.handler(subject, data)
	}
	return nil
}

func (t *memTransport) Subscribe(pattern string, handler func(string, []byte)) (TransportSubscription, error) {
	if t.failSubscribes.Load() > 0 {
		t.failSubscribes.Add(-1)
		return nil, errors.New("subscribe refused")
	}
	s := &memSub{owner: t, pattern: pattern, handler: handler, done: make(chan struct{})}
	t.hub.mu.Lock()
	t.hub.subs[s] = struct{}{}
	t.hub.mu.Unlock()
	return s, nil
}

func (t *memTransport) Close() error { return nil }

type memSub struct {
	owner   *memTransport
	pattern string
	handler func(string, []byte)
	done    chan struct{}
	once    sync.Once
}

func (s *memSub) matches(subject string) bool {
	return strings.HasPrefix(subject, strings.TrimSuffix(s.pattern, ">"))
}

func (s *memSub) close() { s.once.Do(func() { close(s.done) }) }

func (s *memSub) Done() <-chan struct{} { return s.done }

func (s *memSub) Unsubscribe() error {
	s.owner.hub.mu.Lock()
	delete(s.owner.hub.subs, s)
	s.owner.hub.mu.Unlock()
	s.close()
	return nil
}

// recorder collects deliveries.
type recorder struct {
	mu   sync.Mutex
	keys []Key
	msgs []string
}

func (r *recorder) callback(_ context.Context, key Key, msg json.RawMessage) error {
	r.record(key, msg)
	return nil
}

func (r *recorder) deliver(_ context.Context, key Key, msg json.RawMessage) {
	r.record(key, msg)
}

func (r *recorder) record(key Key, msg json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.msgs = append(r.msgs, string(msg))
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) received() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Key(nil), r.keys...)
}

// runBus starts the listener and waits until it is subscribed.
func runBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, b.Listening, time.Second, 5*time.Millisecond)
}
