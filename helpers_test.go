package switchboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/switchboard/internal/broker"
	json "github.com/goccy/go-json"
)

// hub connects the transports of several in-process switchboards.
type hub struct {
	mu   sync.Mutex
	subs []*hubSub
}

func (h *hub) transport() *hubTransport { return &hubTransport{hub: h} }

type hubTransport struct {
	hub  *hub
	fail atomic.Bool
}

func (t *hubTransport) Publish(_ context.Context, subject string, data []byte) error {
	if t.fail.Load() {
		return errors.New("transport unavailable")
	}
	t.hub.mu.Lock()
	subs := append([]*hubSub(nil), t.hub.subs...)
	t.hub.mu.Unlock()
	for _, s := range subs {
		if strings.HasPrefix(subject, s.prefix) {
			s.handler(subject, data)
		}
	}
	return nil
}

func (t *hubTransport) Subscribe(pattern string, handler func(string, []byte)) (broker.TransportSubscription, error) {
	s := &hubSub{hub: t.hub, prefix: strings.TrimSuffix(pattern, ">"), handler: handler, done: make(chan struct{})}
	t.hub.mu.Lock()
	t.hub.subs = append(t.hub.subs, s)
	t.hub.mu.Unlock()
	return s, nil
}

func (t *hubTransport) Close() error { return nil }

type hubSub struct {
	hub     *hub
	prefix  string
	handler func(string, []byte)
	done    chan struct{}
	once    sync.Once
}

func (s *hubSub) Done() <-chan struct{} { return s.done }

func (s *hubSub) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for i, sub := range s.hub.subs {
		if sub == s {
			s.hub.subs = append(s.hub.subs[:i], s.hub.subs[i+1:]...)
			break
		}
	}
	return nil
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) callback(_ context.Context, _ broker.Key, msg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, string(msg))
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func (r *recorder) count() int { return len(r.messages()) }

type fakeConn struct {
	id  string
	mu  sync.Mutex
	got []string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, string(msg))
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
