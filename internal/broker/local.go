package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/switchboard/pkg/slogx"
	json "github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrCallbackRequired is returned when subscribing without a callback.
var ErrCallbackRequired = errors.New("callback is required")

// Subscription is the token returned by Fanout.Subscribe. It identifies
// exactly one subscriber entry, subscribing the same callback twice yields
// two independent tokens.
type Subscription struct {
	id  uint64
	key Key
}

func (s Subscription) ID() uint64 { return s.id }
func (s Subscription) Key() Key   { return s.key }

// Fanout is the in-process subscriber registry.
type Fanout struct {
	topics *haxmap.Map[string, *topic]
	nextID atomic.Uint64
	logger *slog.Logger
}

// topic holds the subscribers of one key in subscription order. A topic
// whose last subscriber left is dead and already removed from the index.
type topic struct {
	mu   sync.RWMutex
	subs *orderedmap.OrderedMap[uint64, Callback]
	dead bool
}

// NewFanout creates an empty Fanout.
func NewFanout() *Fanout {
	return &Fanout{
		topics: haxmap.New[string, *topic](),
		logger: slogx.Component("fanout"),
	}
}

// Subscribe registers cb for key and returns the token to unsubscribe it.
func (f *Fanout) Subscribe(key Key, cb Callback) (Subscription, error) {
	if cb == nil {
		return Subscription{}, ErrCallbackRequired
	}
	if err := key.Validate(); err != nil {
		return Subscription{}, err
	}

	sub := Subscription{id: f.nextID.Add(1), key: key}
	for {
		t, _ := f.topics.GetOrCompute(key.String(), func() *topic {
			return &topic{subs: orderedmap.New[uint64, Callback]()}
		})
		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		t.subs.Set(sub.id, cb)
		t.mu.Unlock()
		return sub, nil
	}
}

// Unsubscribe removes the subscriber identified by sub. It reports whether
// the token was still registered.
func (f *Fanout) Unsubscribe(sub Subscription) bool {
	t, ok := f.topics.Get(sub.key.String())
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, present := t.subs.Delete(sub.id)
	if present && t.subs.Len() == 0 {
		t.dead = true
		f.topics.Del(sub.key.String())
	}
	return present
}

// Keys returns how many keys currently have subscribers.
func (f *Fanout) Keys() int { return int(f.topics.Len()) }

// Subscribers returns the number of subscribers currently registered for key.
func (f *Fanout) Subscribers(key Key) int {
	t, ok := f.topics.Get(key.String())
	if !ok {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subs.Len()
}

// Publish delivers msg to every subscriber of key registered when the call
// starts, in subscription order, and returns how many callbacks succeeded.
func (f *Fanout) Publish(ctx context.Context, key Key, msg json.RawMessage) int {
	t, ok := f.topics.Get(key.String())
	if !ok {
		return 0
	}

	var delivered int
	for _, cb := range t.snapshot() {
		if err := invoke(ctx, cb, key, msg); err != nil {
			f.logger.Error("subscriber callback failed", slog.String("key", key.String()), slogx.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (t *topic) snapshot() []Callback {
	t.mu.RLock()
	defer t.mu.RUnlock()
	callbacks := make([]Callback, 0, t.subs.Len())
	for pair := t.subs.Oldest(); pair != nil; pair = pair.Next() {
		callbacks = append(callbacks, pair.Value)
	}
	return callbacks
}

func invoke(ctx context.Context, cb Callback, key Key, msg json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return cb(ctx, key, msg)
}
