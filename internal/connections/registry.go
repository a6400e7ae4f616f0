// Package connections tracks live client connections per channel.
//
// Every channel has a broadcast set and an addressable map from user id to
// the one connection that receives direct sends for that user. Both are
// guarded by a single mutex so readers never see one updated without the
// other. Sends happen outside the lock with a bounded timeout; connections
// whose send fails are pruned after the loop.
package connections

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/switchboard/pkg/slogx"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultSendTimeout bounds a single send when the caller's context has no
// earlier deadline.
const DefaultSendTimeout = 5 * time.Second

// NoUser marks a connection that joins the broadcast set only.
const NoUser int64 = 0

// Conn is a duplex transport handle owned by the registry.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
	Close() error
}

type channel struct {
	members *orderedmap.OrderedMap[string, Conn]
	users   map[int64]Conn
}

func (c *channel) dropUser(conn Conn) {
	for user, addressed := range c.users {
		if addressed.ID() == conn.ID() {
			delete(c.users, user)
		}
	}
}

func (c *channel) empty() bool {
	return c.members.Len() == 0 && len(c.users) == 0
}

// Registry is the connection fan-out for channels.
type Registry struct {
	mu          sync.Mutex
	channels    map[int64]*channel
	sendTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Registry. A non-positive sendTimeout uses DefaultSendTimeout.
func New(sendTimeout time.Duration) *Registry {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Registry{
		channels:    make(map[int64]*channel),
		sendTimeout: sendTimeout,
		logger:      slogx.Component("connections"),
	}
}

// Subscribe adds conn to the channel's broadcast set and, when userID is not
// NoUser, makes it the addressable connection for that user, replacing any
// previous one.
func (r *Registry) Subscribe(channelID int64, conn Conn, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		ch = &channel{
			members: orderedmap.New[string, Conn](),
			users:   make(map[int64]Conn),
		}
		r.channels[channelID] = ch
	}
	ch.members.Set(conn.ID(), conn)
	if userID != NoUser {
		ch.users[userID] = conn
	}
}

// Unsubscribe removes conn from the channel, including any user entry that
// points at it.
func (r *Registry) Unsubscribe(channelID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(channelID, conn)
}

// Disconnect removes conn from every channel it joined.
func (r *Registry) Disconnect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.channels {
		r.removeLocked(id, conn)
	}
}

func (r *Registry) removeLocked(channelID int64, conn Conn) {
	ch, ok := r.channels[channelID]
	if !ok {
		return
	}
	ch.members.Delete(conn.ID())
	ch.dropUser(conn)
	if ch.empty() {
		delete(r.channels, channelID)
	}
}

// Connections returns the size of the channel's broadcast set.
func (r *Registry) Connections(channelID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[channelID]; ok {
		return ch.members.Len()
	}
	return 0
}

// Lookup returns the addressable connection for a user in a channel.
func (r *Registry) Lookup(channelID, userID int64) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return nil, false
	}
	conn, ok := ch.users[userID]
	return conn, ok
}

// Broadcast sends msg to every connection in the channel and returns how
// many sends succeeded. Connections whose send fails are removed from both
// the broadcast set and the user map, then closed.
func (r *Registry) Broadcast(ctx context.Context, channelID int64, msg []byte) int {
	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	conns := make([]Conn, 0, ch.members.Len())
	for pair := ch.members.Oldest(); pair != nil; pair = pair.Next() {
		conns = append(conns, pair.Value)
	}
	r.mu.Unlock()

	var (
		sent   int
		failed []Conn
	)
	for _, conn := range conns {
		if err := r.send(ctx, conn, msg); err != nil {
			r.logger.Warn("dropping connection after failed send",
				slogx.Channel(channelID), slog.String("conn", conn.ID()), slogx.Error(err))
			failed = append(failed, conn)
			continue
		}
		sent++
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, conn := range failed {
			r.removeLocked(channelID, conn)
		}
		r.mu.Unlock()
		for _, conn := range failed {
			_ = conn.Close()
		}
	}
	return sent
}

// SendToUser sends msg to the user's addressable connection in the channel.
// On failure only the user mapping is dropped; the connection stays in the
// broadcast set until it fails there or disconnects.
func (r *Registry) SendToUser(ctx context.Context, channelID, userID int64, msg []byte) bool {
	conn, ok := r.Lookup(channelID, userID)
	if !ok {
		return false
	}
	if err := r.send(ctx, conn, msg); err != nil {
		r.logger.Warn("send to user failed",
			slogx.Channel(channelID), slog.Int64("user_id", userID), slogx.Error(err))
		r.mu.Lock()
		if ch, ok := r.channels[channelID]; ok {
			if current, ok := ch.users[userID]; ok && current.ID() == conn.ID() {
				delete(ch.users, userID)
			}
		}
		r.mu.Unlock()
		return false
	}
	return true
}

// send bounds a single send by the registry's send timeout only. The
// caller's cancellation is not the connection's failure and must not prune it.
func (r *Registry) send(ctx context.Context, conn Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
	defer cancel()
	return conn.Send(ctx, msg)
}
