package connections

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/casualjim/switchboard/pkg/uuidx"
	"golang.org/x/net/websocket"
)

// WebSocketConn adapts a websocket connection to Conn. Messages are sent as
// text frames.
type WebSocketConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{id: uuidx.NewString(), ws: ws}
}

func (c *WebSocketConn) ID() string { return c.id }

func (c *WebSocketConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	return websocket.Message.Send(c.ws, string(msg))
}

func (c *WebSocketConn) Close() error {
	return c.ws.Close()
}

// Hooks are invoked when a websocket is accepted and when it goes away.
type Hooks interface {
	OnConnect(conn Conn, channelID, userID int64)
	OnDisconnect(conn Conn)
}

// Handler upgrades GET /ws?channel_id=&user_id= requests and keeps the
// connection registered until the client goes away. Inbound frames are read
// only to notice the close.
func Handler(hooks Hooks) http.Handler {
	logger := slogx.Component("websocket")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		channelID, err := strconv.ParseInt(r.URL.Query().Get("channel_id"), 10, 64)
		if err != nil {
			http.Error(w, "channel_id is required", http.StatusBadRequest)
			return
		}
		userID := NoUser
		if raw := r.URL.Query().Get("user_id"); raw != "" {
			if userID, err = strconv.ParseInt(raw, 10, 64); err != nil {
				http.Error(w, "user_id must be numeric", http.StatusBadRequest)
				return
			}
		}

		websocket.Handler(func(ws *websocket.Conn) {
			conn := NewWebSocketConn(ws)
			hooks.OnConnect(conn, channelID, userID)
			defer func() {
				hooks.OnDisconnect(conn)
				_ = conn.Close()
			}()
			logger.Debug("websocket connected", slogx.Channel(channelID), slog.String("conn", conn.ID()))

			for {
				var frame string
				if err := websocket.Message.Receive(ws, &frame); err != nil {
					if !errors.Is(err, io.EOF) {
						logger.Debug("websocket read failed", slog.String("conn", conn.ID()), slogx.Error(err))
					}
					return
				}
			}
		}).ServeHTTP(w, r)
	})
}
