package switchboard

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/casualjim/switchboard/internal/broker"
	"github.com/casualjim/switchboard/internal/connections"
	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/internal/dispatch"
	"github.com/casualjim/switchboard/pkg/slogx"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

const maxBodyBytes = 1 << 20

// Handler serves the node API.
//
//	GET  /health                     node and bus status
//	GET  /agents                     known agents
//	POST /agents/discover            query the directory service now
//	POST /agents/{name}/message      send to an agent, ?stream=true for SSE
//	POST /publish                    publish {"key","message"}
//	GET  /ws?channel_id=&user_id=    client connection for a channel
func (s *Switchboard) Handler() http.Handler {
	h := &nodeHandler{sb: s, logger: slogx.Component("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /agents", h.agents)
	mux.HandleFunc("POST /agents/discover", h.discover)
	mux.HandleFunc("POST /agents/{name}/message", h.message)
	mux.HandleFunc("POST /publish", h.publish)
	mux.Handle("GET /ws", connections.Handler(s))
	return mux
}

type nodeHandler struct {
	sb     *Switchboard
	logger *slog.Logger
}

func (h *nodeHandler) health(w http.ResponseWriter, _ *http.Request) {
	bus := "local-only"
	switch {
	case h.sb.Listening():
		bus = "listening"
	case !h.sb.LocalOnly():
		bus = "reconnecting"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"bus":          bus,
		"agents_count": h.sb.directory.Len(),
	})
}

func (h *nodeHandler) agents(w http.ResponseWriter, _ *http.Request) {
	recs := h.sb.directory.List()
	cards := make([]directory.Card, 0, len(recs))
	for _, rec := range recs {
		cards = append(cards, rec.Card())
	}
	writeJSON(w, http.StatusOK, cards)
}

func (h *nodeHandler) discover(w http.ResponseWriter, r *http.Request) {
	if h.sb.discovery == nil {
		writeError(w, http.StatusServiceUnavailable, "no directory service configured")
		return
	}
	cards := h.sb.Discover(r.Context())
	if cards == nil {
		cards = []directory.Card{}
	}
	writeJSON(w, http.StatusOK, cards)
}

type messageRequest struct {
	Message   string `json:"message"`
	ChannelID *int64 `json:"channel_id,omitempty"`
	UserID    *int64 `json:"user_id,omitempty"`
}

func (r messageRequest) options() []dispatch.SendOption {
	var options []dispatch.SendOption
	if r.ChannelID != nil {
		options = append(options, dispatch.WithChannel(*r.ChannelID))
	}
	if r.UserID != nil {
		options = append(options, dispatch.WithUser(*r.UserID))
	}
	return options
}

func (h *nodeHandler) message(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message request")
		return
	}
	agent := r.PathValue("name")

	if r.URL.Query().Get("stream") == "true" {
		h.stream(w, r, agent, req)
		return
	}

	res := h.sb.SendToAgent(r.Context(), agent, req.Message, req.options()...)
	switch {
	case res.OK():
		writeJSON(w, http.StatusOK, map[string]any{"agent": res.Agent, "response": res.Response})
	case errors.Is(res.Err, dispatch.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, res.Err.Error())
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{"agent": res.Agent, "error": res.Err.Error()})
	}
}

func (h *nodeHandler) stream(w http.ResponseWriter, r *http.Request, agent string, req messageRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by server")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var broken bool
	h.sb.StreamToAgent(r.Context(), agent, req.Message, func(chunk dispatch.Chunk) {
		if broken {
			return
		}
		event := "message"
		data := chunk.Data
		if chunk.Err != nil {
			event = "error"
			data, _ = json.Marshal(map[string]string{"agent": chunk.Agent, "error": chunk.Err.Error()})
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			h.logger.Debug("client went away mid-stream", slogx.Agent(agent), slogx.Error(err))
			broken = true
			return
		}
		flusher.Flush()
	}, req.options()...)
}

func (h *nodeHandler) publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid publish request")
		return
	}
	key, err := broker.ParseKey(gjson.GetBytes(body, "key").String())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	msg := gjson.GetBytes(body, "message")
	if !msg.Exists() {
		writeError(w, http.StatusUnprocessableEntity, "message is required")
		return
	}
	if err := h.sb.PublishKey(r.Context(), key, json.RawMessage(msg.Raw)); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published", "key": key.String()})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding response", slogx.Error(err))
		status = http.StatusInternalServerError
		body = []byte(`{"detail":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("writing response", slogx.Error(err))
	}
}
