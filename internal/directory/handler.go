package directory

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/casualjim/switchboard/pkg/slogx"
	json "github.com/goccy/go-json"
)

const maxCardBytes = 1 << 20

// Handler serves the directory service API over d.
//
//	GET    /agents[?protocol=]     active cards
//	GET    /agents/{id}            one card
//	POST   /agents                 register or update a card
//	PUT    /agents/{id}/heartbeat  refresh liveness, 404 when unknown
//	DELETE /agents/{id}            remove a card
//	GET    /health                 liveness of the service itself
func Handler(d *Directory) http.Handler {
	h := &handler{dir: d, logger: slogx.Component("directory.http")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.root)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /agents", h.list)
	mux.HandleFunc("POST /agents", h.register)
	mux.HandleFunc("GET /agents/{id}", h.get)
	mux.HandleFunc("DELETE /agents/{id}", h.remove)
	mux.HandleFunc("PUT /agents/{id}/heartbeat", h.heartbeat)
	return mux
}

type handler struct {
	dir    *Directory
	logger *slog.Logger
}

func (h *handler) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "switchboard directory"})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "agents_count": h.dir.Len()})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	var want Protocol
	if raw := r.URL.Query().Get("protocol"); raw != "" {
		p, err := ParseProtocol(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		want = p
	}

	cards := make([]Card, 0, h.dir.Len())
	for _, rec := range h.dir.List() {
		if want != "" && rec.Protocol != want {
			continue
		}
		cards = append(cards, rec.Card())
	}
	writeJSON(w, http.StatusOK, cards)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.dir.Lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.Card())
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCardBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var card Card
	if err := json.Unmarshal(body, &card); err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent card")
		return
	}
	rec, err := RecordFromCard(card)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	stored, _, err := h.dir.RegisterOrUpdate(rec)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored.Card())
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.dir.Heartbeat(id) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "agent": id})
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	if !h.dir.Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
	if _, err := w.Write(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Debug("writing response", slogx.Error(err))
	}
}
