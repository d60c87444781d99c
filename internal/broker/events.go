package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mediabroker/internal/engine"
)

// keepAliveInterval spaces SSE comment lines so idle proxies keep streams open.
const keepAliveInterval = 15 * time.Second

// SessionEvents handles GET /mediabroker/session/{n}/events as a
// Server-Sent Events stream. The stream ends when the session is removed.
func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	id := sessionID(r)
	var (
		ch    <-chan engine.Event
		subID int
	)
	err := h.reg.Do(r.Context(), id, func(s *Session) error {
		ch, subID = s.Subscribe()
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() {
		// NotFound once the session is gone; its channels are already closed.
		_ = h.reg.Do(context.Background(), id, func(s *Session) error {
			s.Unsubscribe(subID)
			return nil
		})
	}()

	defer h.metrics.StreamOpened("session")()
	startStream(w, flusher)
	h.log.Debug("event stream opened", slog.String("session", id))
	stream(r.Context(), w, flusher, ch, func(ev engine.Event) string { return ev.Type.String() }, h.log)
	h.log.Debug("event stream closed", slog.String("session", id))
}

// RegistryEvents handles GET /mediabroker/events: session-created and
// session-removed notifications as Server-Sent Events.
func (h *Handler) RegistryEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	ch, subID, err := h.reg.Subscribe(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() { _ = h.reg.Unsubscribe(context.Background(), subID) }()

	defer h.metrics.StreamOpened("registry")()
	startStream(w, flusher)
	stream(r.Context(), w, flusher, ch, func(ev RegistryEvent) string { return string(ev.Type) }, h.log)
}

func startStream(w http.ResponseWriter, flusher http.Flusher) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

func stream[T any](ctx context.Context, w http.ResponseWriter, flusher http.Flusher, ch <-chan T, name func(T) string, log *slog.Logger) {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, name(ev), ev); err != nil {
				log.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
