package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mediabroker/internal/engine"
	"mediabroker/internal/platform/metrics"
)

// Handler exposes the registry and its sessions over HTTP using go-chi.
type Handler struct {
	reg     *Registry
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler over reg. Metrics may be nil.
func NewHandler(reg *Registry, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{reg: reg, log: log, metrics: m}
}

// Mount registers every broker route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/mediabroker", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Post("/sessions/unattended", h.CreateUnattendedSession)
		r.Post("/recordings", h.ScheduleRecording)
		r.Get("/events", h.RegistryEvents)

		r.Route("/session/{n}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.RemoveSession)
			r.Get("/events", h.SessionEvents)

			r.Get("/source", h.getSource)
			r.Put("/source", h.setSource)
			r.Get("/subtitle", h.getSubtitle)
			r.Put("/subtitle", h.setSubtitle)
			r.Get("/volume", h.getVolume)
			r.Put("/volume", h.setVolume)
			r.Get("/mute", h.getMute)
			r.Put("/mute", h.setMute)
			r.Get("/scale", h.getScale)
			r.Put("/scale", h.setScale)
			r.Get("/window", h.getWindow)
			r.Put("/window", h.setWindow)
			r.Get("/target", h.getTarget)
			r.Put("/target", h.setTarget)
			r.Get("/proxy", h.getProxy)
			r.Put("/proxy", h.setProxy)
			r.Get("/rate", h.getRate)
			r.Put("/rate", h.setRate)

			r.Get("/state", h.getState)
			r.Get("/position", h.getPosition)
			r.Get("/duration", h.getDuration)
			r.Get("/video-size", h.getVideoSize)
			r.Get("/buffer", h.getBuffer)
			r.Get("/metadata", h.getMetadata)
			r.Get("/tracks/{kind}", h.getTracks)
			r.Post("/tracks/{kind}", h.selectTrack)

			r.Post("/play", h.action((*Session).Play))
			r.Post("/pause", h.action((*Session).Pause))
			r.Post("/load", h.action((*Session).Load))
			r.Post("/stop", h.action((*Session).Stop))
			r.Post("/reply", h.action((*Session).Reply))
			r.Post("/suspend", h.action((*Session).Suspend))
			r.Post("/restore", h.action((*Session).Restore))
			r.Post("/seek", h.seek)
			r.Post("/record/start", h.startRecording)
			r.Post("/record/stop", h.action((*Session).StopRecording))
		})
	})
}

type createSessionRequest struct {
	Attended       bool    `json:"attended"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type recordingRequest struct {
	StartDelaySeconds float64 `json:"start_delay_seconds"`
	DurationSeconds   float64 `json:"duration_seconds"`
	URI               string  `json:"uri"`
	Destination       string  `json:"destination"`
}

type uriBody struct {
	URI string `json:"uri"`
}

type volumeBody struct {
	Volume int `json:"volume"`
}

type muteBody struct {
	Mute bool `json:"mute"`
}

type scaleBody struct {
	Mode engine.ScaleMode `json:"mode"`
}

type rateBody struct {
	Rate float64 `json:"rate"`
}

type stateBody struct {
	State string `json:"state"`
}

type positionBody struct {
	PositionMS int64 `json:"position_ms"`
}

type durationBody struct {
	DurationMS int64 `json:"duration_ms"`
}

type bufferBody struct {
	BufferMS int64 `json:"buffer_ms"`
}

type videoSizeBody struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type tracksBody struct {
	Kind    engine.TrackKind `json:"kind"`
	Count   int              `json:"count"`
	Current int              `json:"current"`
}

type selectTrackBody struct {
	Index int `json:"index"`
}

type recordBody struct {
	Destination string `json:"destination"`
}

type errorBody struct {
	Error string `json:"error"`
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// CreateSession handles POST /mediabroker/sessions.
// Body: { "attended": true } or { "attended": false, "timeout_seconds": 30 }.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.reg.CreateSession(r.Context(), req.Attended, seconds(req.TimeoutSeconds))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// CreateUnattendedSession handles POST /mediabroker/sessions/unattended.
// Body: { "timeout_seconds": 30 }.
func (h *Handler) CreateUnattendedSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.reg.CreateUnattendedSession(r.Context(), seconds(req.TimeoutSeconds))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ScheduleRecording handles POST /mediabroker/recordings.
func (h *Handler) ScheduleRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.reg.ScheduleRecording(r.Context(), RecordingRequest{
		StartDelay:  seconds(req.StartDelaySeconds),
		Duration:    seconds(req.DurationSeconds),
		URI:         req.URI,
		Destination: req.Destination,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ListSessions handles GET /mediabroker/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := h.reg.Sessions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if infos == nil {
		infos = []Info{}
	}
	h.writeJSON(w, http.StatusOK, infos)
}

// GetSession handles GET /mediabroker/session/{n}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) {
		return struct {
			Info
			Config Config `json:"config"`
		}{s.Info(), redacted(s.Config())}, nil
	})
}

// RemoveSession handles DELETE /mediabroker/session/{n}.
func (h *Handler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if err := h.reg.RemoveSession(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Debug("session removed via api", slog.String("session", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getSource(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return uriBody{URI: s.Source()}, nil })
}

func (h *Handler) setSource(w http.ResponseWriter, r *http.Request) {
	var body uriBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetSource(body.URI) })
	}
}

func (h *Handler) getSubtitle(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return uriBody{URI: s.Subtitle()}, nil })
}

func (h *Handler) setSubtitle(w http.ResponseWriter, r *http.Request) {
	var body uriBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetSubtitle(body.URI) })
	}
}

func (h *Handler) getVolume(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return volumeBody{Volume: s.Volume()}, nil })
}

func (h *Handler) setVolume(w http.ResponseWriter, r *http.Request) {
	var body volumeBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetVolume(body.Volume) })
	}
}

func (h *Handler) getMute(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return muteBody{Mute: s.Mute()}, nil })
}

func (h *Handler) setMute(w http.ResponseWriter, r *http.Request) {
	var body muteBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetMute(body.Mute) })
	}
}

func (h *Handler) getScale(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return scaleBody{Mode: s.ScaleMode()}, nil })
}

func (h *Handler) setScale(w http.ResponseWriter, r *http.Request) {
	var body scaleBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetScaleMode(body.Mode) })
	}
}

func (h *Handler) getWindow(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return s.OutputRect(), nil })
}

func (h *Handler) setWindow(w http.ResponseWriter, r *http.Request) {
	var body engine.Rect
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetOutputRect(body) })
	}
}

func (h *Handler) getTarget(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return s.RenderTarget(), nil })
}

func (h *Handler) setTarget(w http.ResponseWriter, r *http.Request) {
	var body engine.RenderTarget
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetRenderTarget(body) })
	}
}

func (h *Handler) getProxy(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return redacted(s.Config()).Proxy, nil })
}

func (h *Handler) setProxy(w http.ResponseWriter, r *http.Request) {
	var body engine.Proxy
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetProxy(body) })
	}
}

func (h *Handler) getRate(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) {
		rate, err := s.Rate()
		return rateBody{Rate: rate}, err
	})
}

func (h *Handler) setRate(w http.ResponseWriter, r *http.Request) {
	var body rateBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SetRate(body.Rate) })
	}
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return stateBody{State: s.State().String()}, nil })
}

func (h *Handler) getPosition(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) {
		pos, err := s.Position()
		return positionBody{PositionMS: pos.Milliseconds()}, err
	})
}

func (h *Handler) getDuration(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) {
		d, err := s.Duration()
		return durationBody{DurationMS: d.Milliseconds()}, err
	})
}

func (h *Handler) getVideoSize(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) {
		width, height, err := s.VideoSize()
		return videoSizeBody{Width: width, Height: height}, err
	})
}

func (h *Handler) getBuffer(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) {
		d, err := s.BufferDepth()
		return bufferBody{BufferMS: d.Milliseconds()}, err
	})
}

func (h *Handler) getMetadata(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, func(s *Session) (any, error) { return s.Metadata() })
}

func (h *Handler) getTracks(w http.ResponseWriter, r *http.Request) {
	kind := engine.TrackKind(chi.URLParam(r, "kind"))
	h.query(w, r, func(s *Session) (any, error) {
		count, err := s.TrackCount(kind)
		if err != nil {
			return nil, err
		}
		current, err := s.CurrentTrack(kind)
		return tracksBody{Kind: kind, Count: count, Current: current}, err
	})
}

func (h *Handler) selectTrack(w http.ResponseWriter, r *http.Request) {
	kind := engine.TrackKind(chi.URLParam(r, "kind"))
	var body selectTrackBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.SelectTrack(kind, body.Index) })
	}
}

func (h *Handler) seek(w http.ResponseWriter, r *http.Request) {
	var body positionBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.Seek(time.Duration(body.PositionMS) * time.Millisecond) })
	}
}

func (h *Handler) startRecording(w http.ResponseWriter, r *http.Request) {
	var body recordBody
	if h.decode(w, r, &body) {
		h.update(w, r, func(s *Session) error { return s.StartRecording(body.Destination) })
	}
}

// action adapts a no-argument session operation to a POST handler.
func (h *Handler) action(op func(*Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.update(w, r, op)
	}
}

func sessionID(r *http.Request) string {
	return SessionPath(chi.URLParam(r, "n"))
}

// update runs fn on the session and answers 204.
func (h *Handler) update(w http.ResponseWriter, r *http.Request, fn func(*Session) error) {
	if err := h.reg.Do(r.Context(), sessionID(r), fn); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// query runs fn on the session and answers 200 with its JSON result.
func (h *Handler) query(w http.ResponseWriter, r *http.Request, fn func(*Session) (any, error)) {
	var out any
	err := h.reg.Do(r.Context(), sessionID(r), func(s *Session) error {
		v, err := fn(s)
		out = v
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// StatusFor maps broker errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, ErrEngineBindFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrEngineOperationFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		h.log.Error("request failed", attrs...)
	} else {
		h.log.Info("request rejected", attrs...)
	}
	h.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}

// redacted hides the proxy password from API responses.
func redacted(c Config) Config {
	if c.Proxy.Password != "" {
		c.Proxy.Password = "***"
	}
	return c
}
