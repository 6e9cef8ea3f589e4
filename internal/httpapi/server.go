package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/iris/internal/admission"
	"github.com/ent0n29/iris/internal/config"
	"github.com/ent0n29/iris/internal/observability"
	"github.com/ent0n29/iris/internal/protocol"
	"github.com/ent0n29/iris/internal/relay"
	"github.com/ent0n29/iris/internal/session"
)

type Server struct {
	cfg     config.Config
	relay   *relay.Relay
	latency *observability.LatencyWindow
}

func New(cfg config.Config, rl *relay.Relay, latency *observability.LatencyWindow) *Server {
	return &Server{cfg: cfg, relay: rl, latency: latency}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/relay/session", s.handleStartSession)
	r.Get("/v1/relay/session/{id}", s.handleGetSession)
	r.Get("/v1/relay/session/{id}/stream", s.handleStream)
	r.Post("/v1/relay/session/{id}/frame", s.handleFrame)
	r.Post("/v1/relay/session/{id}/turn", s.handleEndOfTurn)
	r.Post("/v1/relay/session/{id}/stop", s.handleStopSession)
	r.Get("/v1/relay/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"active_sessions":     s.relay.Sessions(),
		"upstream_configured": s.cfg.UpstreamAPIKey != "",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.relay.StartSession(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, startResponse{
		LiveSession:  sess,
		SessionTTLMS: s.cfg.SessionTTL.Milliseconds(),
	})
}

type startResponse struct {
	*session.LiveSession
	SessionTTLMS int64 `json:"session_ttl_ms"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.relay.Session(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.relay.ServeStream(w, r, id, sourceAddr(r))
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, admission.ErrOriginDenied):
		respondError(w, http.StatusForbidden, "origin_denied", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, admission.ErrCapacity):
		respondError(w, http.StatusTooManyRequests, "too_many_streams", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "stream_failed", err.Error())
	}
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}
	req, err := protocol.ParseFrameRequest(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", err.Error())
		return
	}

	ack, err := s.relay.SendFrame(chi.URLParam(r, "id"), req)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

func (s *Server) handleEndOfTurn(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.EndOfTurn(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.StopSession(chi.URLParam(r, "id")); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// sourceAddr identifies the client for the per-address stream ceiling: the
// first X-Forwarded-For hop when present, otherwise the connection host.
func sourceAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
