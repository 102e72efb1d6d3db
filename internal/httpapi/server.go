package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/interviewrt/internal/config"
	"github.com/ent0n29/interviewrt/internal/logging"
	"github.com/ent0n29/interviewrt/internal/observability"
	"github.com/ent0n29/interviewrt/internal/protocol"
	"github.com/ent0n29/interviewrt/internal/session"
)

// Broker is one running interview session as seen by the WebSocket layer.
type Broker interface {
	SessionID() string
	Start(ctx context.Context) error
	Run(ctx context.Context, inbound <-chan protocol.ClientMessage, outbound chan<- any) error
	Stop()
	EndReason() string
}

// BrokerFactory builds the broker for a validated start message. Errors are
// reported to the client as UPSTREAM_UNAVAILABLE.
type BrokerFactory interface {
	NewBroker(ctx context.Context, start protocol.Start) (Broker, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	brokers  BrokerFactory
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Registry, brokers BrokerFactory, metrics *observability.Metrics, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		brokers:  brokers,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a candidate's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/interview/sessions", s.handleListSessions)
	r.Get("/v1/interview/ws", s.handleInterviewWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.brokers == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "session broker not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"realtime_provider": s.realtimeMode(),
		"transcript_store":  s.transcriptMode(),
		"turn_detection":    s.cfg.TurnDetection,
	})
}

type sessionsResponse struct {
	ActiveSessions int      `json:"active_sessions"`
	SessionIDs     []string `json:"session_ids"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.sessions.IDs()
	respondJSON(w, http.StatusOK, sessionsResponse{
		ActiveSessions: len(ids),
		SessionIDs:     ids,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) realtimeMode() string {
	if s.cfg.UseMockRealtime() {
		return "mock"
	}
	return "openai"
}

func (s *Server) transcriptMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}
