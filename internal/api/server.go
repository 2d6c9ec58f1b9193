// Package api serves the HTTP surface: health and build info, a
// read-only view of turns and conversation history, and the bridge
// WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/history"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnLister reports the conversations with a running turn.
type TurnLister interface {
	Active() []string
}

// ServiceHealth reports backend reachability.
type ServiceHealth interface {
	Status() []connwatch.ServiceStatus
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	turns      TurnLister
	history    history.Store
	bridge     http.Handler
	bridgePath string
	services   ServiceHealth
	bus        *events.Bus
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates an API server.
func NewServer(address string, port int, turns TurnLister, store history.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		turns:   turns,
		history: store,
		logger:  logger,
	}
}

// SetBridge mounts the bridge WebSocket handler at path.
func (s *Server) SetBridge(path string, h http.Handler) {
	s.bridgePath = path
	s.bridge = h
}

// SetServiceHealth makes /health report the given services.
func (s *Server) SetServiceHealth(h ServiceHealth) {
	s.services = h
}

// SetEventBus makes /health report the bus subscriber count.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("GET /v1/turns", s.handleTurns)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)

	if s.bridge != nil {
		mux.Handle("GET "+s.bridgePath, s.bridge)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. Hijacked bridge connections
// are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		// The gateway logs bridge connects and disconnects itself.
		if s.bridge != nil && r.URL.Path == s.bridgePath {
			return
		}
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"status": "healthy"}
	if s.services != nil {
		if !s.services.Healthy() {
			body["status"] = "degraded"
		}
		body["services"] = s.services.Status()
	}
	if s.bus != nil {
		body["event_subscribers"] = s.bus.SubscriberCount()
	}
	writeJSON(w, body, s.logger)
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	active := []string{}
	if s.turns != nil {
		active = append(active, s.turns.Active()...)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"active": active,
		"count":  len(active),
	}, s.logger)
}

// conversationMessage is the wire form of a stored message.
type conversationMessage struct {
	Seq               int64      `json:"seq"`
	ID                string     `json:"id"`
	Role              string     `json:"role"`
	Content           string     `json:"content"`
	ImageURL          string     `json:"image_url,omitempty"`
	PlatformMessageID *int64     `json:"platform_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	EditedAt          *time.Time `json:"edited_at,omitempty"`
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	id := r.PathValue("id")
	rows, err := s.history.Query(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("conversation query failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}

	msgs := make([]conversationMessage, len(rows))
	for i, m := range rows {
		msgs[i] = conversationMessage{
			Seq:               m.Seq,
			ID:                m.ID,
			Role:              string(m.Role),
			Content:           m.Content,
			ImageURL:          m.ImageURL,
			PlatformMessageID: m.PlatformMessageID,
			CreatedAt:         m.CreatedAt,
			EditedAt:          m.EditedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
