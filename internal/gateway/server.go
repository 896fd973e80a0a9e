// Package gateway is the HTTP surface of the voice service.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/interview-voice-lab/internal/logging"
	"github.com/interview-voice-lab/internal/mcp"
	"github.com/interview-voice-lab/internal/session"
)

// Server serves the session websocket, the MCP endpoint, metrics and health.
type Server struct {
	reg       *session.Registry
	mcp       *sdk.Server
	gatherer  prometheus.Gatherer
	upgrader  websocket.Upgrader
	server    *http.Server
	startTime time.Time
}

// New builds a server listening on addr. A nil mcpServer disables /mcp/ws;
// a nil gatherer serves the default registry.
func New(addr string, reg *session.Registry, mcpServer *sdk.Server, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		reg:       reg,
		mcp:       mcpServer,
		gatherer:  gatherer,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleSession)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.mcp != nil {
		mux.Handle("/mcp/ws", mcp.WebSocketHandler(s.mcp))
	}
	return mux
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	logging.Infow("gateway: listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status        string  `json:"status"`
	Sessions      int     `json:"sessions"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:        "ok",
		Sessions:      len(s.reg.List()),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	})
}
