package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tickmirror/tickmirror/internal/forge"
	"github.com/tickmirror/tickmirror/internal/reconcile"
	"github.com/tickmirror/tickmirror/internal/storage"
)

// Webhook headers, GitHub-shaped.
const (
	headerSignature = "X-Hub-Signature-256"
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
)

// maxBodySize caps webhook payloads. The forge documents ~25 MB for
// push events with large commit histories.
const maxBodySize = 32 * 1024 * 1024

// Server handles inbound webhook HTTP requests.
type Server struct {
	store      storage.Store
	secret     []byte
	engine     *reconcile.Engine
	tokens     forge.TokenSource
	mux        *http.ServeMux
	httpServer *http.Server
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Store  storage.Store
	Secret []byte // HMAC secret shared with the forge
	Engine *reconcile.Engine
	Tokens forge.TokenSource
}

// NewServer creates a webhook server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		store:  cfg.Store,
		secret: cfg.Secret,
		engine: cfg.Engine,
		tokens: cfg.Tokens,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleWebhook handles POST /webhook.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, errBody("method_not_allowed"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errBody("body_read_failed"))
		return
	}
	defer func() { _ = r.Body.Close() }()

	status, resp := s.ProcessWebhook(r.Context(), body,
		r.Header.Get(headerSignature),
		r.Header.Get(headerEvent),
		r.Header.Get(headerDelivery),
	)
	s.writeJSON(w, status, resp)
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
