// Package server provides the HTTP API for sidekick.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/catalog"
	"github.com/snapshot-labs/sidekick/coalesce"
	"github.com/snapshot-labs/sidekick/expiry"
	"github.com/snapshot-labs/sidekick/moderation"
	"github.com/snapshot-labs/sidekick/nftclaimer"
	"github.com/snapshot-labs/sidekick/ogimage"
	"github.com/snapshot-labs/sidekick/queue"
	"github.com/snapshot-labs/sidekick/telemetry"
	"github.com/snapshot-labs/sidekick/votesreport"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Hub is the upstream the artifacts are generated from.
type Hub interface {
	votesreport.Source
	ogimage.Source
}

// Config holds server configuration and its collaborators.
type Config struct {
	// Address to listen on (e.g., ":3005")
	Address string

	// WebhookToken is the shared secret webhook callers send in the
	// authenticate header. Empty rejects every webhook call.
	WebhookToken string

	// Hub fetches proposals, votes and spaces.
	Hub Hub

	// Votes and Images store the generated reports and cards.
	Votes  backend.Backend
	Images backend.Backend

	// Queue runs report generation. Defaults to a queue with default
	// settings.
	Queue *queue.Queue

	// Catalog records every generated artifact (optional).
	Catalog *catalog.Catalog

	// Moderation serves the moderation lists (optional, lists are empty
	// without it).
	Moderation *moderation.Relay

	// Claimer signs NFT claimer payloads (optional).
	Claimer *nftclaimer.Signer

	// Expiry removes stale artifacts in the background (optional).
	Expiry *expiry.Manager

	// Logger for the server
	Logger *slog.Logger
}

// Server is the sidekick HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	hub        Hub
	votes      backend.Backend
	images     backend.Backend
	queue      *queue.Queue
	group      *coalesce.Group
	catalog    *catalog.Catalog
	moderation *moderation.Relay
	claimer    *nftclaimer.Signer
	handler    http.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":3005"
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub client is required")
	}
	if cfg.Votes == nil || cfg.Images == nil {
		return nil, fmt.Errorf("votes and images storage are required")
	}
	if cfg.Queue == nil {
		cfg.Queue = queue.New(queue.WithLogger(cfg.Logger.With("component", "queue")))
	}
	if cfg.Moderation == nil {
		cfg.Moderation = moderation.New(moderation.WithLogger(cfg.Logger.With("component", "moderation")))
	}

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		hub:        cfg.Hub,
		votes:      cfg.Votes,
		images:     cfg.Images,
		queue:      cfg.Queue,
		group:      coalesce.New(coalesce.WithLogger(cfg.Logger.With("component", "coalesce"))),
		catalog:    cfg.Catalog,
		moderation: cfg.Moderation,
		claimer:    cfg.Claimer,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(gzhttp.GzipHandler(mux))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // OG cards render in the request path
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /votes/{id}", s.handleVotes)
	mux.Handle("POST /votes/generate", s.webhookAuth(http.HandlerFunc(s.handleVotesWebhook)))

	// /og/home, /og/home.png, /og/home.svg
	mux.HandleFunc("GET /og/{file}", s.handleImage)
	mux.HandleFunc("GET /og/{type}/{file}", s.handleImage)
	mux.Handle("POST /og/refresh", s.webhookAuth(http.HandlerFunc(s.handleImageRefresh)))

	mux.HandleFunc("GET /moderation", s.handleModeration)

	mux.HandleFunc("POST /nft-claimer/deploy", s.handleDeploy)
	mux.HandleFunc("POST /nft-claimer/mint", s.handleMint)
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Queue struct {
		Size int         `json:"size"`
		Jobs []queue.Job `json:"jobs"`
	} `json:"queue"`
	Catalog *catalog.Stats `json:"catalog,omitempty"`
}

// handleStats reports the generation queue and the catalog totals.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	resp.Queue.Size = s.queue.Size()
	resp.Queue.Jobs = s.queue.Jobs()

	if s.catalog != nil {
		stats, err := s.catalog.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Catalog = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// report builds the votes report for proposal id.
func (s *Server) report(id string) *votesreport.Report {
	opts := []votesreport.Option{
		votesreport.WithLogger(s.logger.With("component", "votesreport")),
	}
	if s.catalog != nil {
		opts = append(opts, votesreport.WithRecorder(s.catalog))
	}
	return votesreport.New(id, s.votes, s.hub, opts...)
}

// image builds the OG card for (t, id).
func (s *Server) image(t ogimage.Type, id string) *ogimage.Image {
	opts := []ogimage.Option{
		ogimage.WithGroup(s.group),
		ogimage.WithLogger(s.logger.With("component", "ogimage")),
	}
	if s.catalog != nil {
		opts = append(opts, ogimage.WithRecorder(s.catalog))
	}
	return ogimage.New(t, id, s.images, s.hub, opts...)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetRoute(r, deriveRoute(r.URL.Path))

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the generation queue and the server.
func (s *Server) Start() error {
	s.queue.Start(context.Background())
	if s.config.Expiry != nil {
		_ = s.config.Expiry.Start(context.Background())
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, then waits for running
// generations.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.queue.Stop()
	if s.config.Expiry != nil {
		s.config.Expiry.Stop()
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute groups the request path for metrics. Handlers may refine it.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/votes/"):
		return "votes"
	case strings.HasPrefix(path, "/og/"):
		return "og"
	case path == "/moderation":
		return "moderation"
	case strings.HasPrefix(path, "/nft-claimer/"):
		return "nft-claimer"
	default:
		return "unknown"
	}
}
