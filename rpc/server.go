// Package rpc exposes the node HTTP API: invoice issuance and lookup, chain
// height feeds, the receipt stream, health and metrics.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"paylink/chain"
	"paylink/config"
	"paylink/events"
	"paylink/invoice"
	"paylink/observability"
	"paylink/settle"
)

const maxRequestBytes = 1 << 20 // 1 MiB

// Config carries the server collaborators.
type Config struct {
	Registry *settle.Registry
	Store    *invoice.Store
	Tracker  *chain.Tracker
	Broker   *events.Broker
	Logger   *slog.Logger

	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	// DefaultInvoiceExpirySeconds is applied when an issuance request
	// carries no expiry. Zero disables the default, issuing invoices that
	// never expire.
	DefaultInvoiceExpirySeconds uint64
}

// Server serves the node API.
type Server struct {
	registry      *settle.Registry
	store         *invoice.Store
	tracker       *chain.Tracker
	broker        *events.Broker
	logger        *slog.Logger
	auth          *Authenticator
	limiter       *RateLimiter
	defaultExpiry uint64

	httpSrv *http.Server
}

// NewServer wires the API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:      cfg.Registry,
		store:         cfg.Store,
		tracker:       cfg.Tracker,
		broker:        cfg.Broker,
		logger:        logger,
		auth:          NewAuthenticator(cfg.Auth, logger),
		limiter:       NewRateLimiter(cfg.RateLimit),
		defaultExpiry: cfg.DefaultInvoiceExpirySeconds,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware())
		v1.Use(s.auth.Middleware())
		v1.Use(s.observe)

		v1.Post("/invoices", s.handleIssueInvoice)
		v1.Get("/invoices/{hash}", s.handleGetInvoice)
		v1.Get("/chain/height", s.handleGetHeight)
		v1.Post("/chain/height", s.handleSetHeight)
		v1.Get("/receipts/ws", s.handleReceiptsWS)
	})

	return otelhttp.NewHandler(r, "paylink.api")
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("api listening", slog.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// observe records request metrics per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		observability.API().Observe(route, rec.status, time.Since(started))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorPayload struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorPayload{Error: message})
}
