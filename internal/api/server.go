// Package api exposes fetch and cleanup over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/pkg/models"
)

const shutdownTimeout = 15 * time.Second

// MailService runs the mail operations
type MailService interface {
	FetchNewMail(ctx context.Context, account *models.Account, opts email.FetchOptions) ([]*models.Message, error)
	CleanupByCategory(ctx context.Context, account *models.Account, categories []string) (*email.Tally, error)
}

// AccountStore looks up accounts
type AccountStore interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
}

// Queue takes freshly fetched messages for triage
type Queue interface {
	Submit(account *models.Account, msgs []*models.Message) bool
}

// Config for the HTTP server
type Config struct {
	Addr   string
	APIKey string
	Rate   float64 // requests per second across all clients
	Burst  int
}

// Server is the HTTP front of the mail service
type Server struct {
	cfg      Config
	mail     MailService
	accounts AccountStore
	queue    Queue
	limiter  *rate.Limiter
	handler  http.Handler
	logger   *slog.Logger
}

// NewServer creates a new API server. queue may be nil.
func NewServer(cfg Config, mail MailService, accounts AccountStore, queue Queue, logger *slog.Logger) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	s := &Server{
		cfg:      cfg,
		mail:     mail,
		accounts: accounts,
		queue:    queue,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:   logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /api/accounts/{id}/fetch", s.protect(s.handleFetch))
	mux.Handle("POST /api/accounts/{id}/cleanup", s.protect(s.handleCleanup))
	s.handler = s.logRequests(mux)

	return s, nil
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown failed: %w", err)
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

// protect applies rate limiting and API-key auth
func (s *Server) protect(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", "")
			return
		}
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-API-Key", "")
			return
		}
		h(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
