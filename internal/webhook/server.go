// Package webhook is the HTTP boundary of abot: alert ingestion, the
// maintenance API, stats and health, and the Prometheus endpoint.
package webhook

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"abot/internal/dispatch"
	"abot/internal/ingest"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

type Config struct {
	Listen  string
	APIKeys []string
	// RatePerSec limits /api/v1 requests across all clients; 0 disables.
	RatePerSec int
	// Pprof mounts net/http/pprof under /debug.
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	return c
}

// StatsSource exposes the dispatcher counters.
type StatsSource interface {
	Snapshot() dispatch.StatsSnapshot
}

// MemberSet is the part of the member directory the API needs.
type MemberSet interface {
	Contains(id string) bool
}

type Deps struct {
	Processor *ingest.Processor
	Registry  *subscription.Registry
	Members   MemberSet
	Stats     StatsSource
	Log       logx.Logger
	Version   string
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	mux  *chi.Mux
}

func New(cfg Config, deps Deps) (*Server, error) {
	cfg = cfg.withDefaults()
	keys := cfg.APIKeys[:0:0]
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("webhook: at least one API key is required")
	}
	cfg.APIKeys = keys
	if deps.Processor == nil || deps.Registry == nil {
		return nil, errors.New("webhook: processor and registry are required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "webhook"))}
	s.mux = s.routes()
	return s, nil
}

// Handler returns the router; useful for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("webhook listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("webhook shutdown error", logx.Err(err))
	}
	return nil
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}
