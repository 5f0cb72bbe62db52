// Package api exposes the HTTP surface: submissions, status queries, metrics
// and health. It is a thin layer over the ingest gateway and status reporter.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"postflow/internal/adapters"
	"postflow/internal/ingest"
	"postflow/internal/runtime/supervisor"
	"postflow/internal/status"
	logx "postflow/pkg/logx"
)

type Config struct {
	Addr string

	// Submission throttle. Zero RatePerSec disables it.
	RatePerSec float64
	Burst      int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8087"
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

type Server struct {
	cfg      Config
	gateway  *ingest.Gateway
	reporter *status.Reporter
	registry *adapters.Registry
	log      logx.Logger

	limiter *rate.Limiter
	srv     *http.Server

	runtimeStats func() supervisor.Counters // optional, shown in healthz
}

// SetRuntimeStats exposes goroutine accounting in the health endpoint.
// Must be called before Run.
func (s *Server) SetRuntimeStats(fn func() supervisor.Counters) { s.runtimeStats = fn }

func NewServer(cfg Config, gw *ingest.Gateway, rep *status.Reporter, reg *adapters.Registry, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		gateway:  gw,
		reporter: rep,
		registry: reg,
		log:      log,
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/submissions", s.throttle(http.HandlerFunc(s.handleSubmit))).Methods(http.MethodPost)
	v1.HandleFunc("/submissions/{id}", s.handleSubmission).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/{platform}", s.handleMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/deadletters", s.handleDeadLetters).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown forced", logx.Err(err))
		_ = s.srv.Close()
	}
	<-errc
	return nil
}
