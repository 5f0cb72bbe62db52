// Package housekeeping runs the scheduled maintenance jobs: retention sweeps
// over terminal posts and posting history, and the daily queue digest.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postflow/internal/eventbus"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

type Config struct {
	// SweepSpec and DigestSpec are standard 5-field cron expressions.
	SweepSpec  string
	DigestSpec string

	// PostRetention bounds how long posted rows are kept. Dead-lettered rows
	// are never swept automatically, they wait for operator review.
	PostRetention    time.Duration
	HistoryRetention time.Duration

	// Platforms enumerated in the digest.
	Platforms []string
}

func (c Config) withDefaults() Config {
	if c.SweepSpec == "" {
		c.SweepSpec = "17 3 * * *"
	}
	if c.DigestSpec == "" {
		c.DigestSpec = "0 9 * * *"
	}
	if c.PostRetention <= 0 {
		c.PostRetention = 30 * 24 * time.Hour
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 90 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg   Config
	store *store.Store
	bus   eventbus.Bus
	log   logx.Logger
	cron  *cron.Cron
	now   func() time.Time
}

func New(cfg Config, st *store.Store, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:   cfg.withDefaults(),
		store: st,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

func (s *Service) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.SweepSpec, s.sweep); err != nil {
		return fmt.Errorf("housekeeping: sweep schedule: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.DigestSpec, s.digest); err != nil {
		return fmt.Errorf("housekeeping: digest schedule: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info("housekeeping started",
		logx.String("sweep", s.cfg.SweepSpec),
		logx.String("digest", s.cfg.DigestSpec),
	)
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := s.now()
	posts, err := s.store.PruneTerminal(ctx, now.Add(-s.cfg.PostRetention))
	if err != nil {
		s.log.Error("retention sweep failed", logx.String("table", "posts"), logx.Err(err))
	}
	hist, err := s.store.PruneHistory(ctx, now.Add(-s.cfg.HistoryRetention))
	if err != nil {
		s.log.Error("retention sweep failed", logx.String("table", "posting_history"), logx.Err(err))
	}
	s.log.Info("retention sweep done",
		logx.Int64("posts_pruned", posts),
		logx.Int64("history_pruned", hist),
	)
}

func (s *Service) digest() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	since := s.now().Add(-24 * time.Hour)
	var b strings.Builder
	b.WriteString("📊 daily posting digest\n")
	for _, platform := range s.cfg.Platforms {
		m, err := s.store.PlatformMetrics(ctx, platform, since)
		if err != nil {
			s.log.Warn("digest metrics failed", logx.String("platform", platform), logx.Err(err))
			continue
		}
		fmt.Fprintf(&b, "%s: posted %d, failed %d, dead-lettered %d, pending %d\n",
			platform, m.Posted, m.Failed, m.DeadLettered, m.PendingCount)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventDigest, Data: b.String()})
	s.log.Info("digest published")
}
