package app

import (
	"fmt"
	"strings"
	"time"

	"postflow/internal/adapters"
	"postflow/internal/api"
	"postflow/internal/compliance"
	"postflow/internal/config"
	"postflow/internal/dispatch"
	"postflow/internal/fingerprint"
	"postflow/internal/housekeeping"
	"postflow/internal/ratelimit"
	"postflow/internal/store"
)

// Mapping from the on-disk config (duration strings) to component configs
// (time.Duration). Validation already happened in config.Validate, so parse
// errors here are still checked but unexpected.

func storeConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func dedupSettings(cfg *config.Config) (time.Duration, fingerprint.Scope, error) {
	window, err := config.ParseDurationOrDefault("dedup.window", cfg.Dedup.Window, fingerprint.DefaultWindow)
	if err != nil {
		return 0, "", err
	}
	scope := fingerprint.ScopePlatform
	if strings.EqualFold(strings.TrimSpace(cfg.Dedup.Scope), string(fingerprint.ScopeGlobal)) {
		scope = fingerprint.ScopeGlobal
	}
	return window, scope, nil
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	out := dispatch.Config{
		Workers:     d.Workers,
		QueueSize:   d.QueueSize,
		BatchSize:   d.BatchSize,
		MaxAttempts: d.MaxAttempts,
		RetryJitter: d.RetryJitter,
	}
	var err error
	if out.PollInterval, err = config.ParseDurationField("dispatch.poll_interval", d.PollInterval); err != nil {
		return out, err
	}
	if out.BackoffBase, err = config.ParseDurationField("dispatch.backoff_base", d.BackoffBase); err != nil {
		return out, err
	}
	if out.BackoffMax, err = config.ParseDurationField("dispatch.backoff_max", d.BackoffMax); err != nil {
		return out, err
	}
	if out.AdapterTimeout, err = config.ParseDurationField("dispatch.adapter_timeout", d.AdapterTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func rateConfig(cfg *config.Config) (ratelimit.Config, error) {
	out := ratelimit.Config{
		Platforms:       make(map[string]ratelimit.PlatformLimits, len(cfg.Rate.Platforms)),
		RefundPermanent: cfg.Rate.RefundPermanent == nil || *cfg.Rate.RefundPermanent,
	}
	for name, pr := range cfg.Rate.Platforms {
		var pl ratelimit.PlatformLimits
		for i, w := range pr.Windows {
			per, err := config.ParseDurationField(
				fmt.Sprintf("rate.platforms.%s.windows[%d].per", name, i), w.Per)
			if err != nil {
				return out, err
			}
			pl.Windows = append(pl.Windows, ratelimit.WindowLimit{Window: per, Limit: w.Limit})
		}
		gap, err := config.ParseDurationField("rate.platforms."+name+".min_gap", pr.MinGap)
		if err != nil {
			return out, err
		}
		pl.MinGap = gap
		out.Platforms[strings.ToLower(name)] = pl
	}
	return out, nil
}

func apiConfig(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	out := api.Config{
		Addr:       a.Addr,
		RatePerSec: a.RatePerSec,
		Burst:      a.Burst,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("api.read_timeout", a.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("api.write_timeout", a.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("api.idle_timeout", a.IdleTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func housekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	h := cfg.Housekeeping
	out := housekeeping.Config{
		SweepSpec:  h.SweepSpec,
		DigestSpec: h.DigestSpec,
		Platforms:  platformNames(cfg),
	}
	var err error
	if out.PostRetention, err = config.ParseDurationField("housekeeping.post_retention", h.PostRetention); err != nil {
		return out, err
	}
	if out.HistoryRetention, err = config.ParseDurationField("housekeeping.history_retention", h.HistoryRetention); err != nil {
		return out, err
	}
	return out, nil
}

func platformNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Rate.Platforms))
	for name := range cfg.Rate.Platforms {
		names = append(names, strings.ToLower(name))
	}
	return names
}

// complianceChecker builds the configured checker. Returns (nil, false) when
// compliance is switched off entirely.
func complianceChecker(cfg *config.Config) (compliance.Checker, bool, error) {
	c := cfg.Compliance
	if c == nil {
		return nil, true, nil // nil checker: Filter falls back to the rule scan
	}
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case "off":
		return nil, false, nil
	case "remote":
		timeout, err := config.ParseDurationOrDefault("compliance.timeout", c.Timeout, 10*time.Second)
		if err != nil {
			return nil, false, err
		}
		return compliance.NewRemoteChecker(c.URL, timeout), true, nil
	default:
		return nil, true, nil
	}
}

// registerAdapters builds and registers every enabled platform adapter.
func registerAdapters(cfg *config.Config, reg *adapters.Registry) error {
	if t := cfg.Adapters.Telegram; t != nil && t.Enabled {
		timeout, err := config.ParseDurationOrDefault("adapters.telegram.timeout", t.Timeout, 30*time.Second)
		if err != nil {
			return err
		}
		reg.Register(adapters.NewTelegram(adapters.TelegramConfig{
			Token:   t.Token,
			Channel: t.Channel,
			Footer:  t.Footer,
			Timeout: timeout,
		}))
	}
	if l := cfg.Adapters.LinkedIn; l != nil && l.Enabled {
		timeout, err := config.ParseDurationOrDefault("adapters.linkedin.timeout", l.Timeout, 30*time.Second)
		if err != nil {
			return err
		}
		reg.Register(adapters.NewLinkedIn(adapters.LinkedInConfig{
			AccessToken: l.Token,
			Timeout:     timeout,
		}))
	}
	if t := cfg.Adapters.Twitter; t != nil && t.Enabled {
		timeout, err := config.ParseDurationOrDefault("adapters.twitter.timeout", t.Timeout, 30*time.Second)
		if err != nil {
			return err
		}
		reg.Register(adapters.NewTwitter(adapters.TwitterConfig{
			BearerToken: t.BearerToken,
			Timeout:     timeout,
		}))
	}
	return nil
}
