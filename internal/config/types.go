package config

import (
	"fmt"
	"strings"
)

// Config is the full on-disk configuration.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "24h").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Dedup controls the content fingerprint window.
	Dedup DedupConfig `json:"dedup"`

	// Dispatch controls the worker pool and retry schedule.
	Dispatch DispatchConfig `json:"dispatch"`

	// Rate holds per-platform posting limits.
	Rate RateConfig `json:"rate"`

	API          *APIConfig          `json:"api,omitempty"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
	Compliance   *ComplianceConfig   `json:"compliance,omitempty"`
	Alerts       *AlertsConfig       `json:"alerts,omitempty"`

	Adapters AdaptersConfig `json:"adapters"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DedupConfig controls duplicate suppression.
//
// Scope is "platform" (a fingerprint blocks only platforms it was already
// accepted for) or "global" (any accepted platform blocks all).
type DedupConfig struct {
	Window string `json:"window,omitempty"` // default: "24h"
	Scope  string `json:"scope,omitempty"`  // default: "platform"
}

type DispatchConfig struct {
	Workers      int    `json:"workers,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`

	MaxAttempts    int     `json:"max_attempts,omitempty"`
	BackoffBase    string  `json:"backoff_base,omitempty"`
	BackoffMax     string  `json:"backoff_max,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	AdapterTimeout string  `json:"adapter_timeout,omitempty"`
}

// RateConfig holds the per-platform rolling-window limits.
type RateConfig struct {
	// RefundPermanent returns the quota slot when a platform rejects a post
	// permanently (the post never went out).
	RefundPermanent *bool `json:"refund_permanent,omitempty"` // default: true

	Platforms map[string]PlatformRate `json:"platforms"`
}

type PlatformRate struct {
	Windows []RateWindow `json:"windows"`
	// MinGap is the minimum spacing between consecutive grants.
	MinGap string `json:"min_gap,omitempty"`
}

type RateWindow struct {
	Limit int    `json:"limit"`
	Per   string `json:"per"` // window size, e.g. "1h", "24h"
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8087"

	// Submission throttle applied before any work happens.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type HousekeepingConfig struct {
	Enabled    bool   `json:"enabled"`
	SweepSpec  string `json:"sweep_spec,omitempty"`
	DigestSpec string `json:"digest_spec,omitempty"`

	PostRetention    string `json:"post_retention,omitempty"`
	HistoryRetention string `json:"history_retention,omitempty"`
}

// ComplianceConfig selects the pre-publication content check.
//
// Mode is "rules" (built-in term scan), "remote" (HTTP checker) or "off".
type ComplianceConfig struct {
	Mode    string `json:"mode,omitempty"` // default: "rules"
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// AlertsConfig routes dead-letter and digest notifications to an operator
// Telegram channel. Requires adapters.telegram credentials.
type AlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel"`
}

type AdaptersConfig struct {
	Telegram *TelegramAdapter `json:"telegram,omitempty"`
	LinkedIn *LinkedInAdapter `json:"linkedin,omitempty"`
	Twitter  *TwitterAdapter  `json:"twitter,omitempty"`
}

type TelegramAdapter struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // do not log
	Channel string `json:"channel"`
	Footer  string `json:"footer,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type LinkedInAdapter struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // do not log
	Timeout string `json:"timeout,omitempty"`
}

type TwitterAdapter struct {
	Enabled     bool   `json:"enabled"`
	BearerToken string `json:"bearer_token"` // do not log
	Timeout     string `json:"timeout,omitempty"`
}

// Validate checks structural invariants that the strict decoder cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Dedup.Scope)) {
	case "", "platform", "global":
	default:
		return fmt.Errorf("dedup.scope: must be \"platform\" or \"global\"")
	}
	if _, err := ParseDurationField("dedup.window", cfg.Dedup.Window); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"dispatch.poll_interval", cfg.Dispatch.PollInterval},
		{"dispatch.backoff_base", cfg.Dispatch.BackoffBase},
		{"dispatch.backoff_max", cfg.Dispatch.BackoffMax},
		{"dispatch.adapter_timeout", cfg.Dispatch.AdapterTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if j := cfg.Dispatch.RetryJitter; j < 0 || j >= 1 {
		return fmt.Errorf("dispatch.retry_jitter: must be in [0, 1)")
	}
	if len(cfg.Rate.Platforms) == 0 {
		return fmt.Errorf("rate.platforms: at least one platform is required")
	}
	for name, pr := range cfg.Rate.Platforms {
		if len(pr.Windows) == 0 {
			return fmt.Errorf("rate.platforms.%s: at least one window is required", name)
		}
		for i, w := range pr.Windows {
			if w.Limit <= 0 {
				return fmt.Errorf("rate.platforms.%s.windows[%d]: limit must be > 0", name, i)
			}
			per, err := ParseDurationField(fmt.Sprintf("rate.platforms.%s.windows[%d].per", name, i), w.Per)
			if err != nil {
				return err
			}
			if per <= 0 {
				return fmt.Errorf("rate.platforms.%s.windows[%d]: per must be > 0", name, i)
			}
		}
		if _, err := ParseDurationField(fmt.Sprintf("rate.platforms.%s.min_gap", name), pr.MinGap); err != nil {
			return err
		}
	}
	if cfg.Compliance != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Compliance.Mode)) {
		case "", "rules", "off":
		case "remote":
			if strings.TrimSpace(cfg.Compliance.URL) == "" {
				return fmt.Errorf("compliance.url is required when mode is \"remote\"")
			}
		default:
			return fmt.Errorf("compliance.mode: must be \"rules\", \"remote\" or \"off\"")
		}
	}
	if cfg.Alerts != nil && cfg.Alerts.Enabled {
		if cfg.Adapters.Telegram == nil || strings.TrimSpace(cfg.Adapters.Telegram.Token) == "" {
			return fmt.Errorf("alerts: adapters.telegram.token is required")
		}
		if strings.TrimSpace(cfg.Alerts.Channel) == "" {
			return fmt.Errorf("alerts.channel is required")
		}
	}
	return nil
}
