package scheduler

import (
	"time"

	"github.com/smallbiznis/agentmeter/internal/config"
)

// Config controls scheduler intervals, batch sizes and per-job deadlines.
type Config struct {
	Enabled            bool
	RunInterval        time.Duration
	BatchSize          int
	RolloverTimeout    time.Duration
	OverageSyncTimeout time.Duration
	ReconcileTimeout   time.Duration
	LockTTL            time.Duration
	EnabledJobs        []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		RunInterval:        5 * time.Minute,
		BatchSize:          500,
		RolloverTimeout:    time.Minute,
		OverageSyncTimeout: 5 * time.Minute,
		ReconcileTimeout:   10 * time.Minute,
		LockTTL:            15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RolloverTimeout <= 0 {
		c.RolloverTimeout = defaults.RolloverTimeout
	}
	if c.OverageSyncTimeout <= 0 {
		c.OverageSyncTimeout = defaults.OverageSyncTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	return Config{
		Enabled:            sc.Enabled,
		RunInterval:        sc.RunInterval,
		BatchSize:          sc.BatchSize,
		RolloverTimeout:    sc.RolloverTimeout,
		OverageSyncTimeout: sc.OverageSyncTimeout,
		ReconcileTimeout:   sc.ReconcileTimeout,
		LockTTL:            sc.LockTTL,
		EnabledJobs:        sc.EnabledJobs,
	}.withDefaults()
}
