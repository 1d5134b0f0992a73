package orchestrator

import (
	"time"

	"github.com/smallbiznis/checkledger/internal/config"
)

// Config bounds the work a single pass does on one run.
type Config struct {
	PassBudget       time.Duration
	Lease            time.Duration
	MaxChecksPerPass int
}

func DefaultConfig() Config {
	return Config{
		PassBudget:       50 * time.Second,
		Lease:            2 * time.Minute,
		MaxChecksPerPass: 200,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PassBudget <= 0 {
		c.PassBudget = defaults.PassBudget
	}
	if c.Lease <= 0 {
		c.Lease = defaults.Lease
	}
	if c.MaxChecksPerPass <= 0 {
		c.MaxChecksPerPass = defaults.MaxChecksPerPass
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		PassBudget:       cfg.Dispatch.PassBudget,
		Lease:            cfg.Dispatch.Lease,
		MaxChecksPerPass: cfg.Dispatch.MaxChecksPerPass,
	}
}
