package dispatcher

import (
	"time"

	"github.com/smallbiznis/checkledger/internal/config"
)

// Config controls a single dispatch pass.
type Config struct {
	Lease             time.Duration
	RecoveryThreshold time.Duration
	// OverlapLock skips a pass while another process holds the redis dispatch lock.
	OverlapLock bool
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lease:             2 * time.Minute,
		RecoveryThreshold: 15 * time.Minute,
		LockTTL:           time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Lease <= 0 {
		c.Lease = defaults.Lease
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Lease:             cfg.Dispatch.Lease,
		RecoveryThreshold: cfg.Dispatch.RecoveryThreshold,
		OverlapLock:       cfg.Dispatch.OverlapLock,
		LockTTL:           cfg.Dispatch.PassBudget + 10*time.Second,
	}
}
