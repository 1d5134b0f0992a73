package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PricingConfig is the credit cost of one unit of each check type.
type PricingConfig struct {
	SearchRankPerItem        int64 `mapstructure:"searchRankPerItem"`
	LLMVisibilityPerProvider int64 `mapstructure:"llmVisibilityPerProvider"`
	GeoGridPerPoint          int64 `mapstructure:"geoGridPerPoint"`
	ReviewMatchingPerItem    int64 `mapstructure:"reviewMatchingPerItem"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		SearchRankPerItem:        1,
		LLMVisibilityPerProvider: 2,
		GeoGridPerPoint:          1,
		ReviewMatchingPerItem:    1,
	}
}

type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricingHolder returns a holder that never reloads.
func NewStaticPricingHolder(cfg PricingConfig) *PricingConfigHolder {
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPricingConfigHolder(log *zap.Logger) (*PricingConfigHolder, error) {
	log = log.Named("config.pricing")
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/checkledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHECKLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricingConfig()
	v.SetDefault("pricing.searchRankPerItem", defaults.SearchRankPerItem)
	v.SetDefault("pricing.llmVisibilityPerProvider", defaults.LLMVisibilityPerProvider)
	v.SetDefault("pricing.geoGridPerPoint", defaults.GeoGridPerPoint)
	v.SetDefault("pricing.reviewMatchingPerItem", defaults.ReviewMatchingPerItem)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPricingHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Warn("pricing reload failed", zap.Error(err))
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Warn("invalid pricing ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	if cfg.SearchRankPerItem < 0 || cfg.LLMVisibilityPerProvider < 0 ||
		cfg.GeoGridPerPoint < 0 || cfg.ReviewMatchingPerItem < 0 {
		return errors.New("pricing values cannot be negative")
	}
	if cfg.SearchRankPerItem+cfg.LLMVisibilityPerProvider+cfg.GeoGridPerPoint+cfg.ReviewMatchingPerItem == 0 {
		return errors.New("pricing cannot be all zero")
	}
	return nil
}
