package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePricingConfig(t *testing.T) {
	require.NoError(t, validatePricingConfig(DefaultPricingConfig()))

	negative := DefaultPricingConfig()
	negative.GeoGridPerPoint = -1
	assert.Error(t, validatePricingConfig(negative))

	assert.Error(t, validatePricingConfig(PricingConfig{}))
}

func TestStaticPricingHolder(t *testing.T) {
	cfg := PricingConfig{SearchRankPerItem: 3}
	holder := NewStaticPricingHolder(cfg)
	assert.Equal(t, cfg, holder.Get())
}

func TestGetenvDuration(t *testing.T) {
	t.Setenv("CHECKLEDGER_TEST_DURATION", "90")
	assert.Equal(t, "1m30s", getenvDuration("CHECKLEDGER_TEST_DURATION", 0).String())

	t.Setenv("CHECKLEDGER_TEST_DURATION", "2m")
	assert.Equal(t, "2m0s", getenvDuration("CHECKLEDGER_TEST_DURATION", 0).String())

	t.Setenv("CHECKLEDGER_TEST_DURATION", "soon")
	assert.Equal(t, "5s", getenvDuration("CHECKLEDGER_TEST_DURATION", 5_000_000_000).String())
}
