package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingcore/src/model"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, model.EquityBlended, cfg.Portfolio.EquityMode)
	assert.Equal(t, 3, cfg.Recovery.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, cfg.Recovery.Backoff)

	bn, ok := cfg.Instruments.Table().Lookup(BankNifty)
	require.True(t, ok)
	assert.Equal(t, 35.0, bn.PointValue)
	assert.Equal(t, 270000.0, bn.MarginPerLot)
	assert.Equal(t, 5, bn.PyramidLimit())
}

func TestLoad_OngoingLimitsMayBeStricterThanInitial(t *testing.T) {
	t.Setenv("INSTRUMENT_BANK_NIFTY_ONGOING_RISK_PCT", "0.4")
	t.Setenv("INSTRUMENT_BANK_NIFTY_ONGOING_VOL_PCT", "0.1")

	cfg, err := Load()
	require.NoError(t, err)
	bn := cfg.Instruments.BankNifty
	assert.Equal(t, 0.4, bn.OngoingRiskPercent)
	assert.Equal(t, 0.5, bn.InitialRiskPercent)
	assert.Equal(t, 0.1, bn.OngoingVolPercent)
}

func TestLoad_ZeroMaxPyramidsIsKept(t *testing.T) {
	t.Setenv("INSTRUMENT_GOLD_MINI_MAX_PYRAMIDS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Instruments.GoldMini.PyramidLimit())
	assert.Equal(t, 5, cfg.Instruments.BankNifty.PyramidLimit())
}

func TestLoad_InstrumentOverrideKeepsOtherDefaults(t *testing.T) {
	t.Setenv("INSTRUMENT_GOLD_MINI_MARGIN_PER_LOT", "120000")
	t.Setenv("PORTFOLIO_EQUITY_MODE", "closed")

	cfg, err := Load()
	require.NoError(t, err)

	gm := cfg.Instruments.GoldMini
	assert.Equal(t, GoldMini, gm.Name)
	assert.Equal(t, 120000.0, gm.MarginPerLot)
	assert.Equal(t, 10.0, gm.PointValue)
	assert.Equal(t, model.EquityClosed, cfg.Portfolio.EquityMode)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown equity mode", key: "PORTFOLIO_EQUITY_MODE", value: "leveraged"},
		{name: "blend fraction above one", key: "PORTFOLIO_BLEND_FRACTION", value: "1.5"},
		{name: "age tiers out of order", key: "VALIDATION_AGE_ELEVATED", value: "5s"},
		{name: "pyramid divergence looser than base", key: "VALIDATION_PYRAMID_MAX_DIVERGENCE_PCT", value: "5"},
		{name: "zero attempts", key: "RECOVERY_MAX_ATTEMPTS", value: "0"},
		{name: "negative lot size", key: "INSTRUMENT_BANK_NIFTY_LOT_SIZE", value: "-1"},
		{name: "negative ongoing risk", key: "INSTRUMENT_BANK_NIFTY_ONGOING_RISK_PCT", value: "-0.1"},
		{name: "negative max pyramids", key: "INSTRUMENT_GOLD_MINI_MAX_PYRAMIDS", value: "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestRecoveryConfig_BackoffFor(t *testing.T) {
	rc := RecoveryConfig{Backoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}}

	assert.Equal(t, time.Second, rc.BackoffFor(0))
	assert.Equal(t, 2*time.Second, rc.BackoffFor(1))
	assert.Equal(t, 4*time.Second, rc.BackoffFor(2))
	assert.Equal(t, 4*time.Second, rc.BackoffFor(7))
	assert.Equal(t, time.Duration(0), RecoveryConfig{}.BackoffFor(0))
}
