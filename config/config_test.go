package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		tf      string
		want    time.Duration
		wantErr bool
	}{
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"15m", 15 * time.Minute, false},
		{"1d", 24 * time.Hour, false},
		{"", 0, true},
		{"m", 0, true},
		{"5x", 0, true},
		{"0m", 0, true},
		{"-5m", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeframe(tt.tf)
		if tt.wantErr {
			assert.Error(t, err, tt.tf)
		} else {
			require.NoError(t, err, tt.tf)
			assert.Equal(t, tt.want, got, tt.tf)
		}
	}
}

func TestLoadDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/trader")
	t.Setenv("TRADING_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")
	t.Setenv("TRADING_CYCLE_INTERVAL", "45s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/trader", cfg.DatabaseConfig.URL)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, cfg.TradingConfig.Symbols)
	assert.Equal(t, 45*time.Second, cfg.TradingConfig.CycleInterval)
	assert.Equal(t, "debug", cfg.LoggingConfig.Level)

	// Defaults fill what the environment left unset.
	assert.Equal(t, "5m", cfg.TradingConfig.Timeframe)
	assert.Equal(t, 10000.0, cfg.TradingConfig.StartingCash)
	assert.Equal(t, 0.005, cfg.RiskConfig.RiskPerTrade)
	assert.Equal(t, 0.02, cfg.RiskConfig.MaxExposure)
	assert.Equal(t, 2.0, cfg.RiskConfig.FeeBps)
	assert.Equal(t, "https://api.binance.com", cfg.ExchangeConfig.BaseURL)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsBadRisk(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.DatabaseConfig.URL = "postgres://localhost/x"

	cfg.RiskConfig.RiskPerTrade = 1.5
	assert.Error(t, cfg.Validate())

	cfg.RiskConfig.RiskPerTrade = 0.005
	cfg.RiskConfig.MaxExposure = -1
	assert.Error(t, cfg.Validate())
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV("a,b"))
	assert.Equal(t, []string{"a"}, splitCSV("a"))
	assert.Equal(t, []string{"a", "b"}, splitCSV("a,,b"))
	assert.Nil(t, splitCSV(""))
}
