package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `
kline:
  interval: "1m"
  history_size: 200
  warmup_size: 120

indicators:
  atr_period: 14
  stddev_period: 20
  volume_ma_period: 20
  bb_period: 20
  bb_std_multiplier: 2.0
  rsi_period: 14
  ema_fast_period: 12
  ema_slow_period: 26
  oi_ma_period: 20
  oi_momentum_period: 5
  oi_divergence_window: 5
  long_wick_ratio_threshold: 0.6

open_interest:
  enabled: true
  history_size: 120

alert:
  cooldown_minutes: 15
  send_delay_seconds: 5
  max_batch_size: 20

websocket:
  base_url: "wss://fstream.binance.com"
  reconnect_delay: 5
  max_reconnect_attempts: 10
  max_streams_per_connection: 200

api:
  base_url: "https://fapi.binance.com"
  timeout: 10
  retry_times: 3

symbols:
  update_interval_minutes: 60

agent:
  simulator:
    initial_balance: 10000
    taker_fee_rate: 0.0005
    max_leverage: 20

trading:
  mode: "live"
  symbol: "BTCUSDT"
  reconcile_interval: 5

env:
  binance_api_key: "${TEST_BINANCE_API_KEY}"
  binance_api_secret: "${TEST_BINANCE_SECRET_KEY}"
  log_level: "INFO"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_BINANCE_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BINANCE_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_BINANCE_API_KEY")
	defer os.Unsetenv("TEST_BINANCE_SECRET_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("test_api_key_from_env"), cfg.Env.BinanceAPIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), cfg.Env.BinanceAPISecret)
}

func TestLoadConfigMissingLiveCredentials(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `
kline:
  interval: "1m"
  history_size: 200
  warmup_size: 120
symbols:
  update_interval_minutes: 60
trading:
  mode: "live"
  symbol: "BTCUSDT"
  reconcile_interval: 5
env:
  log_level: "INFO"
`
	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name())
	require.Error(t, err, "live mode without credentials must fail validation")
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Env.BinanceAPIKey = Secret("my_super_secret_api_key")
	cfg.Env.BinanceAPISecret = Secret("my_super_secret_secret_key")

	output := cfg.String()

	assert.Contains(t, output, "REDACTED")
	assert.NotContains(t, output, "my_super_secret_api_key")
	assert.NotContains(t, output, "my_super_secret_secret_key")
}
