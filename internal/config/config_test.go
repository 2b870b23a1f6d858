package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLLING_SEED", "17")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "4000", cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.TokenBackend)

	p := cfg.Policy()
	assert.True(t, p.SmartMode)
	assert.Equal(t, 10, p.ActiveStartHour)
	assert.Equal(t, 22, p.ActiveEndHour)
	assert.Equal(t, 20*time.Minute, p.NormalMin)
	assert.Equal(t, 40*time.Minute, p.NormalMax)
	assert.Equal(t, 8*time.Minute, p.ChargingMin)
	assert.Equal(t, 12*time.Minute, p.ChargingMax)
	assert.Equal(t, 90, p.ChargingTargetPercent)
	assert.Equal(t, 120*time.Minute, p.ScanInterval)
	assert.Equal(t, int64(17), p.Seed)

	ep := cfg.Endpoints()
	assert.Equal(t, cfg.LoginURL, ep.LoginURL)

	assert.False(t, cfg.MQTTEnabled)
	m := cfg.MQTT()
	assert.Equal(t, "localhost", m.Broker)
	assert.Equal(t, 1883, m.Port)
	assert.Equal(t, "lynkgazer", m.TopicPrefix)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SMART_POLLING_ENABLED", "false")
	t.Setenv("SCAN_INTERVAL", "60")
	t.Setenv("DARK_HOURS_START", "23")
	t.Setenv("DARK_HOURS_END", "6")
	t.Setenv("HTTP_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	p := cfg.Policy()
	assert.False(t, p.SmartMode)
	assert.Equal(t, time.Hour, p.ScanInterval)
	assert.Equal(t, 23, p.DarkStartHour)
	assert.Equal(t, 6, p.DarkEndHour)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"scan interval too small", "SCAN_INTERVAL", "5"},
		{"scan interval too large", "SCAN_INTERVAL", "2000"},
		{"target above 100", "CHARGING_TARGET_PERCENT", "120"},
		{"hour out of range", "DARK_HOURS_END", "24"},
		{"window inverted", "ACTIVE_HOURS_START", "23"},
		{"normal range inverted", "NORMAL_INTERVAL_MIN", "50"},
		{"unknown token backend", "TOKEN_BACKEND", "redis"},
		{"mqtt port out of range", "MQTT_PORT", "70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
