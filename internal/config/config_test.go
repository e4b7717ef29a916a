package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "./state", cfg.StateDir)

	// Gateway defaults
	assert.Equal(t, "172.27.153.1", cfg.Gateway.Host)
	assert.Equal(t, 300, cfg.Gateway.PollInterval)
	assert.Equal(t, true, cfg.Gateway.PollingEnabled)
	assert.Equal(t, 5, cfg.Gateway.ProbeTimeout)
	assert.Equal(t, 90, cfg.Gateway.FetchTimeout)
	assert.Equal(t, 60, cfg.Gateway.BackoffCooldown)
	assert.Equal(t, 0, cfg.Gateway.FirmwareBuild)

	// Night defaults
	assert.Equal(t, true, cfg.Night.Enabled)
	assert.Equal(t, 21, cfg.Night.StartHour)
	assert.Equal(t, 6, cfg.Night.EndHour)

	// API defaults
	assert.Equal(t, true, cfg.API.Enabled)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 8080, cfg.API.Port)

	// MQTT defaults
	assert.Equal(t, false, cfg.MQTT.Enabled)
	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "energy/pvs", cfg.MQTT.Topic)
	assert.Equal(t, "energy/pvs/events", cfg.MQTT.EventTopic)
	assert.Equal(t, false, cfg.MQTT.Retain)
	assert.Equal(t, false, cfg.MQTT.HomeAssistantAutoDiscovery.Enabled)
	assert.Equal(t, "homeassistant", cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)
	assert.Equal(t, "SunPower", cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer)

	// PVOutput defaults
	assert.Equal(t, false, cfg.PVOutput.Enabled)
	assert.Equal(t, 5, cfg.PVOutput.UpdateLimitMinutes)
}

func TestLoadConfigWithNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent_config.yaml")

	// Should error when file doesn't exist
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigWithValidYAML(t *testing.T) {
	// Create a temporary config file
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
log_level: debug
state_dir: /var/lib/go-pvs
gateway:
  host: 192.168.1.50
  serial: ZT01234567890ABCDE
  firmware_build: 61850
  poll_interval_seconds: 120
  polling_enabled: false
  probe_timeout_seconds: 2
  fetch_timeout_seconds: 30
  backoff_cooldown_seconds: 45
night:
  enabled: false
  start_hour: 22
  end_hour: 5
api:
  enabled: false
  host: 127.0.0.1
  port: 9000
mqtt:
  enabled: true
  host: mqtt.example.com
  port: 8883
  username: testuser
  password: testpass
  topic: test/pvs
  event_topic: test/pvs/events
  retain: true
`

	err := os.WriteFile(configFile, []byte(configContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(configFile)
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Verify loaded values
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/go-pvs", cfg.StateDir)

	// Gateway config
	assert.Equal(t, "192.168.1.50", cfg.Gateway.Host)
	assert.Equal(t, "ZT01234567890ABCDE", cfg.Gateway.Serial)
	assert.Equal(t, 61850, cfg.Gateway.FirmwareBuild)
	assert.Equal(t, 120, cfg.Gateway.PollInterval)
	assert.Equal(t, false, cfg.Gateway.PollingEnabled)
	assert.Equal(t, 2, cfg.Gateway.ProbeTimeout)
	assert.Equal(t, 30, cfg.Gateway.FetchTimeout)
	assert.Equal(t, 45, cfg.Gateway.BackoffCooldown)

	// Night config
	assert.Equal(t, false, cfg.Night.Enabled)
	assert.Equal(t, 22, cfg.Night.StartHour)
	assert.Equal(t, 5, cfg.Night.EndHour)

	// API config
	assert.Equal(t, false, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, 9000, cfg.API.Port)

	// MQTT config
	assert.Equal(t, true, cfg.MQTT.Enabled)
	assert.Equal(t, "mqtt.example.com", cfg.MQTT.Host)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "testuser", cfg.MQTT.Username)
	assert.Equal(t, "testpass", cfg.MQTT.Password)
	assert.Equal(t, "test/pvs", cfg.MQTT.Topic)
	assert.Equal(t, "test/pvs/events", cfg.MQTT.EventTopic)
	assert.Equal(t, true, cfg.MQTT.Retain)
}

func TestLoadConfigWithInvalidYAML(t *testing.T) {
	// Create a temporary invalid config file
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid_config.yaml")

	invalidContent := `
invalid: yaml: content: [
`

	err := os.WriteFile(configFile, []byte(invalidContent), 0o644)
	require.NoError(t, err)

	_, err = Load(configFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestUsesLocalAPI(t *testing.T) {
	cfg := DefaultConfig()

	// No firmware build detected yet
	assert.False(t, cfg.UsesLocalAPI())

	cfg.Gateway.FirmwareBuild = MinLocalAPIBuild - 1
	assert.False(t, cfg.UsesLocalAPI())

	cfg.Gateway.FirmwareBuild = MinLocalAPIBuild
	assert.True(t, cfg.UsesLocalAPI())

	cfg.Gateway.FirmwareBuild = 61850
	assert.True(t, cfg.UsesLocalAPI())
}

func TestClampPollInterval(t *testing.T) {
	tests := []struct {
		name          string
		firmwareBuild int
		interval      int
		hasStorage    bool
		expected      time.Duration
	}{
		{"legacy below floor", 0, 5, false, 60 * time.Second},
		{"legacy at floor", 0, 60, false, 60 * time.Second},
		{"legacy above floor", 0, 300, false, 300 * time.Second},
		{"localapi below floor", 61850, 5, false, 10 * time.Second},
		{"localapi above floor", 61850, 15, false, 15 * time.Second},
		{"localapi with storage", 61850, 15, true, 20 * time.Second},
		{"localapi with storage above floor", 61850, 30, true, 30 * time.Second},
		{"legacy with storage keeps legacy floor", 0, 5, true, 60 * time.Second},
		{"above ceiling", 61850, 7200, false, 3600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Gateway.FirmwareBuild = tt.firmwareBuild
			cfg.Gateway.PollInterval = tt.interval

			assert.Equal(t, tt.expected, cfg.ClampPollInterval(tt.hasStorage))
		})
	}
}

func TestPrint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.MQTT.Enabled = true

	// This test mainly ensures Print() doesn't panic
	assert.NotPanics(t, func() {
		cfg.Print()
	})
}
