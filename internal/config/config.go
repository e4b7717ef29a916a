// Package config provides configuration management for the go-pvs application.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Polling interval bounds in seconds. The legacy protocol floor protects
// older, more fragile firmware; any configuration with storage devices
// present enforces the storage floor regardless of protocol, because the
// vendor documents energy-storage polling as more expensive.
const (
	MinPollIntervalLegacy   = 60
	MinPollIntervalLocalAPI = 10
	MinPollIntervalStorage  = 20
	MaxPollInterval         = 3600
)

// MinLocalAPIBuild is the firmware build at which the gateway switches to the
// session-authenticated LocalAPI protocol.
const MinLocalAPIBuild = 61840

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	StateDir string `mapstructure:"state_dir"`

	// Gateway settings
	Gateway struct {
		Host            string `mapstructure:"host"`
		Serial          string `mapstructure:"serial"`
		FirmwareBuild   int    `mapstructure:"firmware_build"`
		PollInterval    int    `mapstructure:"poll_interval_seconds"`
		PollingEnabled  bool   `mapstructure:"polling_enabled"`
		ProbeTimeout    int    `mapstructure:"probe_timeout_seconds"`
		FetchTimeout    int    `mapstructure:"fetch_timeout_seconds"`
		BackoffCooldown int    `mapstructure:"backoff_cooldown_seconds"`
	} `mapstructure:"gateway"`

	// Nighttime sanitization settings
	Night struct {
		Enabled   bool `mapstructure:"enabled"`
		StartHour int  `mapstructure:"start_hour"`
		EndHour   int  `mapstructure:"end_hour"`
	} `mapstructure:"night"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled    bool   `mapstructure:"enabled"`
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port"`
		Username   string `mapstructure:"username"`
		Password   string `mapstructure:"password"`
		Topic      string `mapstructure:"topic"`
		EventTopic string `mapstructure:"event_topic"`
		Retain     bool   `mapstructure:"retain"`

		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_auto_discovery"`
	} `mapstructure:"mqtt"`

	// PVOutput.org upload settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
		UseInverterTemp    bool   `mapstructure:"use_inverter_temp"`
	} `mapstructure:"pvoutput"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
		StateDir: "./state",
	}

	// Default gateway settings
	cfg.Gateway.Host = "172.27.153.1"
	cfg.Gateway.PollInterval = 300
	cfg.Gateway.PollingEnabled = true
	cfg.Gateway.ProbeTimeout = 5
	cfg.Gateway.FetchTimeout = 90
	cfg.Gateway.BackoffCooldown = 60

	// Default nighttime sanitization window (local hours)
	cfg.Night.Enabled = true
	cfg.Night.StartHour = 21
	cfg.Night.EndHour = 6

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/pvs"
	cfg.MQTT.EventTopic = "energy/pvs/events"
	cfg.MQTT.Retain = false
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "SunPower"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.UpdateLimitMinutes = 5
	cfg.PVOutput.UseInverterTemp = false

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("GOPVS")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// UsesLocalAPI reports whether the detected firmware build selects the
// session-authenticated protocol. Centralized here so the build threshold
// check is not scattered across callers.
func (c *Config) UsesLocalAPI() bool {
	return c.Gateway.FirmwareBuild >= MinLocalAPIBuild
}

// ClampPollInterval applies the per-protocol and storage floors to the
// configured interval and returns the effective duration.
func (c *Config) ClampPollInterval(hasStorage bool) time.Duration {
	interval := c.Gateway.PollInterval

	floor := MinPollIntervalLegacy
	if c.UsesLocalAPI() {
		floor = MinPollIntervalLocalAPI
	}
	if hasStorage && floor < MinPollIntervalStorage {
		floor = MinPollIntervalStorage
	}

	if interval < floor {
		interval = floor
	}
	if interval > MaxPollInterval {
		interval = MaxPollInterval
	}
	return time.Duration(interval) * time.Second
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-pvs Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("state_dir", c.StateDir).Msg("State Directory")

	logger.Info().
		Str("host", c.Gateway.Host).
		Int("firmware_build", c.Gateway.FirmwareBuild).
		Int("poll_interval", c.Gateway.PollInterval).
		Bool("polling_enabled", c.Gateway.PollingEnabled).
		Bool("uses_localapi", c.UsesLocalAPI()).
		Msg("Gateway")

	logger.Info().
		Bool("enabled", c.Night.Enabled).
		Int("start_hour", c.Night.StartHour).
		Int("end_hour", c.Night.EndHour).
		Msg("Night Sanitization")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Str("event_topic", c.MQTT.EventTopic).
			Bool("ha_discovery", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
