// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sunwatch/go-pvs/internal/domain"
)

//go:embed layouts/pvs_sensors.yaml
var pvsSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceManufacturer string
	RetainDiscovery    bool
}

// SensorConfig represents a sensor definition from the layouts YAML. An empty
// DeviceTypes list means the sensor applies to any device exposing the field.
type SensorConfig struct {
	Name              string   `yaml:"name"`
	DeviceClass       string   `yaml:"device_class,omitempty"`
	UnitOfMeasurement string   `yaml:"unit_of_measurement,omitempty"`
	StateClass        string   `yaml:"state_class,omitempty"`
	Category          string   `yaml:"category"`
	Icon              string   `yaml:"icon,omitempty"`
	DeviceTypes       []string `yaml:"device_types,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	ValueTemplate     string     `json:"value_template"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
	Device            DeviceInfo `json:"device"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery generates Home Assistant discovery and state topics for the
// devices in a snapshot. State is published per device, so each sensor's value
// template indexes into that device's own JSON document.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
}

// New creates a new Home Assistant auto-discovery instance. baseTopic is the
// MQTT data topic per-device state topics hang off of.
func New(config Config, baseTopic string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
	}

	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}
	return ad, nil
}

// loadLayoutConfig loads the sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(pvsSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal sensor layout config: %w", err)
	}

	ad.layoutConfig = &config
	log.Info().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// StateTopic returns the per-device state topic for a serial.
func (ad *AutoDiscovery) StateTopic(serial string) string {
	return fmt.Sprintf("%s/device/%s", ad.baseTopic, serial)
}

// GenerateDiscoveryMessages generates the discovery messages for one device
// record, keyed by discovery topic. Only fields present on the record and
// applicable to its device type produce a message.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(dev domain.DeviceRecord) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	for fieldName, sensorConfig := range ad.layoutConfig.Sensors {
		if !ad.appliesTo(sensorConfig, dev.Type) {
			continue
		}
		if fieldName != "state" {
			if _, exists := dev.Fields[fieldName]; !exists {
				continue
			}
		}

		topic := ad.getDiscoveryTopic(dev.Serial, fieldName)
		messages[topic] = ad.createDiscoveryMessage(fieldName, sensorConfig, dev)
	}

	return messages
}

// appliesTo checks whether a sensor definition covers the given device type.
func (ad *AutoDiscovery) appliesTo(sensorConfig SensorConfig, deviceType string) bool {
	if len(sensorConfig.DeviceTypes) == 0 {
		return true
	}
	for _, dt := range sensorConfig.DeviceTypes {
		if dt == deviceType {
			return true
		}
	}
	return false
}

// createDiscoveryMessage creates a discovery message for one sensor of a device.
func (ad *AutoDiscovery) createDiscoveryMessage(fieldName string, sensorConfig SensorConfig, dev domain.DeviceRecord) DiscoveryMessage {
	nodeID := ad.nodeID(dev.Serial)

	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	deviceInfo := DeviceInfo{
		Identifiers:  []string{dev.Serial},
		Name:         fmt.Sprintf("%s %s", dev.Type, dev.Serial),
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        dev.Model,
		SwVersion:    dev.SWVersion,
	}

	return DiscoveryMessage{
		Name:              sensorConfig.Name,
		UniqueID:          fmt.Sprintf("%s_%s", nodeID, fieldName),
		StateTopic:        ad.StateTopic(dev.Serial),
		ValueTemplate:     ad.getValueTemplate(fieldName),
		DeviceClass:       sensorConfig.DeviceClass,
		UnitOfMeasurement: sensorConfig.UnitOfMeasurement,
		StateClass:        sensorConfig.StateClass,
		Icon:              sensorConfig.Icon,
		EntityCategory:    entityCategory,
		Device:            deviceInfo,
	}
}

// getValueTemplate builds the template extracting this sensor's value from the
// per-device state document. Measurement fields live under "fields"; the
// device state string is top-level.
func (ad *AutoDiscovery) getValueTemplate(fieldName string) string {
	if fieldName == "state" {
		return "{{ value_json.state }}"
	}
	return fmt.Sprintf("{{ value_json.fields.%s }}", fieldName)
}

// getDiscoveryTopic generates the MQTT discovery topic for one sensor.
// Home Assistant discovery topic format:
// <discovery_prefix>/sensor/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(serial, fieldName string) string {
	nodeID := ad.nodeID(serial)
	objectID := fmt.Sprintf("%s_%s", nodeID, fieldName)
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, nodeID, objectID)
}

// nodeID normalizes a serial into a discovery-topic-safe node identifier.
func (ad *AutoDiscovery) nodeID(serial string) string {
	nodeID := strings.ReplaceAll(serial, " ", "_")
	return strings.ToLower(nodeID)
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove a
// device's sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(serial string, fieldNames []string) map[string]string {
	messages := make(map[string]string)
	for _, fieldName := range fieldNames {
		topic := ad.getDiscoveryTopic(serial, fieldName)
		messages[topic] = "" // Empty payload removes the entity
	}
	return messages
}
