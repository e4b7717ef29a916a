// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/config"
	"github.com/sunwatch/go-pvs/internal/domain"
	"github.com/sunwatch/go-pvs/internal/homeassistant"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// PublishSnapshot is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishSnapshot(_ context.Context, _ *domain.Snapshot) error {
	return nil
}

// PublishEvent is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishEvent(_ context.Context, _ domain.Event) error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	connected     bool
	logger        zerolog.Logger
	clientFactory func(*config.Config) mqtt.Client

	haDiscovery       *homeassistant.AutoDiscovery
	discoveredSensors map[string]bool
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	return &MQTTPublisher{
		config: cfg,
		client: client,
		logger: log.With().Str("component", "mqtt").Logger(),
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-pvs-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false)

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.client == nil {
		p.client = p.clientFactory(p.config)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.connected = true
	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")
	return nil
}

// Publish sends data to the specified topic as JSON.
func (p *MQTTPublisher) Publish(_ context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled {
		return nil
	}
	if !p.connected || p.client == nil {
		return fmt.Errorf("not connected to MQTT broker")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	token := p.client.Publish(topic, 0, p.config.MQTT.Retain, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}

	p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published message")
	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.connected {
		p.client.Disconnect(250)
		p.connected = false
		p.logger.Info().Msg("Disconnected from MQTT broker")
	}
	return nil
}

// PublishSnapshot publishes a snapshot to the configured data topic, and when
// Home Assistant auto-discovery is enabled also fans each device out to its
// own state topic along with discovery configs for newly seen sensors.
func (p *MQTTPublisher) PublishSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil {
		return nil
	}
	if err := p.Publish(ctx, p.config.MQTT.Topic, map[string]interface{}{
		"fetched_at": snap.FetchedAt,
		"source":     snap.Source.String(),
		"protocol":   snap.Protocol.String(),
		"devices":    snap.Devices,
	}); err != nil {
		return err
	}

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		return p.publishDeviceStates(ctx, snap)
	}
	return nil
}

// publishDeviceStates publishes per-device state documents and, once per
// sensor, the Home Assistant discovery config announcing it.
func (p *MQTTPublisher) publishDeviceStates(ctx context.Context, snap *domain.Snapshot) error {
	if p.haDiscovery == nil {
		haConfig := homeassistant.Config{
			Enabled:            true,
			DiscoveryPrefix:    p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix,
			DeviceManufacturer: p.config.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer,
			RetainDiscovery:    p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery,
		}
		discovery, err := homeassistant.New(haConfig, p.config.MQTT.Topic)
		if err != nil {
			return fmt.Errorf("failed to set up Home Assistant discovery: %w", err)
		}
		p.haDiscovery = discovery
		p.discoveredSensors = make(map[string]bool)
	}

	for i := range snap.Devices {
		dev := &snap.Devices[i]

		for topic, message := range p.haDiscovery.GenerateDiscoveryMessages(*dev) {
			if p.discoveredSensors[topic] {
				continue
			}
			if err := p.publishDiscovery(topic, message); err != nil {
				return err
			}
			p.discoveredSensors[topic] = true
		}

		if err := p.Publish(ctx, p.haDiscovery.StateTopic(dev.Serial), dev); err != nil {
			return err
		}
	}
	return nil
}

// publishDiscovery publishes one discovery config, honoring the discovery
// retain flag rather than the data retain flag.
func (p *MQTTPublisher) publishDiscovery(topic string, message homeassistant.DiscoveryMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery message: %w", err)
	}

	token := p.client.Publish(topic, 0, p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish discovery to %s: %w", topic, token.Error())
	}

	p.logger.Debug().Str("topic", topic).Msg("Published discovery config")
	return nil
}

// PublishEvent publishes a discrete event to the configured event topic.
func (p *MQTTPublisher) PublishEvent(ctx context.Context, event domain.Event) error {
	return p.Publish(ctx, p.config.MQTT.EventTopic, event)
}
