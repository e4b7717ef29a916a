// Package main provides the entry point for the go-pvs polling service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/api"
	"github.com/sunwatch/go-pvs/internal/config"
	"github.com/sunwatch/go-pvs/internal/coordinator"
	"github.com/sunwatch/go-pvs/internal/domain"
	"github.com/sunwatch/go-pvs/internal/gateway"
	"github.com/sunwatch/go-pvs/internal/health"
	"github.com/sunwatch/go-pvs/internal/pubsub"
	"github.com/sunwatch/go-pvs/internal/scheduler"
	"github.com/sunwatch/go-pvs/internal/service/pvoutput"
	"github.com/sunwatch/go-pvs/internal/store"
	"github.com/sunwatch/go-pvs/internal/tracker"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

// publisher is the outbound surface main wires into the coordinator. Both the
// MQTT publisher and the noop publisher satisfy it.
type publisher interface {
	Connect(ctx context.Context) error
	PublishSnapshot(ctx context.Context, snap *domain.Snapshot) error
	PublishEvent(ctx context.Context, event domain.Event) error
	Close() error
}

// publishingPoller runs a poll cycle and forwards fresh snapshots to the
// publisher and the monitoring service. Cached and sanitized results are not
// re-published.
type publishingPoller struct {
	poller     scheduler.Poller
	pub        publisher
	monitoring domain.MonitoringService
}

func (p *publishingPoller) PollOnce(ctx context.Context) domain.PollResult {
	result := p.poller.PollOnce(ctx)
	if result.Status == domain.PollFresh && result.Snapshot != nil {
		if err := p.pub.PublishSnapshot(ctx, result.Snapshot); err != nil {
			log.Warn().Err(err).Msg("Failed to publish snapshot")
		}
		if err := p.monitoring.Send(ctx, result.Snapshot); err != nil {
			log.Warn().Err(err).Msg("Failed to upload snapshot to monitoring service")
		}
	}
	return result
}

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("go-pvs %s\n", Version)
		return 0
	}

	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-pvs")
	cfg.Print()

	// Probe the supervisor endpoint to learn the firmware build and gateway
	// serial. A failed probe is not fatal; the configured values carry on.
	probeGateway(ctx, cfg)

	// Initialize persistent state
	st, err := store.New(cfg.StateDir)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.StateDir).Msg("Failed to initialize state store")
		return 1
	}
	deviceTracker := tracker.New(st)

	checker := health.NewChecker(cfg.Gateway.Host,
		time.Duration(cfg.Gateway.ProbeTimeout)*time.Second,
		time.Duration(cfg.Gateway.BackoffCooldown)*time.Second)

	// Select the polling protocol from the detected firmware build
	client, fallback, localClient := buildClients(cfg)
	log.Info().Str("protocol", client.Protocol().String()).Msg("Gateway protocol selected")

	coord := coordinator.New(cfg, client, fallback, checker, st, deviceTracker)
	if localClient != nil {
		coord.SetSessionInfo(localClient.Session())
		go localClient.Session().Run(ctx)
	}

	// Initialize MQTT publisher
	var pub publisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			pub = pubsub.NewNoopPublisher()
		} else {
			pub = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		pub = pubsub.NewNoopPublisher()
	}

	// Initialize the PVOutput monitoring service
	var monitoring domain.MonitoringService
	if cfg.PVOutput.Enabled {
		pvoClient := pvoutput.NewClient(cfg)
		if err := pvoClient.Connect(); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize PVOutput client, uploads disabled")
			monitoring = pvoutput.NewNoopClient()
		} else {
			monitoring = pvoClient
			log.Info().Str("system_id", cfg.PVOutput.SystemID).Msg("PVOutput uploads enabled")
		}
	} else {
		monitoring = pvoutput.NewNoopClient()
	}

	coord.SetEventHandler(func(event domain.Event) {
		if err := pub.PublishEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("type", event.Type).Msg("Failed to publish event")
		}
	})

	// Start the HTTP API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, coord)
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start API server")
			return 1
		}
	}

	// Start the poll scheduler
	sched := scheduler.New(cfg, &publishingPoller{poller: coord, pub: pub, monitoring: monitoring})
	sched.Start(ctx)

	log.Info().
		Str("host", cfg.Gateway.Host).
		Msg("go-pvs started successfully")

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	sched.Stop()
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
		}
	}
	if localClient != nil {
		localClient.Close(shutdownCtx)
	}
	if err := pub.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing publisher")
	}
	if err := monitoring.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing monitoring service")
	}

	log.Info().Msg("go-pvs stopped")
	return 0
}

// probeGateway queries the supervisor info endpoint and folds the response
// into the configuration. A build at or above the LocalAPI threshold switches
// the protocol even when the configured build predates it.
func probeGateway(ctx context.Context, cfg *config.Config) {
	info, err := gateway.FetchSupervisorInfo(ctx, cfg.Gateway.Host,
		time.Duration(cfg.Gateway.ProbeTimeout)*time.Second)
	if err != nil {
		log.Warn().Err(err).Msg("Supervisor probe failed, using configured firmware build")
		return
	}

	log.Info().
		Int("build", info.Build).
		Str("serial", info.Serial).
		Msg("Supervisor info probe")

	if cfg.Gateway.Serial == "" && info.Serial != "" {
		cfg.Gateway.Serial = info.Serial
	}
	if info.Build > 0 && info.Build != cfg.Gateway.FirmwareBuild {
		if info.Build >= config.MinLocalAPIBuild && cfg.Gateway.FirmwareBuild < config.MinLocalAPIBuild {
			log.Info().
				Int("old_build", cfg.Gateway.FirmwareBuild).
				Int("new_build", info.Build).
				Msg("Firmware supports LocalAPI, switching protocol")
		}
		cfg.Gateway.FirmwareBuild = info.Build
	}
}

// buildClients selects the primary inventory client for the detected
// firmware. On LocalAPI firmware the legacy client rides along as the
// auth-failure fallback. The concrete LocalAPI client is also returned so the
// caller can wire its session into the coordinator.
func buildClients(cfg *config.Config) (domain.InventoryClient, domain.InventoryClient, *gateway.LocalAPIClient) {
	fetchTimeout := time.Duration(cfg.Gateway.FetchTimeout) * time.Second

	if !cfg.UsesLocalAPI() {
		return gateway.NewLegacyClient(cfg.Gateway.Host, fetchTimeout), nil, nil
	}

	localClient, err := gateway.NewLocalAPIClient(cfg.Gateway.Host, cfg.Gateway.Serial, fetchTimeout)
	if err != nil {
		// Typically a missing or malformed gateway serial. The legacy
		// protocol needs no credential, so degrade rather than exit.
		log.Warn().Err(err).Msg("LocalAPI client unavailable, falling back to legacy protocol")
		return gateway.NewLegacyClient(cfg.Gateway.Host, fetchTimeout), nil, nil
	}
	return localClient, gateway.NewLegacyClient(cfg.Gateway.Host, fetchTimeout), localClient
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
