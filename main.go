package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/blindspot/cmd"
	"github.com/smazurov/blindspot/internal/api"
	"github.com/smazurov/blindspot/internal/bridge"
	"github.com/smazurov/blindspot/internal/bus"
	"github.com/smazurov/blindspot/internal/config"
	"github.com/smazurov/blindspot/internal/events"
	"github.com/smazurov/blindspot/internal/hub"
	"github.com/smazurov/blindspot/internal/logging"
	"github.com/smazurov/blindspot/internal/metrics"
	"github.com/smazurov/blindspot/internal/metrics/exporters"
	"github.com/smazurov/blindspot/internal/realtime"
	"github.com/smazurov/blindspot/internal/relay"
	"github.com/smazurov/blindspot/internal/state"
	"github.com/smazurov/blindspot/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Address to listen on" short:"p" default:":3000" toml:"server.port" env:"SERVER_PORT" envalias:"PORT"`

	// Camera settings
	CameraHost           string `help:"Camera host" default:"10.246.144.3" toml:"camera.host" env:"CAMERA_HOST"`
	CameraPort           int    `help:"Camera HTTP port" default:"80" toml:"camera.port" env:"CAMERA_PORT"`
	CameraPath           string `help:"Camera stream path" default:"/stream" toml:"camera.path" env:"CAMERA_PATH"`
	CameraConnectTimeout string `help:"Camera connect timeout" default:"5s" toml:"camera.connect_timeout" env:"CAMERA_CONNECT_TIMEOUT"`

	// Bus settings
	BusDriver          string `help:"Bus driver (mqtt, nats)" default:"mqtt" toml:"bus.driver" env:"BUS_DRIVER"`
	BusBroker          string `help:"Broker URL" default:"tcp://test.mosquitto.org:1883" toml:"bus.broker" env:"BUS_BROKER"`
	BusClientPrefix    string `help:"Client id prefix" default:"blindspot-server" toml:"bus.client_id_prefix" env:"BUS_CLIENT_ID_PREFIX"`
	BusConnectTimeout  string `help:"Broker connect timeout" default:"4s" toml:"bus.connect_timeout" env:"BUS_CONNECT_TIMEOUT"`
	BusEmbedded        bool   `help:"Run an in-process broker and connect to it" default:"false" toml:"bus.embedded" env:"BUS_EMBEDDED"`
	BusEmbeddedAddress string `help:"Listen address of the in-process broker" default:"" toml:"bus.embedded_address" env:"BUS_EMBEDDED_ADDRESS"`

	// Topic settings
	TopicsDistance     string `help:"Distance telemetry topic" default:"SkripsiFuji/blindspot/sensor/distance" toml:"topics.distance" env:"TOPICS_DISTANCE"`
	TopicsLEDStatus    string `help:"LED status topic" default:"SkripsiFuji/blindspot/led_status" toml:"topics.led_status" env:"TOPICS_LED_STATUS"`
	TopicsSensorStatus string `help:"Sensor status topic" default:"SkripsiFuji/blindspot/sensor/status" toml:"topics.sensor_status" env:"TOPICS_SENSOR_STATUS"`
	TopicsCameraStatus string `help:"Camera status topic" default:"SkripsiFuji/blindspot/camera/status" toml:"topics.camera_status" env:"TOPICS_CAMERA_STATUS"`
	TopicsCommands     string `help:"Outbound commands topic" default:"SkripsiFuji/blindspot/web/commands" toml:"topics.commands" env:"TOPICS_COMMANDS"`

	// Hub settings
	HubSessionBuffer int `help:"Per-session event queue length" default:"64" toml:"hub.session_buffer" env:"HUB_SESSION_BUFFER"`

	// Observability settings
	MetricsEnabled bool `help:"Expose Prometheus metrics on /metrics" default:"true" toml:"metrics.enabled" env:"METRICS_ENABLED"`

	// Auth settings
	AuthUsername string `help:"Basic auth username for POST /api/command (empty disables auth)" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingBus      string `help:"Bus logging level" default:"info" toml:"logging.bus" env:"LOGGING_BUS"`
	LoggingBridge   string `help:"Bridge logging level" default:"info" toml:"logging.bridge" env:"LOGGING_BRIDGE"`
	LoggingHub      string `help:"Hub logging level" default:"info" toml:"logging.hub" env:"LOGGING_HUB"`
	LoggingRealtime string `help:"Websocket logging level" default:"info" toml:"logging.realtime" env:"LOGGING_REALTIME"`
	LoggingRelay    string `help:"Relay logging level" default:"info" toml:"logging.relay" env:"LOGGING_RELAY"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

func (o *Options) topics() bridge.Topics {
	return bridge.Topics{
		Distance:     o.TopicsDistance,
		LEDStatus:    o.TopicsLEDStatus,
		SensorStatus: o.TopicsSensorStatus,
		CameraStatus: o.TopicsCameraStatus,
		Commands:     o.TopicsCommands,
	}
}

// app holds the running components.
type app struct {
	logger   *slog.Logger
	eventBus *events.Bus
	broker   bus.Broker
	client   bus.Client
	hub      *hub.Hub
	server   *api.Server
	cancel   context.CancelFunc
}

func newApp(opts *Options, logger *slog.Logger) (*app, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &app{logger: logger, eventBus: events.New(), cancel: cancel}

	bindings, err := bridge.NewBindings(opts.topics())
	if err != nil {
		cancel()
		return nil, err
	}

	busConfig := bus.DefaultConfig()
	busConfig.Driver = opts.BusDriver
	busConfig.Broker = opts.BusBroker
	busConfig.ClientIDPrefix = opts.BusClientPrefix
	if d, parseErr := time.ParseDuration(opts.BusConnectTimeout); parseErr == nil {
		busConfig.ConnectTimeout = d
	}
	busConfig.Topics = bindings.InboundTopics()

	if opts.BusEmbedded {
		broker, brokerErr := bus.NewEmbedded(opts.BusDriver, opts.BusEmbeddedAddress, logging.GetLogger("broker"))
		if brokerErr != nil {
			cancel()
			return nil, brokerErr
		}
		if startErr := broker.Start(); startErr != nil {
			cancel()
			return nil, fmt.Errorf("failed to start embedded broker: %w", startErr)
		}
		a.broker = broker
		busConfig.Broker = broker.URL()
	}

	busConfig.OnStatus = a.busStatus(busConfig.Driver, busConfig.Broker)
	client, err := bus.New(busConfig, logging.GetLogger("bus"))
	if err != nil {
		a.stopBroker()
		cancel()
		return nil, err
	}
	a.client = client

	connectTimeout, err := time.ParseDuration(opts.CameraConnectTimeout)
	if err != nil {
		connectTimeout = 5 * time.Second
	}
	relayHandler, err := relay.New(relay.Config{
		Host:           opts.CameraHost,
		Port:           opts.CameraPort,
		Path:           opts.CameraPath,
		ConnectTimeout: connectTimeout,
	}, logging.GetLogger("relay"))
	if err != nil {
		a.stopBroker()
		cancel()
		return nil, err
	}

	store := state.NewStore()
	a.hub = hub.New(store, hub.Options{SessionBuffer: opts.HubSessionBuffer}, logging.GetLogger("hub"))
	normalizer := bridge.NewNormalizer(bindings, store, a.eventBus, logging.GetLogger("bridge"))
	egress := bridge.NewEgress(bindings, client, a.eventBus, logging.GetLogger("bridge"))

	apiOpts := &api.Options{
		Store:        store,
		Hub:          a.hub,
		EventBus:     a.eventBus,
		Bus:          client,
		Commands:     egress,
		Relay:        relayHandler,
		Realtime:     realtime.NewHandler(a.hub, egress, realtime.DefaultOptions(), logging.GetLogger("realtime")),
		AuthUsername: opts.AuthUsername,
		AuthPassword: opts.AuthPassword,
	}
	if opts.MetricsEnabled {
		apiOpts.PrometheusHandler = exporters.HTTPHandler()
	}
	a.server = api.NewServer(apiOpts)

	go a.hub.Run(ctx, a.eventBus)
	if err := client.Start(ctx); err != nil {
		a.stopBroker()
		cancel()
		return nil, fmt.Errorf("failed to start bus client: %w", err)
	}
	go normalizer.Run(ctx, client.Messages())

	logger.Info("Bridge configured",
		"driver", busConfig.Driver,
		"broker", busConfig.Broker,
		"camera", relayHandler.Target(),
		"topics", len(busConfig.Topics))

	return a, nil
}

func (a *app) busStatus(driver, broker string) bus.StatusFunc {
	return func(connected bool, err error) {
		metrics.SetBusConnected(connected)

		ev := events.BusStatusEvent{
			Driver:    driver,
			Broker:    broker,
			Connected: connected,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err != nil {
			ev.Error = err.Error()
		}
		a.eventBus.Publish(ev)
	}
}

func (a *app) stopBroker() {
	if a.broker != nil {
		a.broker.Stop()
	}
}

// stop tears down in dependency order: sessions first, then HTTP, then the bus.
func (a *app) stop() {
	a.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Error("Error stopping HTTP server", "error", err)
	}

	a.cancel()
	if err := a.client.Close(); err != nil {
		a.logger.Error("Error closing bus connection", "error", err)
	}
	a.stopBroker()
}

// listenAddress accepts a bare port number (PORT=3000, server.port = 3000)
// as well as host:port.
func listenAddress(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return ":3000"
	}
	if _, err := strconv.ParseUint(port, 10, 16); err == nil {
		return ":" + port
	}
	return port
}

func notify(logger *slog.Logger, status string) {
	if sent, err := daemon.SdNotify(false, status); err != nil {
		logger.Warn("Failed to notify systemd", "status", status, "error", err)
	} else if sent {
		logger.Debug("Notified systemd", "status", status)
	}
}

func main() {
	var cli humacli.CLI

	// Create Huma CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system
		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"bus":      opts.LoggingBus,
				"broker":   opts.LoggingBus,
				"bridge":   opts.LoggingBridge,
				"hub":      opts.LoggingHub,
				"realtime": opts.LoggingRealtime,
				"relay":    opts.LoggingRelay,
				"api":      opts.LoggingAPI,
				"http":     opts.LoggingAPI,
			},
		})

		logger := logging.GetLogger("main")

		var running atomic.Pointer[app]

		hooks.OnStart(func() {
			info := version.Get()
			logger.Info("Starting blindspot", "version", info.Version, "commit", info.GitCommit)

			a, err := newApp(opts, logger)
			if err != nil {
				logger.Error("Failed to start", "error", err)
				os.Exit(1)
			}
			running.Store(a)

			addr := listenAddress(opts.Port)
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				logger.Error("Failed to listen", "addr", addr, "error", err)
				a.stop()
				os.Exit(1)
			}

			notify(logger, daemon.SdNotifyReady)

			if serveErr := a.server.Serve(listener); serveErr != nil {
				logger.Error("HTTP server failed", "error", serveErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notify(logger, daemon.SdNotifyStopping)
			if a := running.Load(); a != nil {
				a.stop()
			}
		})
	})

	cli.Root().Use = "blindspot"
	cli.Root().Version = version.Get().String()

	cli.Root().AddCommand(cmd.CreatePublishCmd())
	cli.Root().AddCommand(cmd.CreateTopicsCmd())

	// Run the CLI
	cli.Run()
}
