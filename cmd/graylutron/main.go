// Gray Logic Lutron Bridge
//
// This is the main entry point for the Gray Logic Lutron bridge, the
// protocol adapter between a Lutron lighting controller and the Gray
// Logic MQTT bus. It is designed for:
//   - Multi-decade deployment stability
//   - Offline-first operation (99%+ functionality without internet)
//   - Zero vendor lock-in on the automation layer
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-lutron/migrations"

	"github.com/nerrad567/gray-logic-lutron/internal/bridges/lip"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Lutron bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Load the device map before opening any connections: a broken map
	// is a configuration error, not a runtime condition.
	deviceMap, err := lip.LoadDeviceMap(cfg.Bridge.DevicesFile)
	if err != nil {
		return fmt.Errorf("loading device map: %w", err)
	}
	log.Info("device map loaded",
		"path", cfg.Bridge.DevicesFile,
		"devices", len(deviceMap.Devices),
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Start the discovery recorder
	recorder := lip.NewDiscoveryRecorder(db.DB)
	recorder.SetLogger(log)
	if startErr := recorder.Start(); startErr != nil {
		return fmt.Errorf("starting discovery recorder: %w", startErr)
	}
	defer func() {
		log.Info("stopping discovery recorder")
		recorder.Stop()
	}()

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Set up MQTT logging callbacks
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to the Lutron controller and start its supervisor
	lutronClient, err := startLutron(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("starting Lutron client: %w", err)
	}
	defer func() {
		log.Info("stopping Lutron client")
		lutronClient.Stop()
	}()

	// Start the MQTT translation bridge
	bridge, err := startBridge(ctx, cfg, deviceMap, lutronClient, mqttClient, recorder, influxClient, log)
	if err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	// Populate initial state for every mapped output
	bridge.QueryAll()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Bridge (publishes "stopping" health)
	// 2. Lutron client
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Discovery recorder
	// 6. Database

	log.Info("Gray Logic Lutron bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLUTRON_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLUTRON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Lutron session health is supervised continuously by the client's
	// keepalive monitor; the bridge reports it through health messages.

	return nil
}

// startLutron creates the controller client, performs the initial
// connection, and launches the reconnect supervisor.
//
// Parameters:
//   - ctx: Context for connection/cancellation
//   - cfg: Application configuration
//   - log: Logger instance
//
// Returns:
//   - *lip.Client: Running controller client
//   - error: If the client cannot be created or the first connect fails
func startLutron(ctx context.Context, cfg *config.Config, log *logging.Logger) (*lip.Client, error) {
	client, err := lip.NewClient(lip.ClientConfig{
		Host:              cfg.Lutron.Host,
		Port:              cfg.Lutron.Port,
		Username:          cfg.Lutron.Username,
		Password:          cfg.Lutron.Password,
		ConnectTimeout:    time.Duration(cfg.Lutron.ConnectTimeout) * time.Second,
		LoginTimeout:      time.Duration(cfg.Lutron.LoginTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.Lutron.ReadTimeout) * time.Second,
		KeepaliveInterval: time.Duration(cfg.Lutron.KeepaliveInterval) * time.Second,
		LivenessTimeout:   time.Duration(cfg.Lutron.LivenessTimeout) * time.Second,
		ReconnectBase:     time.Duration(cfg.Lutron.Reconnect.BaseDelay) * time.Second,
		ReconnectCap:      time.Duration(cfg.Lutron.Reconnect.MaxDelay) * time.Second,
		StabilityWindow:   time.Duration(cfg.Lutron.Reconnect.StabilityWindow) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	client.SetLogger(log)

	log.Info("connecting to Lutron controller", "controller", cfg.Lutron.String())

	// A controller that is down at boot is not fatal: Connect leaves the
	// client in the reconnecting state and Run retries with backoff.
	if err := client.Connect(ctx); err != nil {
		log.Warn("initial controller connection failed, supervisor will retry", "error", err)
	} else {
		log.Info("Lutron controller connected")
	}

	// The supervisor owns the session from here: it reconnects with
	// backoff on any failure until Stop or context cancellation.
	go func() {
		if runErr := client.Run(ctx); runErr != nil {
			log.Error("Lutron supervisor exited", "error", runErr)
		}
	}()

	return client, nil
}

// startBridge wires the translation bridge to MQTT, the controller,
// the discovery recorder, and optional telemetry.
func startBridge(ctx context.Context, cfg *config.Config, deviceMap *lip.DeviceMap, lutronClient *lip.Client, mqttClient *mqtt.Client, recorder *lip.DiscoveryRecorder, influxClient *influxdb.Client, log *logging.Logger) (*lip.Bridge, error) {
	// Adapt the infrastructure MQTT client to the bridge interface
	mqttAdapter := &mqttBridgeAdapter{client: mqttClient}

	opts := lip.BridgeOptions{
		BridgeID:       cfg.Bridge.ID,
		Version:        version,
		Host:           fmt.Sprintf("%s:%d", cfg.Lutron.Host, cfg.Lutron.Port),
		HealthInterval: cfg.GetHealthInterval(),
		DeviceMap:      deviceMap,
		MQTTClient:     mqttAdapter,
		Lutron:         lutronClient,
		Logger:         log,
		Recorder:       recorder,
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}

	bridge, err := lip.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("bridge started", "bridge_id", cfg.Bridge.ID)

	return bridge, nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The only difference is the Subscribe handler
// signature:
//   - Infrastructure mqtt: func(topic string, payload []byte) error
//   - Bridge expects:      func(topic string, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements lip.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements lip.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (bridge handlers don't return errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements lip.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
