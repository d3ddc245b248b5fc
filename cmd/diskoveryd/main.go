// diskoveryd bridges a Diskovery spinning-disk confocal controller to the
// Gray Logic bus.
//
// It owns the serial link to the controller, mirrors its state to MQTT,
// records every change to a local SQLite history, optionally streams
// telemetry to InfluxDB, and serves a REST + WebSocket API.
//
// Usage:
//
//	diskoveryd              run the daemon (config from GRAYLOGIC_CONFIG)
//	diskoveryd ports        list serial ports
//	diskoveryd token [-subject s] [-role operator|viewer] [-ttl 24h]
//	diskoveryd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/api"
	"github.com/nerrad567/gray-logic-diskovery/internal/auth"
	"github.com/nerrad567/gray-logic-diskovery/internal/bridge"
	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
	"github.com/nerrad567/gray-logic-diskovery/internal/history"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-diskovery/internal/infrastructure/serialport"
	"github.com/nerrad567/gray-logic-diskovery/migrations"
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

	var err error
	if len(os.Args) > 1 {
		err = runCommand(os.Args[1], os.Args[2:], os.Stdout)
	} else {
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the daemon, separated from main for testability.
//
// Startup order: config, logging, database, hub subscribers (history,
// telemetry), MQTT, transport, detection, hub, bridge, API. Deferred
// cleanups unwind in reverse.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting diskoveryd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Best-effort flush of the log file
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(ctx, cfg.Database)
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// The hub is created early so history and telemetry see the values read
	// by the initial refresh.
	hubID := cfg.Diskovery.HubID
	tr, err := openTransport(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing controller transport")
		if closeErr := tr.Close(); closeErr != nil {
			log.Error("error closing transport", "error", closeErr)
		}
	}()

	hub, err := diskovery.NewHub(diskovery.HubOptions{
		Transport: tr,
		Config:    hubConfig(cfg.Diskovery),
		Logger:    log.With("component", "diskovery"),
	})
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	// State history
	historyRepo := history.NewSQLiteRepository(db.DB)
	recorder := history.NewRecorder(historyRepo, history.RecorderConfig{
		HubID:     hubID,
		Retention: time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour,
	}, log.With("component", "history"))
	recorder.Start(ctx)
	defer func() {
		log.Info("stopping history recorder")
		recorder.Stop()
	}()
	hub.Subscribe(recorder.Record)

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		hub.Subscribe(func(c diskovery.Change) {
			influxClient.WriteChange(hubID, c)
		})
		go linkStatsLoop(ctx, influxClient, hub, cfg.Diskovery.HealthInterval)
	}

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
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Probe for the controller before the listener takes the link.
	status := diskovery.DetectDevice(ctx, tr, diskovery.DetectOptions{
		Timeout:        cfg.Diskovery.DetectionTimeout,
		MaxBusyRetries: cfg.Diskovery.MaxBusyRetries,
	})
	if status != diskovery.DetectionCanCommunicate {
		return fmt.Errorf("%w: detection status %s", diskovery.ErrControllerNotFound, status)
	}
	log.Info("controller detected", "hub_id", hubID)

	if initErr := hub.Initialize(ctx); initErr != nil {
		return fmt.Errorf("initialising hub: %w", initErr)
	}
	defer func() {
		log.Info("shutting down hub")
		hub.Shutdown()
	}()
	if st, snapErr := hub.Snapshot(); snapErr == nil {
		log.Info("controller initialised",
			"serial_number", st.SerialNumber,
			"firmware", st.FirmwareVersion,
			"manufactured", st.ManufacturingDate,
		)
	}

	// MQTT bridge
	br, err := bridge.New(bridge.Options{
		Hub:            hub,
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Version:        version,
		HealthInterval: cfg.Diskovery.HealthInterval,
		Logger:         log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if startErr := br.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping bridge")
		br.Stop()
	}()
	log.Info("MQTT bridge started", "hub_id", hubID)

	// HTTP API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Hub:      hub,
			History:  historyRepo,
			Recorder: recorder,
			MQTT:     mqttClient,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		if cfg.Security.JWT.Secret == "" {
			log.Warn("API write routes are unauthenticated, set GRAYLOGIC_JWT_SECRET to require tokens")
		}
	} else {
		log.Info("HTTP API disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, hub); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// hubConfig maps the diskovery config section onto the hub's settings.
func hubConfig(d config.DiskoveryConfig) diskovery.HubConfig {
	return diskovery.HubConfig{
		ID:                d.HubID,
		AnswerTimeout:     d.AnswerTimeout,
		PollInterval:      d.PollInterval,
		HeartbeatTimeout:  d.HeartbeatTimeout,
		MaxBusyRetries:    d.MaxBusyRetries,
		IlluminationSizes: d.IlluminationSizes,
		HeartbeatTokens:   d.HeartbeatTokens,
	}
}

// openTransport opens the serial port, or the in-memory simulator when
// serial.simulate is set.
func openTransport(cfg *config.Config, log *logging.Logger) (diskovery.Transport, error) {
	if cfg.Serial.Simulate {
		opts := diskovery.SimulatorOptions{
			IlluminationSizes: cfg.Diskovery.IlluminationSizes,
		}
		if len(cfg.Diskovery.HeartbeatTokens) > 0 {
			opts.HeartbeatToken = cfg.Diskovery.HeartbeatTokens[0]
		}
		// Keep the simulated controller inside the heartbeat window.
		if hb := cfg.Diskovery.HeartbeatTimeout; hb > 0 {
			opts.HeartbeatInterval = hb / 4
		}
		log.Warn("serial.simulate is set, using the in-memory controller")
		return diskovery.NewSimulator(opts), nil
	}

	port, err := serialport.Open(serialport.Config{
		Name:     cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Serial.Port, err)
	}
	log.Info("serial port opened", "port", port.Name(), "baud_rate", cfg.Serial.BaudRate)
	return port, nil
}

// linkStatsLoop writes link counters to InfluxDB until ctx is cancelled.
func linkStatsLoop(ctx context.Context, client *influxdb.Client, hub *diskovery.Hub, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hub.IsInitialized() {
				client.WriteLinkStats(hub.ID(), hub.Stats())
			}
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, hub *diskovery.Hub) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := hub.HealthCheck(ctx); err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	return nil
}

// runCommand executes a one-shot subcommand.
func runCommand(name string, args []string, out io.Writer) error {
	switch name {
	case "version":
		fmt.Fprintf(out, "diskoveryd %s (commit %s, built %s)\n", version, commit, date)
		return nil
	case "ports":
		return listPorts(out)
	case "token":
		return issueToken(args, out)
	default:
		return fmt.Errorf("unknown command %q (want ports, token or version)", name)
	}
}

// listPorts prints the serial ports the OS reports, one per line.
func listPorts(out io.Writer) error {
	ports, err := serialport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}

// issueToken signs an API token with the configured JWT secret.
func issueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "operator", "token subject")
	role := fs.String("role", string(auth.RoleOperator), "operator or viewer")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.GenerateToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
