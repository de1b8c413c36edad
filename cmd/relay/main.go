// Gray Logic Relay - WebSocket device relay
//
// This is the main entry point for the relay server. Devices connect over
// WebSocket, register an identifier, and exchange commands and broadcasts
// through the relay broker. Presence changes are optionally mirrored to
// MQTT, InfluxDB, SQLite and Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-relay/migrations"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/gray-logic-relay/internal/api"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-relay/internal/presence"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// configEnvVar names the config file. Unset means built-in defaults
	// plus environment overrides.
	configEnvVar = "RELAY_CONFIG"

	// envFile is loaded before the config so its values act as overrides.
	envFile = ".env"

	// startupTimeout bounds backend connection checks during startup.
	startupTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := config.LoadEnvFile(envFile); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if configPath == "" {
		log.Info("configuration loaded from defaults and environment")
	} else {
		log.Info("configuration loaded", "path", configPath)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	mode, err := relay.ParseMode(cfg.Relay.Mode)
	if err != nil {
		return fmt.Errorf("parsing relay mode: %w", err)
	}

	opts := []relay.Option{relay.WithLogger(log)}

	// Open database (optional)
	var db *database.DB
	var history *presence.HistoryRepository
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
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

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")

		history = presence.NewHistoryRepository(db.DB, log)
		opts = append(opts, relay.WithEventSink(history))
	} else {
		log.Info("database disabled, presence history unavailable")
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
			"topic_prefix", mqttClient.Topics().Prefix(),
		)

		opts = append(opts, relay.WithEventSink(presence.NewMQTTPublisher(mqttClient, log)))
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var recorder *presence.InfluxRecorder
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		recorder = presence.NewInfluxRecorder(influxClient, log)
		opts = append(opts, relay.WithEventSink(recorder))
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to Redis (optional)
	var redisClient *redis.Client
	var mirror *presence.RedisMirror
	if cfg.Redis.Enabled {
		redisClient, err = presence.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := redisClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()

		mirror = presence.NewRedisMirror(redisClient, cfg.Redis.KeyPrefix, log)
		// The registry starts empty, so whatever a previous run left behind is stale.
		if resetErr := mirror.Reset(ctx); resetErr != nil {
			return fmt.Errorf("resetting Redis presence: %w", resetErr)
		}
		log.Info("Redis connected", "addr", cfg.Redis.Addr, "key", mirror.Key())

		opts = append(opts, relay.WithEventSink(mirror))
	} else {
		log.Info("Redis disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, redisClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	broker := relay.NewBroker(relay.Config{
		Mode:              mode,
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		EventBuffer:       cfg.Relay.EventBuffer,
	}, opts...)

	brokerCtx, stopBroker := context.WithCancel(ctx)
	defer stopBroker()
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		broker.Run(brokerCtx)
	}()

	if recorder != nil {
		go recorder.RunStats(brokerCtx, time.Duration(cfg.InfluxDB.StatsInterval)*time.Second, broker.Stats)
	}

	// MQTT command ingress lets backend services reach registered devices.
	if mqttClient != nil && mode == relay.ModeDirected {
		ingress := presence.NewCommandIngress(mqttClient, broker, log)
		if startErr := ingress.Start(); startErr != nil {
			stopBroker()
			<-brokerDone
			return fmt.Errorf("starting MQTT command ingress: %w", startErr)
		}
		defer func() {
			if stopErr := ingress.Stop(); stopErr != nil {
				log.Warn("error stopping MQTT command ingress", "error", stopErr)
			}
		}()
	}

	deps := api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Broker:  broker,
		MQTT:    mqttClient,
		DB:      db,
		Version: version,
	}
	// Assigned only when set so the interfaces stay nil when disabled.
	if history != nil {
		deps.History = history
	}
	if mirror != nil {
		deps.Mirror = mirror
	}
	server, err := api.New(deps)
	if err != nil {
		stopBroker()
		<-brokerDone
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		stopBroker()
		<-brokerDone
		return fmt.Errorf("starting API server: %w", err)
	}
	log.Info("relay listening",
		"address", server.Addr(),
		"mode", string(mode),
		"websocket_path", cfg.WebSocket.Path,
		"read_timeout", cfg.GetReadTimeout().String(),
		"write_timeout", cfg.GetWriteTimeout().String(),
		"idle_timeout", cfg.GetIdleTimeout().String(),
	)

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Close every relay connection before the listener goes away, then let
	// the broker flush queued events to the sinks before they are closed
	// by the deferred calls above.
	broker.Shutdown()
	if err := server.Close(); err != nil {
		log.Error("error closing API server", "error", err)
	}
	stopBroker()
	<-brokerDone

	log.Info("Gray Logic Relay stopped")
	return nil
}

// getConfigPath returns the configuration file path from RELAY_CONFIG.
// An empty result means no file: defaults plus environment overrides.
func getConfigPath() string {
	return os.Getenv(configEnvVar)
}

// healthCheck verifies every enabled backend is reachable. Nil clients are
// disabled integrations and are skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, redisClient *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if redisClient != nil {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	return nil
}
