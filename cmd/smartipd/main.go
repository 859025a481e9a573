// SmartIP Core - loudspeaker control coordinator
//
// smartipd keeps one coordinator per configured SmartIP loudspeaker, polls
// each device's telemetry and serialises control commands to it. Commands
// arrive over MQTT and the REST API; state leaves over MQTT, WebSocket,
// InfluxDB, Redis and the SQLite snapshot history.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/nerrad567/smartip-core/migrations"

	"github.com/nerrad567/smartip-core/internal/api"
	"github.com/nerrad567/smartip-core/internal/audit"
	"github.com/nerrad567/smartip-core/internal/auth"
	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
	"github.com/nerrad567/smartip-core/internal/device"
	"github.com/nerrad567/smartip-core/internal/infrastructure/cache"
	"github.com/nerrad567/smartip-core/internal/infrastructure/config"
	"github.com/nerrad567/smartip-core/internal/infrastructure/database"
	"github.com/nerrad567/smartip-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/smartip-core/internal/infrastructure/logging"
	"github.com/nerrad567/smartip-core/internal/infrastructure/metrics"
	"github.com/nerrad567/smartip-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/smartip-core/internal/infrastructure/tracing"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "smartipd"

	pruneInterval     = time.Hour
	bridgeStatsPeriod = time.Minute
	defaultTokenTTL   = 24 * time.Hour
)

func main() {
	mint := flag.String("mint-token", "", "print an API token for subject:role and exit")
	ttl := flag.Duration("token-ttl", defaultTokenTTL, "lifetime of a minted token")
	flag.Parse()

	if *mint != "" {
		token, err := mintToken(getConfigPath(), *mint, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application, separated from main for testability. It returns
// nil on a clean shutdown once ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting SmartIP Core",
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
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	tp, err := tracing.Setup(ctx, cfg.Tracing, serviceName, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("error flushing traces", "error", shutdownErr)
		}
	}()
	if tp.Enabled() {
		log.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	recorder := metrics.New()
	checks := make(map[string]api.HealthChecker)

	// Database: snapshot history and command audit
	var (
		history  device.SnapshotHistory
		auditLog audit.Repository
	)
	if cfg.Database.Enabled {
		db, openErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
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

		history = device.NewSQLiteSnapshotHistory(db.DB)
		auditLog = audit.NewSQLiteRepository(db.DB)
		checks["database"] = db
		go device.RunPruner(ctx, history, cfg.Database.HistoryRetention, pruneInterval, log)
	} else {
		log.Info("database disabled; history and audit are off")
	}

	// InfluxDB: per-poll telemetry points
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
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
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Redis: latest snapshot per device for other processes
	var cacheClient *cache.Client
	if cfg.Redis.Enabled {
		cacheClient, err = cache.Connect(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := cacheClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		removed, removeErr := cacheClient.RemoveAllExcept(ctx, deviceIDs(cfg.Devices))
		if removeErr != nil {
			log.Warn("failed to clear stale cache entries", "error", removeErr)
		} else if len(removed) > 0 {
			log.Info("cleared cache entries for removed devices", "devices", removed)
		}
		checks["redis"] = cacheClient
		log.Info("Redis connected", "addr", cfg.Redis.Addr)
	}

	registry, err := buildRegistry(cfg, log, recorder)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing device coordinators")
		registry.Close()
	}()
	if startErr := registry.StartAll(ctx); startErr != nil {
		// Devices that failed the first read keep retrying on their own.
		log.Warn("not every device answered at startup", "error", startErr)
	}
	log.Info("device coordinators started", "devices", registry.Len(), "states", registry.LinkStates())

	dispatcher := smartip.NewDispatcher(registry, auditLog, log)

	// MQTT bridge
	if cfg.MQTT.Enabled {
		mqttClient, connErr := mqtt.Connect(cfg.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connErr)
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
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		opts := smartip.BridgeOptions{
			BridgeID:   cfg.MQTT.Broker.ClientID,
			Version:    version,
			Registry:   registry,
			MQTTClient: mqttClient,
			Topics:     mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix},
			QoS:        byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
			Dispatcher: dispatcher,
			Logger:     log,
		}
		if history != nil {
			opts.History = history
		}
		if influxClient != nil {
			opts.Telemetry = influxClient
		}
		if cacheClient != nil {
			opts.Cache = cacheClient
		}

		bridge, bridgeErr := smartip.NewBridge(opts)
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()

		if influxClient != nil {
			go reportBridgeStats(ctx, bridge, registry, influxClient)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// REST API and WebSocket
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Security:   cfg.Security,
			Logger:     log,
			Registry:   registry,
			Dispatcher: dispatcher,
			Metrics:    recorder,
			Checks:     checks,
			Version:    version,
		}
		if history != nil {
			deps.History = history
		}
		if auditLog != nil {
			deps.Audit = auditLog
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred closes run in reverse: API, bridge, MQTT, coordinators,
	// Redis, InfluxDB, database, tracing.
	log.Info("SmartIP Core stopped")
	return nil
}

// buildRegistry creates one coordinator per configured device.
func buildRegistry(cfg *config.Config, log *logging.Logger, recorder *metrics.Recorder) (*smartip.Registry, error) {
	registry := smartip.NewRegistry(log)
	for _, d := range cfg.Devices {
		minDB, maxDB := d.VolumeLimits()
		coord, err := smartip.NewCoordinator(smartip.CoordinatorOptions{
			ID:               d.ID,
			Name:             d.Name,
			Endpoint:         smartip.EndpointFromConfig(d),
			PollInterval:     d.PollInterval,
			RequestTimeout:   cfg.Polling.RequestTimeout,
			FailureThreshold: cfg.Polling.FailureThreshold,
			OfflineBackoff:   cfg.Polling.OfflineBackoff,
			MaxBackoff:       cfg.Polling.MaxBackoff,
			VolumeMinDB:      minDB,
			VolumeMaxDB:      maxDB,
			Logger:           log.ForDevice(d.ID),
			Metrics:          recorder,
		})
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		if err := registry.Add(coord); err != nil {
			coord.Close()
			registry.Close()
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
	}
	return registry, nil
}

// reportBridgeStats writes bridge counters to InfluxDB until ctx ends.
func reportBridgeStats(ctx context.Context, bridge *smartip.Bridge, registry *smartip.Registry, influxClient *influxdb.Client) {
	ticker := time.NewTicker(bridgeStatsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := bridge.Statistics()
			influxClient.WritePoint("smartip_bridge", nil,
				map[string]any{
					"commands_received": s.CommandsReceived,
					"commands_failed":   s.CommandsFailed,
					"states_published":  s.StatesPublished,
					"errors":            s.Errors,
					"devices":           registry.Len(),
				},
			)
		}
	}
}

func deviceIDs(devices []config.DeviceConfig) []string {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}

// mintToken signs a bearer token for "subject:role" with the configured
// JWT secret.
func mintToken(configPath, arg string, ttl time.Duration) (string, error) {
	subject, role, err := parseSubjectRole(arg)
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return "", errors.New("security.jwt.secret is not set")
	}
	return auth.GenerateToken(subject, role, cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, ttl)
}

func parseSubjectRole(arg string) (string, auth.Role, error) {
	subject, role, ok := strings.Cut(arg, ":")
	if !ok || subject == "" || role == "" {
		return "", "", fmt.Errorf("%q must be subject:role", arg)
	}
	if !auth.IsValidRole(auth.Role(role)) {
		return "", "", fmt.Errorf("unknown role %q", role)
	}
	return subject, auth.Role(role), nil
}

// getConfigPath returns SMARTIP_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("SMARTIP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
