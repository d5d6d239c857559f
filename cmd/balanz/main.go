package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/balanz-csms/internal/allocator"
	"github.com/charging-platform/balanz-csms/internal/api"
	"github.com/charging-platform/balanz-csms/internal/chargepoint"
	"github.com/charging-platform/balanz-csms/internal/config"
	"github.com/charging-platform/balanz-csms/internal/history"
	"github.com/charging-platform/balanz-csms/internal/logger"
	"github.com/charging-platform/balanz-csms/internal/message"
	"github.com/charging-platform/balanz-csms/internal/model"
	"github.com/charging-platform/balanz-csms/internal/ocpp"
	"github.com/charging-platform/balanz-csms/internal/storage"
	"github.com/charging-platform/balanz-csms/internal/transport/websocket"
	"github.com/charging-platform/balanz-csms/internal/watchdog"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config/balanz.ini", "path to the INI configuration file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger. The [logging] section maps component names to
	// levels; root, format, output and async are reserved keys.
	log, err := logger.New(loggerConfig(cfg.Logging))
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Infof("balanz %s starting", version)

	// 3. Load the model from CSV files
	reg := model.NewRegistry(model.Options{
		DefaultConnMax:     cfg.Balanz.DefaultMaxAllocation,
		Autoregister:       cfg.Model.ChargerAutoregister,
		AutoregisterGroup:  cfg.Model.ChargerAutoregisterGroup,
		AllowConcurrentTag: cfg.CSMS.AllowConcurrentTag,
	}, log)
	if err := loadModel(reg, cfg); err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	log.Info("Model loaded")

	// 4. Audit log for privileged admin commands
	var audit *logger.AuditLogger
	if cfg.History.AuditFile != "" {
		audit, err = logger.NewAuditLogger(cfg.History.AuditFile)
		if err != nil {
			log.Fatalf("Failed to open audit log: %v", err)
		}
		defer audit.Close()
	}

	// 5. Session history CSV
	var hist *history.Writer
	if cfg.History.SessionCSV != "" {
		hist, err = history.New(cfg.History.SessionCSV, log)
		if err != nil {
			log.Fatalf("Failed to open session history: %v", err)
		}
		defer hist.Close()
		log.Infof("Session history at %s", cfg.History.SessionCSV)
	}

	// 6. Kafka event publisher
	var publisher *message.Publisher
	if len(cfg.History.KafkaBrokers) > 0 {
		publisher, err = message.NewPublisher(cfg.History.KafkaBrokers, cfg.History.KafkaTopic, log)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka producer: %v", err)
		}
		defer publisher.Close()
		log.Infof("Publishing events to %s", cfg.History.KafkaTopic)
	}

	// 7. Redis live-state mirror
	var mirror *storage.Mirror
	if cfg.History.RedisAddr != "" {
		mirror, err = storage.NewMirror(cfg.History.RedisAddr, "", cfg.History.RedisDB)
		if err != nil {
			log.Fatalf("Failed to initialize Redis mirror: %v", err)
		}
		defer mirror.Close()
		log.Infof("Mirroring state to Redis at %s", cfg.History.RedisAddr)
	}

	// 8. OCPP charge point manager, fanning model changes out to the sinks
	mgr := chargepoint.NewManager(chargepoint.Config{
		HeartbeatInterval:   cfg.CSMS.HeartbeatInterval,
		TransactionInterval: cfg.CSMS.TransactionInterval,
		CallTimeout:         cfg.Host.PingTimeout,
		MinAllocation:       cfg.Balanz.MinAllocation,
		UsageWindow:         cfg.Balanz.UsageMonitoringInterval,
		IssueAuthKey:        cfg.Host.HTTPAuth,
		AuthKeyDelay:        cfg.Host.HTTPAuthDelay,
		ChargersCSV:         cfg.Model.ChargersCSV,
	}, reg, log, buildSinks(hist, publisher, mirror, log))
	log.Info("Charge point manager initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 9. Smart charging allocation loop
	loop := allocator.NewLoop(allocator.Config{
		RunInterval:                  cfg.Balanz.RunInterval,
		IntervalsFull:                cfg.Balanz.IntervalsFull,
		FirstWait:                    cfg.Balanz.FirstWait,
		MinAllocation:                cfg.Balanz.MinAllocation,
		MaxOfferIncrease:             cfg.Balanz.MaxOfferIncrease,
		MinOfferIncreaseInterval:     cfg.Balanz.MinOfferIncreaseInterval,
		WaitAfterReduce:              cfg.Balanz.WaitAfterReduce,
		MarginLower:                  cfg.Balanz.MarginLower,
		MarginIncrease:               cfg.Balanz.MarginIncrease,
		UsageThreshold:               cfg.Balanz.UsageThreshold,
		UsageMonitoringInterval:      cfg.Balanz.UsageMonitoringInterval,
		SuspendedAllocationTimeout:   cfg.Balanz.SuspendedAllocationTimeout,
		SuspendedDelayedTime:         cfg.Balanz.SuspendedDelayedTime,
		SuspendedDelayedTimeNotFirst: cfg.Balanz.SuspendedDelayedTimeNotFirst,
		EnergyThreshold:              float64(cfg.Balanz.EnergyThreshold),
		SuspendTopOfHour:             cfg.Balanz.SuspendTopOfHour,
	}, reg, mgr, log)
	go loop.Run(ctx)

	// 10. Admin API
	apiSrv := api.New(api.Config{
		Version:     version,
		StartTime:   time.Now(),
		GroupsCSV:   cfg.Model.GroupsCSV,
		ChargersCSV: cfg.Model.ChargersCSV,
		TagsCSV:     cfg.Model.TagsCSV,
		UsersCSV:    cfg.API.UsersCSV,
		SessionCSV:  cfg.History.SessionCSV,
		UsageWindow: cfg.Balanz.UsageMonitoringInterval,
		CallTimeout: cfg.Host.PingTimeout,
	}, reg, mgr, loop, log, audit)

	// 11. WebSocket transport for chargers and API clients
	server := websocket.NewServer(websocket.Config{
		Addr:                cfg.Host.Addr,
		Port:                cfg.Host.Port,
		CertChain:           cfg.Host.CertChain,
		CertKey:             cfg.Host.CertKey,
		PingTimeout:         cfg.Host.PingTimeout,
		HTTPAuth:            cfg.Host.HTTPAuth,
		HTTPAuthViaProtocol: cfg.Host.HTTPAuthViaProtocol,
	}, reg, mgr, apiSrv, log)

	// 12. Watchdog for silent chargers and stale transactions
	dog := watchdog.New(watchdog.Config{
		Interval: cfg.Host.WatchdogInterval,
		Stale:    cfg.Host.WatchdogStale,
		Timeout:  cfg.CSMS.TransactionTimeout,
	}, reg, server, loop, sessionSink(hist, publisher, log), log)
	go dog.Run(ctx)

	// 13. Prometheus endpoint on its own listener
	if cfg.Host.MetricsPort > 0 {
		go startMetricsServer(cfg.Host.MetricsPort, log)
	}

	if cfg.Ext.Server != "" {
		log.Warnf("ext-server %s configured but local controller mode is not enabled in this build", cfg.Ext.Server)
	}

	// 14. Run until signalled
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Infof("Received signal %s, shutting down", sig)
		cancel()
	}()

	log.Infof("Listening on %s", cfg.GetServerAddr())
	if err := server.Run(ctx); err != nil {
		log.Errorf("Server failed: %v", err)
		os.Exit(2)
	}
	log.Info("Shutdown complete")
}

// loggerConfig translates the [logging] section into a logger configuration.
func loggerConfig(section map[string]string) *logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Levels = make(map[string]string)
	for name, value := range section {
		switch name {
		case "root":
			cfg.Level = value
		case "format":
			cfg.Format = value
		case "output":
			cfg.Output = value
		case "async":
			cfg.Async = strings.EqualFold(value, "true")
		default:
			cfg.Levels[name] = value
		}
	}
	return cfg
}

func loadModel(reg *model.Registry, cfg *config.Config) error {
	if err := reg.LoadGroupsFile(cfg.Model.GroupsCSV); err != nil {
		return fmt.Errorf("groups: %w", err)
	}
	if err := reg.LoadChargersFile(cfg.Model.ChargersCSV); err != nil {
		return fmt.Errorf("chargers: %w", err)
	}
	if err := reg.LoadTagsFile(cfg.Model.TagsCSV); err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	if err := reg.LoadUsersFile(cfg.API.UsersCSV); err != nil {
		return fmt.Errorf("users: %w", err)
	}
	if cfg.Model.FirmwareCSV != "" {
		if err := reg.LoadFirmwareFile(cfg.Model.FirmwareCSV); err != nil {
			return fmt.Errorf("firmware: %w", err)
		}
	}
	return nil
}

// sessionSink fans a closed session out to the history CSV and Kafka.
func sessionSink(hist *history.Writer, publisher *message.Publisher, log *logger.Logger) func(*model.Session) {
	return func(s *model.Session) {
		if hist != nil {
			if err := hist.Append(s); err != nil {
				log.Errorf("Failed to write session history: %v", err)
			}
		}
		if publisher != nil {
			if err := publisher.Publish(message.SessionClosed(s)); err != nil {
				log.Errorf("Failed to publish session event: %v", err)
			}
		}
	}
}

// buildSinks wires the manager's model-change callbacks to history, Kafka and
// the Redis mirror. Sink failures are logged but never block OCPP handling.
func buildSinks(hist *history.Writer, publisher *message.Publisher, mirror *storage.Mirror, log *logger.Logger) chargepoint.Sinks {
	sinks := chargepoint.Sinks{
		SessionClosed: sessionSink(hist, publisher, log),
	}
	sinks.ConnectorState = func(chargerID string, connectorID int, status ocpp.ChargePointStatus, offer int) {
		if mirror != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := mirror.SetConnectorState(ctx, chargerID, connectorID, storage.ConnectorState{
				Status:    string(status),
				Offer:     offer,
				UpdatedAt: time.Now().UTC(),
			})
			if err != nil {
				log.Errorf("Failed to mirror connector state: %v", err)
			}
		}
		if publisher != nil {
			if err := publisher.Publish(message.OfferChanged(chargerID, connectorID, status, offer)); err != nil {
				log.Errorf("Failed to publish connector event: %v", err)
			}
		}
	}
	sinks.ChargerOnline = func(chargerID string, online bool) {
		if mirror != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := mirror.SetChargerOnline(ctx, chargerID, online); err != nil {
				log.Errorf("Failed to mirror charger state: %v", err)
			}
		}
		if publisher != nil {
			if err := publisher.Publish(message.ChargerConnection(chargerID, online)); err != nil {
				log.Errorf("Failed to publish connection event: %v", err)
			}
		}
	}
	return sinks
}

func startMetricsServer(port int, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server failed: %v", err)
	}
}
