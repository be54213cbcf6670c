package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/internal/config"
	"orderflow/internal/connector"
	"orderflow/internal/domain"
	"orderflow/internal/engine"
	"orderflow/internal/events"
	"orderflow/internal/httpapi"
	"orderflow/internal/idempotency"
	"orderflow/internal/store"
	"orderflow/internal/util"
	"orderflow/internal/validate"
)

func main() {
	// Load config. A missing file falls back to the built-in defaults with
	// mock connectors, so the service runs end-to-end out of the box.
	cfgPath := "config/orderflow.yaml"
	if p := os.Getenv("ORDERFLOW_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("loading config: %v", err)
		}
		cfg = config.Default()
	}

	logger := util.NewLogger(cfg.Logging.Level)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, defaultBroker := buildRegistry(ctx, cfg, db)
	if len(registry.Names()) == 0 {
		log.Fatal("no active broker connectors configured")
	}
	logger.Info("broker connectors registered",
		"brokers", registry.Names(), "default", defaultBroker)

	// Event publisher: log every transition, feed the websocket hub, and
	// journal to parquet when a journal directory is configured.
	hub := events.NewHub()
	sinks := []events.Sink{
		events.LogSink{Log: logger},
		events.HubSink{Hub: hub},
	}
	if cfg.Storage.JournalDir != "" {
		sinks = append(sinks, events.NewJournalSink(cfg.Storage.JournalDir))
	}
	publisher := events.NewAsyncPublisher(cfg.Events.QueueSize, logger, sinks...)
	defer publisher.Close()

	var margin validate.MarginChecker = validate.PassMargin{}
	if cfg.Validation.MarginCheckEnabled {
		margin = validate.LimitMargin{Limit: cfg.Validation.MarginLimit}
	}

	eng := engine.New(engine.Deps{
		Store:     db,
		Ledger:    idempotency.NewMemoryLedger(cfg.Idempotency.TTL),
		Registry:  registry,
		Publisher: publisher,
		Validator: &validate.Validator{
			MinLotSize:    cfg.Validation.MinLotSize,
			MaxOrderValue: cfg.Validation.MaxOrderValue,
			Margin:        margin,
		},
		Log:           logger,
		DefaultBroker: defaultBroker,
	})

	api := httpapi.NewServer(eng, hub, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("orderflow server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down orderflow server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// buildRegistry registers a connector for every active broker, first from the
// YAML config and then from the connector config table, which an external
// administration surface may have populated. The first active YAML broker is
// the default route for orders naming no broker.
func buildRegistry(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) (*connector.Registry, string) {
	registry := connector.NewRegistry()
	defaultBroker := ""

	for _, b := range cfg.Brokers {
		if !b.Active {
			continue
		}
		var conn connector.Connector
		switch b.Kind {
		case "alpaca":
			conn = connector.NewAlpacaConnector(b.Name,
				cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		default:
			conn = connector.NewMockConnector(b.Name)
		}
		registry.RegisterWithTimeout(conn, b.SubmitTimeout)
		if defaultBroker == "" {
			defaultBroker = b.Name
		}

		// Mirror the configured brokers into the connector config table so
		// the administration surface sees what is actually registered.
		raw, _ := json.Marshal(map[string]string{"kind": b.Kind})
		cc := &domain.BrokerConnectorConfig{BrokerName: b.Name, Config: raw, Active: true}
		if err := db.SaveConnectorConfig(ctx, cc); err != nil {
			log.Printf("saving connector config for %s: %v", b.Name, err)
		}
	}

	// Brokers activated through the table but absent from the YAML run as
	// mocks until a real connector kind is configured for them.
	stored, err := db.ListConnectorConfigs(ctx, true)
	if err != nil {
		log.Printf("listing connector configs: %v", err)
		return registry, defaultBroker
	}
	for _, c := range stored {
		if _, err := registry.Resolve(c.BrokerName); err == nil {
			continue
		}
		registry.Register(connector.NewMockConnector(c.BrokerName))
	}
	return registry, defaultBroker
}
