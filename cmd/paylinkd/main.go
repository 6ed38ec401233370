package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"paylink/chain"
	"paylink/channel"
	"paylink/cmd/internal/passphrase"
	"paylink/config"
	"paylink/crypto"
	"paylink/events"
	"paylink/integrations/exports"
	"paylink/integrations/webhooks"
	"paylink/invoice"
	"paylink/observability"
	"paylink/observability/logging"
	"paylink/observability/otel"
	"paylink/rpc"
	"paylink/settle"
	"paylink/storage"
)

const nodePassEnv = "PAYLINK_NODE_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	exportFlag := flag.Bool("export", false, "Run a settled-payment export and exit")
	exportSince := flag.Duration("export-since", 24*time.Hour, "Export window, counted back from now")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PAYLINK_ENV"))
	logger := logging.Setup("paylinkd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	store := invoice.NewStore(db)

	if *exportFlag {
		runExport(logger, cfg, store, *exportSince)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var shutdownTelemetry func(context.Context) error
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err = otel.Init(ctx, otel.Config{
			ServiceName: "paylinkd",
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("init telemetry", slog.Any("error", err))
			os.Exit(1)
		}
	}

	passSource := passphrase.NewSource(nodePassEnv)
	pass, err := passSource.Get()
	if err != nil {
		logger.Error("resolve keystore passphrase", slog.Any("error", err))
		os.Exit(1)
	}
	nodeKey, err := crypto.LoadFromKeystore(cfg.KeystorePath, pass)
	if err != nil {
		logger.Error("load node key", slog.Any("error", err))
		os.Exit(1)
	}
	signer, err := invoice.NewNodeSigner(nodeKey)
	if err != nil {
		logger.Error("build signer", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("node identity loaded",
		slog.String("address", nodeKey.PubKey().Address().String()),
		slog.String("network", cfg.NetworkName))

	tracker := chain.NewTracker(0)
	broker := events.NewBroker()

	registry, err := settle.NewRegistry(settle.Config{
		Store:                   store,
		Signer:                  signer,
		Emitter:                 broker,
		Logger:                  logger,
		Metrics:                 observability.Settlement(),
		MultiPartTimeout:        time.Duration(cfg.MultiPartTimeoutSeconds) * time.Second,
		DefaultFinalExpiryDelta: cfg.DefaultFinalExpiryDelta,
	})
	if err != nil {
		logger.Error("build settlement registry", slog.Any("error", err))
		os.Exit(1)
	}

	links := channel.NewSet()
	defer links.Close()

	if cfg.Webhooks.Enabled {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhooks.Endpoint, []byte(cfg.Webhooks.Secret))
		if err != nil {
			logger.Error("build webhook dispatcher", slog.Any("error", err))
			os.Exit(1)
		}
		defer dispatcher.Close()
		go deliverWebhooks(ctx, broker, dispatcher, logger)
	}

	server := rpc.NewServer(rpc.Config{
		Registry:                    registry,
		Store:                       store,
		Tracker:                     tracker,
		Broker:                      broker,
		Logger:                      logger,
		Auth:                        cfg.Auth,
		RateLimit:                   cfg.RateLimit,
		DefaultInvoiceExpirySeconds: cfg.DefaultInvoiceExpirySeconds,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(cfg.APIListen)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("api server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown", slog.Any("error", err))
	}
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", slog.Any("error", err))
		}
	}
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBBackend)) {
	case "leveldb":
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "paylink"))
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "paylink.db"))
	case "memory":
		return storage.NewMemDB(), nil
	default:
		return nil, fmt.Errorf("unknown DBBackend %q", cfg.DBBackend)
	}
}

func deliverWebhooks(ctx context.Context, broker *events.Broker, dispatcher *webhooks.Dispatcher, logger *slog.Logger) {
	updates, cancel, _ := broker.Subscribe(ctx, "")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-updates:
			if !ok {
				return
			}
			err := dispatcher.EnqueueReceipt(events.PaymentSettled{
				PaymentHash: receipt.PaymentHash,
				Amount:      receipt.Amount,
				SettledAt:   receipt.SettledAt,
			})
			if err != nil {
				logger.Warn("webhook enqueue", slog.Any("error", err))
			}
		}
	}
}

func runExport(logger *slog.Logger, cfg *config.Config, store *invoice.Store, since time.Duration) {
	exporter := exports.NewExporter(store, cfg.Exports.OutputDir, logger)
	now := time.Now().UTC()
	result, err := exporter.Run(now.Add(-since), now)
	if err != nil {
		logger.Error("export failed", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Printf("export written to %s (%d rows)\n", result.Dir, result.Rows)
}
