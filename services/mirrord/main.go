package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agrichain/core/events"
	"agrichain/crypto/passphrase"
	"agrichain/integrations/webhooks"
	"agrichain/ledger"
	"agrichain/observability"
	"agrichain/observability/logging"
	telemetry "agrichain/observability/otel"
	"agrichain/services/mirrord/config"
	"agrichain/services/mirrord/export"
	"agrichain/services/mirrord/recon"
	"agrichain/services/mirrord/server"
	"agrichain/services/mirrord/storage"
)

func main() {
	var (
		cfgPath   string
		once      bool
		resync    bool
		exportDir string
	)
	flag.StringVar(&cfgPath, "config", "services/mirrord/config.yaml", "path to mirrord configuration file")
	flag.BoolVar(&once, "once", false, "run a single incremental reconciliation and exit")
	flag.BoolVar(&resync, "resync", false, "run a full resync with integrity check and exit")
	flag.StringVar(&exportDir, "export", "", "write the mirror to CSV and Parquet files in this directory and exit")
	flag.Parse()

	if err := run(cfgPath, once, resync, exportDir); err != nil {
		fmt.Fprintf(os.Stderr, "mirrord: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string, once, resync bool, exportDir string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "mirrord",
		Env:        cfg.Environment,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "mirrord",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn, err := storage.ResolveDSN(cfg.Database)
	if err != nil {
		return fmt.Errorf("resolve mirror DSN: %w", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	defer store.Close()
	logger.Info("mirror store ready", logging.DSNField("database", dsn))

	if exportDir != "" {
		files, err := export.Write(ctx, store, exportDir, time.Now())
		if err != nil {
			return err
		}
		logger.Info("mirror exported",
			slog.String("csv", files.CSVPath),
			slog.String("parquet", files.ParquetPath),
			slog.Int("rows", files.Rows))
		return nil
	}

	client, closeLedger, err := buildLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return fmt.Errorf("build ledger client: %w", err)
	}
	defer closeLedger.Close()

	alert := func(_ context.Context, integrity *recon.SyncIntegrityError) error {
		logger.Error("mirror integrity violated; reconciliation halted until resync",
			slog.Uint64("ledger_total", integrity.Total),
			slog.Uint64("cursor", integrity.Cursor),
			slog.Any("extra_ids", integrity.Extra))
		return nil
	}
	if webhookURL := strings.TrimSpace(cfg.Alerts.WebhookURL); webhookURL != "" {
		dispatcher, err := webhooks.NewDispatcher(webhookURL, []byte(os.Getenv(cfg.Alerts.SecretEnv)), webhooks.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("alert webhook: %w", err)
		}
		defer dispatcher.Close()
		logAlert := alert
		alert = func(ctx context.Context, integrity *recon.SyncIntegrityError) error {
			_ = logAlert(ctx, integrity)
			return dispatcher.NotifyIntegrity(ctx, integrity)
		}
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		Ledger:       client,
		Store:        store,
		FetchTimeout: cfg.Recon.FetchTimeout.Duration,
		Metrics:      observability.Recon(),
		Logger:       logger,
		Alert:        alert,
	})
	if err != nil {
		return fmt.Errorf("build reconciler: %w", err)
	}

	if once || resync {
		runFn := reconciler.Run
		if resync {
			runFn = reconciler.Resync
		}
		result, err := runFn(ctx)
		if result != nil {
			logger.Info("reconciliation finished",
				slog.String("run_id", result.RunID),
				slog.String("mode", result.Mode),
				slog.Uint64("end_cursor", result.EndCursor),
				slog.Int("inserted", result.Inserted),
				slog.Int("skipped", result.Skipped))
		}
		return err
	}

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.Recon.Interval.Duration,
		RetryBase:  cfg.Recon.RetryBase.Duration,
		RetryMax:   cfg.Recon.RetryMax.Duration,
		Logger:     logger,
	})
	go scheduler.Start(ctx)

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Mirror:        store,
		Ledger:        client,
		Sync:          scheduler,
		Status:        reconciler,
		Logger:        logger,
		HTTPMetrics:   observability.HTTP(),
		Rejections:    observability.Marketplace(),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("mirrord stopped")
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildLedger returns the configured ledger client. Keystore passphrases come
// from the environment variable named in the config or a terminal prompt,
// never from the file.
func buildLedger(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (ledger.Client, io.Closer, error) {
	switch cfg.Mode {
	case config.LedgerModeLocal:
		local, err := ledger.OpenLocal(cfg.LocalPath)
		if err != nil {
			return nil, nil, err
		}
		local.Engine().SetEmitter(events.Multi{
			events.LogEmitter{Logger: logger},
			observability.Marketplace(),
		})
		logger.Info("using simulated ledger", slog.String("path", cfg.LocalPath))
		return local, local, nil
	case config.LedgerModeEVM:
		var signers []ledger.Signer
		if keystorePath := strings.TrimSpace(cfg.Keystore); keystorePath != "" {
			pass, err := passphrase.NewSource(cfg.PassphraseEnv, "operator keystore").Get()
			if err != nil {
				return nil, nil, err
			}
			signer, err := ledger.NewKeySigner(keystorePath, pass)
			if err != nil {
				return nil, nil, err
			}
			logger.Info("operator signer loaded", slog.String("address", strings.ToLower(signer.Address().Hex())))
			signers = append(signers, signer)
		}
		client, conn, err := ledger.DialEVM(ctx, cfg.RPCURL, ledger.EVMConfig{
			Contract:          cfg.ContractAddress(),
			ChainID:           cfg.ChainIDBig(),
			RequestsPerSecond: cfg.RequestsPerSecond,
		}, ledger.NewSigners(signers...))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using evm ledger",
			slog.String("contract", strings.ToLower(cfg.ContractAddress().Hex())),
			slog.Uint64("chain_id", cfg.ChainID))
		return client, closerFunc(func() error { conn.Close(); return nil }), nil
	default:
		return nil, nil, errors.New("unsupported ledger mode " + cfg.Mode)
	}
}
