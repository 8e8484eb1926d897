package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/coldbell/clmm/backend/internal/archive"
	"github.com/coldbell/clmm/backend/internal/chain"
	"github.com/coldbell/clmm/backend/internal/config"
	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/events"
	"github.com/coldbell/clmm/backend/internal/logging"
	"github.com/coldbell/clmm/backend/internal/mirror"
	"github.com/coldbell/clmm/backend/internal/mirror/postgres"
	"github.com/coldbell/clmm/backend/internal/presale"
	"github.com/coldbell/clmm/backend/internal/txbuilder"
)

func main() {
	bootstrapLogger, _ := zap.NewProduction()

	cfg, err := config.LoadFinalizerConfig()
	if err != nil {
		bootstrapLogger.Fatal("failed to load config", zap.Error(err))
	}

	logger, closeLogger, err := logging.New("presale-finalizer", cfg.Log)
	if err != nil {
		bootstrapLogger.Fatal("failed to initialize logger", zap.Error(err))
	}

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded",
			zap.String("phase", source.Phase),
			zap.String("path", source.Path),
			zap.Bool("loaded", source.Loaded),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("presale-finalizer exited with error", zap.Error(err))
	}
	if closeErr := closeLogger(); closeErr != nil {
		bootstrapLogger.Error("failed to close logger", zap.Error(closeErr))
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FinalizerConfig, logger *zap.Logger) error {
	authority, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return fmt.Errorf("load authority keypair: %w", err)
	}

	client := chain.NewRPCClient(chain.RPCConfig{
		URL:               cfg.Chain.RPCURL,
		Commitment:        cfg.Chain.Commitment,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		MaxTries:          cfg.Chain.MaxTries,
		MaxElapsed:        cfg.Chain.RetryMaxElapsed,
	}, logger.Named("rpc"))
	fetcher := dex.NewFetcher(client, dex.Programs{
		Whirlpool:        cfg.Programs.Whirlpool,
		WhirlpoolsConfig: cfg.Programs.WhirlpoolsConfig,
		Presale:          cfg.Programs.Presale,
	})

	var submitter chain.Submitter = chain.RPCSubmitter{
		Client:  client,
		Options: chain.SendOptions{SkipPreflight: cfg.SkipPreflight, MaxRetries: cfg.MaxRetries},
	}
	if cfg.JitoEndpoint != "" {
		bundles, err := chain.NewBundleSender(cfg.JitoEndpoint, authority, cfg.JitoTipLamports, client, logger.Named("jito"))
		if err != nil {
			return fmt.Errorf("init bundle sender: %w", err)
		}
		submitter = bundles
	}

	store, err := postgres.NewStore(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open mirror store: %w", err)
	}
	defer store.Close()

	publisher, err := events.New(events.Config{
		Driver:  cfg.Events.Driver,
		Topic:   cfg.Events.Topic,
		Brokers: cfg.Events.Brokers,
	})
	if err != nil {
		return fmt.Errorf("init events publisher: %w", err)
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("failed to close events publisher", zap.Error(closeErr))
		}
	}()

	artifacts, err := archive.New(ctx, archive.Config{
		Driver:   cfg.Archive.Driver,
		Prefix:   cfg.Archive.Prefix,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		KMSKeyID: cfg.Archive.KMSKeyID,
	})
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}

	finalizer, err := presale.New(presale.Config{
		PollInterval: cfg.PollInterval,
		MaxPerTick:   cfg.MaxPerTick,
		Concurrency:  cfg.Concurrency,
		TxTimeout:    cfg.TxTimeout,
		ComputeBudget: txbuilder.ComputeBudget{
			UnitLimit:              cfg.ComputeBudget.UnitLimit,
			UnitPriceMicroLamports: cfg.ComputeBudget.UnitPriceMicroLamports,
		},
	}, presale.Deps{
		Reconciler: mirror.NewReconciler(store, fetcher, publisher, logger.Named("mirror")),
		Fetcher:    fetcher,
		Submitter:  submitter,
		Archive:    artifacts,
		Authority:  authority,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialize finalizer: %w", err)
	}

	logger.Info("finalizer wiring ready",
		zap.Bool("jito", cfg.JitoEndpoint != ""),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("events", cfg.Events.Driver),
	)
	return finalizer.Run(ctx)
}
