package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/coldbell/clmm/backend/internal/apiserver"
	"github.com/coldbell/clmm/backend/internal/chain"
	"github.com/coldbell/clmm/backend/internal/config"
	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/events"
	"github.com/coldbell/clmm/backend/internal/logging"
	"github.com/coldbell/clmm/backend/internal/mirror"
	"github.com/coldbell/clmm/backend/internal/mirror/postgres"
	"github.com/coldbell/clmm/backend/internal/txbuilder"
)

func main() {
	bootstrapLogger, _ := zap.NewProduction()

	cfg, err := config.LoadAPIServerConfig()
	if err != nil {
		bootstrapLogger.Fatal("failed to load config", zap.Error(err))
	}

	logger, closeLogger, err := logging.New("api-server", cfg.Log)
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
		logger.Error("api-server exited with error", zap.Error(err))
	}
	if closeErr := closeLogger(); closeErr != nil {
		bootstrapLogger.Error("failed to close logger", zap.Error(closeErr))
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.APIServerConfig, logger *zap.Logger) error {
	client := chain.NewRPCClient(chain.RPCConfig{
		URL:               cfg.Chain.RPCURL,
		Commitment:        cfg.Chain.Commitment,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		MaxTries:          cfg.Chain.MaxTries,
		MaxElapsed:        cfg.Chain.RetryMaxElapsed,
	}, logger.Named("rpc"))
	programs := dex.Programs{
		Whirlpool:        cfg.Programs.Whirlpool,
		WhirlpoolsConfig: cfg.Programs.WhirlpoolsConfig,
		Presale:          cfg.Programs.Presale,
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

	transactions := txbuilder.NewService(client, programs, txbuilder.Config{
		ComputeBudget: txbuilder.ComputeBudget{
			UnitLimit:              cfg.ComputeBudget.UnitLimit,
			UnitPriceMicroLamports: cfg.ComputeBudget.UnitPriceMicroLamports,
		},
		Simulate: cfg.Simulate,
	}, logger.Named("txbuilder"))
	reconciler := mirror.NewReconciler(store, dex.NewFetcher(client, programs), publisher, logger.Named("mirror"))

	svc, err := apiserver.New(cfg, apiserver.Deps{Reconciler: reconciler, Transactions: transactions}, logger)
	if err != nil {
		return fmt.Errorf("initialize api-server: %w", err)
	}
	return svc.Run(ctx)
}
