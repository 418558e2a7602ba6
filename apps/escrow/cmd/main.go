package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"escrow/apps/escrow/internal/access"
	"escrow/apps/escrow/internal/api"
	"escrow/apps/escrow/internal/assets"
	"escrow/apps/escrow/internal/audit"
	"escrow/apps/escrow/internal/authz"
	"escrow/apps/escrow/internal/clock"
	"escrow/apps/escrow/internal/config"
	"escrow/apps/escrow/internal/escrow"
	"escrow/apps/escrow/internal/event_publisher"
	"escrow/apps/escrow/internal/materializer"
	"escrow/apps/escrow/internal/oracle"
	"escrow/apps/escrow/internal/repository"
	"escrow/apps/escrow/internal/stake"
	"escrow/apps/escrow/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg := config.NewConfig()

	logger.Info("Starting application with configuration",
		zap.String("rpc_url", cfg.RpcURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.Int("api_port", cfg.APIPort),
		zap.Uint64("platform_fee_bps", cfg.PlatformFeeBps),
		zap.Bool("require_claim_signature", cfg.RequireClaimSignature),
		zap.String("custody", cfg.Custody.Hex()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	outboxRepository := repository.NewOutboxRepository(db, logger)
	orderRepository := repository.NewOrderRepository(db, logger)
	lpRepository := repository.NewLPRepository(db, logger)
	rateRepository := repository.NewRateRepository(db, logger)

	// Every state change lands in the outbox; the publisher forwards it to Kafka.
	sink := audit.NewFanout(logger, audit.NewLog(), audit.NewOutboxSink(outboxRepository))

	ac := access.NewController(cfg.Admin, logger)
	grants := []struct {
		role access.Role
		addr common.Address
	}{
		{access.RoleArbiter, cfg.Arbiter},
		{access.RoleOracle, cfg.Oracle},
		{access.RoleRateUpdater, cfg.RateUpdater},
		{access.RoleSlasher, cfg.Slasher},
	}
	for _, g := range grants {
		if err := ac.Grant(cfg.Admin, g.role, g.addr); err != nil {
			logger.Fatal("Failed to grant role", zap.String("role", string(g.role)), zap.Error(err))
		}
	}

	port := token.NewMemoryLedger(cfg.Custody)
	registry := assets.NewAssetRegistry(assets.DefaultAssets())

	stakes, err := stake.NewRegistry(stake.Config{
		Token:               cfg.StakeToken,
		Treasury:            cfg.Treasury,
		MinStake:            cfg.MinStake,
		SlashPenaltyPercent: cfg.SlashPenaltyPercent,
	}, port, ac, sink, clock.System, logger)
	if err != nil {
		logger.Fatal("Failed to create stake registry", zap.Error(err))
	}

	var feed oracle.PriceFeed
	pairs := make(map[string]string, len(cfg.PriceFeeds))
	if cfg.RpcURL != "" && len(cfg.PriceFeeds) > 0 {
		client, err := ethclient.Dial(cfg.RpcURL)
		if err != nil {
			logger.Fatal("Failed to connect to Ethereum client", zap.Error(err))
		}
		defer client.Close()

		for currency := range cfg.PriceFeeds {
			pairs[currency] = currency
		}
		chainlink, err := oracle.NewChainlinkFeed(client, cfg.PriceFeeds, logger)
		if err != nil {
			logger.Fatal("Failed to create price feed", zap.Error(err))
		}
		feed = chainlink
	}

	rates := oracle.NewOracle(oracle.Config{
		MaxStaleness:        cfg.RateMaxStaleness,
		MaxDeviationPercent: cfg.RateMaxDeviationPercent,
		Pairs:               pairs,
	}, feed, ac, sink, clock.System, logger)

	verifier := authz.NewVerifier(cfg.ClaimSigner, ac, sink, clock.System, logger)

	ledger, err := escrow.NewLedger(escrow.Params{
		PlatformFeeBps:        cfg.PlatformFeeBps,
		MaxPlatformFeeBps:     cfg.MaxPlatformFeeBps,
		LockWindow:            cfg.LockWindow,
		PaymentWindow:         cfg.PaymentWindow,
		ClaimWindow:           cfg.ClaimWindow,
		SettlementWindow:      cfg.SettlementWindow,
		RequireClaimSignature: cfg.RequireClaimSignature,
	}, escrow.Deps{
		Port:   port,
		Assets: registry,
		Stakes: stakes,
		Slips:  verifier,
		Rates:  rates,
		Access: ac,
		Sink:   sink,
		Clock:  clock.System,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Failed to create escrow ledger", zap.Error(err))
	}

	eventPublisher, err := event_publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaTopic, cfg.PublishInterval, cfg.PublishBatchSize, logger, outboxRepository)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer eventPublisher.Close()

	go eventPublisher.StartPublishing(ctx)

	mat, err := materializer.NewMaterializer(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroupID, logger, orderRepository, lpRepository, rateRepository)
	if err != nil {
		logger.Fatal("Failed to create materializer", zap.Error(err))
	}
	defer mat.Close()

	go func() {
		if err := mat.Start(ctx); err != nil {
			logger.Fatal("Materializer failed", zap.Error(err))
		}
	}()

	apiServer := api.NewServer(cfg.APIPort,
		api.NewOrderHandler(orderRepository, ledger, registry, logger),
		api.NewMarketHandler(lpRepository, rateRepository, stakes, rates, logger),
		api.NewInfoHandler(ledger, ac, registry, logger),
		logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Application shutdown complete")
}
