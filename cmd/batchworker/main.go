package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"

	"github.com/example/broadcast-service/internal/broadcasts"
	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/contacts"
	"github.com/example/broadcast-service/internal/credits"
	"github.com/example/broadcast-service/internal/dispatcher"
	"github.com/example/broadcast-service/internal/materializer"
	"github.com/example/broadcast-service/internal/msgs"
	"github.com/example/broadcast-service/internal/orgs"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("batch-worker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	pool, err := common.NewDBPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	readerFactory := func() *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.ServiceName,
			Topic:   cfg.BatchTopic,
		})
	}

	courierWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.CourierTopic,
		Balancer: &kafka.Hash{},
	}
	defer courierWriter.Close()

	contactRepo := contacts.NewRepository(pool)
	msgRepo := msgs.NewRepository(pool)
	msgService := msgs.NewService(msgRepo, nil, cfg.MaxErrorCount, logger)
	bcastRepo := broadcasts.NewRepository(pool)
	counts := broadcasts.NewMsgCounts(pool)
	tracker := broadcasts.NewCompletionTracker(pool, bcastRepo, cfg.CompletionTTL, logger)
	ledger := credits.NewLedger(pool)

	disp := &dispatcher.Dispatcher{
		Courier:    &dispatcher.KafkaCourierQueue{Writer: courierWriter},
		Legacy:     &dispatcher.LegacyOutbox{Pool: pool},
		Msgs:       msgService,
		RatePerSec: cfg.CourierRatePerSec,
		Logger:     logger,
	}

	mat := materializer.New(contactRepo, msgRepo, msgService, ledger, disp, materializer.Config{
		MaxTextLen:          cfg.MaxTextLen,
		SpamThreshold:       cfg.SpamThreshold,
		SpamWindow:          cfg.SpamWindow,
		ShortCodeSpamWindow: cfg.ShortCodeSpamWindow,
	}, logger)

	worker := broadcasts.Worker{
		ReaderFactory: readerFactory,
		Broadcasts:    bcastRepo,
		Orgs:          orgs.NewRepository(pool),
		Channels:      channels.NewRegistry(pool),
		Mat:           mat,
		Tracker:       tracker,
		Counts:        counts,
		Logger:        logger,
	}

	logger.Info().Msg("batch worker started")
	if err := worker.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("batch worker stopped")
	}
}
