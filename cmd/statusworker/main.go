package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"

	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/contacts"
	"github.com/example/broadcast-service/internal/msgs"
	"github.com/example/broadcast-service/internal/statusevents"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("status-worker")
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
			Topic:   cfg.StatusTopic,
		})
	}

	msgRepo := msgs.NewRepository(pool)
	msgService := msgs.NewService(msgRepo, nil, cfg.MaxErrorCount, logger)

	consumer := statusevents.Consumer{
		ReaderFactory: readerFactory,
		Msgs:          msgRepo,
		Service:       msgService,
		Contacts:      contacts.NewRepository(pool),
		Logger:        logger,
	}

	logger.Info().Msg("status worker started")
	if err := consumer.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("status worker stopped")
	}
}
