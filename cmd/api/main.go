package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/broadcast-service/internal/api"
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

	cfg, err := common.LoadConfig("api")
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

	batchWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.BatchTopic,
		Balancer: &kafka.Hash{},
	}
	defer batchWriter.Close()

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
	builder := broadcasts.NewBuilder(contactRepo)
	counts := broadcasts.NewMsgCounts(pool)
	tracker := broadcasts.NewCompletionTracker(pool, bcastRepo, cfg.CompletionTTL, logger)
	guard := broadcasts.NewLoopGuard(pool, cfg.LoopGuardWindow)
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

	sender := broadcasts.NewSender(
		bcastRepo, builder, contactRepo, guard, mat,
		&broadcasts.KafkaBatchQueue{Writer: batchWriter},
		tracker, counts, cfg.BatchSize, cfg.LoopGroupSize, logger,
	)

	h := api.NewHandler(
		bcastRepo, sender, builder, counts,
		orgs.NewRepository(pool), channels.NewRegistry(pool),
		msgRepo, msgService, contactRepo, logger,
	)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: h.Router(),
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
