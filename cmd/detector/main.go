package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platformbuilds/causeway/internal/activity"
	"github.com/platformbuilds/causeway/internal/broker"
	"github.com/platformbuilds/causeway/internal/config"
	"github.com/platformbuilds/causeway/internal/detector"
	"github.com/platformbuilds/causeway/internal/grouper"
	"github.com/platformbuilds/causeway/internal/storage/clickhouse"
	"github.com/platformbuilds/causeway/internal/storage/postgres"
	"github.com/platformbuilds/causeway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logger.New(cfg.LogLevel)
	logger.Info("Starting Causeway detector worker", "environment", cfg.Environment)

	pg, err := postgres.Connect(cfg.Postgres)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", "error", err)
	}
	defer pg.Close()

	ch, err := clickhouse.Connect(cfg.ClickHouse)
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse", "error", err)
	}
	defer ch.Close()

	producer := broker.NewProducer(cfg.Kafka.BootstrapServers)
	defer producer.Close()

	activityLog, err := activity.New(cfg.Redis, cfg.Activity, logger)
	if err != nil {
		logger.Warn("Activity store unreachable, activity logging disabled", "error", err)
		activityLog = activity.NewDegraded(cfg.Activity, logger)
	}
	defer activityLog.Close()

	consumer := broker.NewConsumer(cfg.Kafka.BootstrapServers, cfg.Kafka.DetectorGroup, broker.TopicMetricsRaw)
	defer consumer.Close()

	worker := detector.NewWorker(
		detector.New(detector.FromConfig(cfg.Detector)),
		grouper.FromConfig(cfg.Grouper),
		pg, producer, activityLog, logger,
	)
	if cfg.Detector.WarmupHours > 0 {
		worker.WarmupWindow = time.Duration(cfg.Detector.WarmupHours) * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	warmupCtx, warmupCancel := context.WithTimeout(ctx, time.Minute)
	worker.Warmup(warmupCtx, ch)
	warmupCancel()

	if err := worker.Run(ctx, consumer); err != nil {
		logger.Fatal("Detector worker failed", "error", err)
	}

	logger.Info("Detector worker shutdown complete")
}
