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
	"github.com/platformbuilds/causeway/internal/rca"
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
	logger.Info("Starting Causeway RCA worker", "environment", cfg.Environment)

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

	activityLog, err := activity.New(cfg.Redis, cfg.Activity, logger)
	if err != nil {
		logger.Warn("Activity store unreachable, activity logging disabled", "error", err)
		activityLog = activity.NewDegraded(cfg.Activity, logger)
	}
	defer activityLog.Close()

	consumer := broker.NewConsumer(cfg.Kafka.BootstrapServers, cfg.Kafka.RCAGroup, broker.TopicRCARequests)
	defer consumer.Close()

	extractor := rca.NewExtractor(ch, pg, logger)
	if cfg.RCA.IncidentRateDays > 0 {
		extractor.IncidentRateWindow = time.Duration(cfg.RCA.IncidentRateDays) * 24 * time.Hour
	}
	ranker := rca.NewRanker(cfg.RCA.ModelPath, logger)
	runner := rca.NewRunner(pg, pg, extractor, ranker, activityLog,
		rca.CandidateConfigFrom(cfg.RCA), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	if err := runner.Run(ctx, consumer); err != nil {
		logger.Fatal("RCA worker failed", "error", err)
	}

	logger.Info("RCA worker shutdown complete")
}
