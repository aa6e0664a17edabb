package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/platformbuilds/causeway/internal/activity"
	"github.com/platformbuilds/causeway/internal/api"
	"github.com/platformbuilds/causeway/internal/broker"
	"github.com/platformbuilds/causeway/internal/config"
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
	logger.Info("Starting Causeway API", "environment", cfg.Environment)

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

	apiServer := api.NewServer(cfg, logger, api.Dependencies{
		Postgres:   pg,
		Timeseries: ch,
		Producer:   producer,
		Activity:   activityLog,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	if err := apiServer.Start(ctx); err != nil {
		logger.Fatal("Server failed to start", "error", err)
	}

	logger.Info("Causeway API shutdown complete")
}
