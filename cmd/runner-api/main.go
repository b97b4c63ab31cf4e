package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	apiserver "github.com/evidenceworks/research-pipeline/internal/api_server"
	"github.com/evidenceworks/research-pipeline/internal/config"
	"github.com/evidenceworks/research-pipeline/internal/events"
	"github.com/evidenceworks/research-pipeline/internal/objstore"
	"github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/pkg/log"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		zap.S().Fatalf("reading configuration: %v", err)
	}

	logLvl, err := zap.ParseAtomicLevel(cfg.Service.LogLevel)
	if err != nil {
		logLvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger := log.InitLog(logLvl, "runner-api")
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	zap.S().Info("Starting runner service")
	defer zap.S().Info("Runner service stopped")

	zap.S().Info("Initializing data store")
	db, err := store.InitDB(cfg)
	if err != nil {
		zap.S().Fatalf("initializing data store: %v", err)
	}

	s := store.NewStore(db)
	defer s.Close()

	if err := s.InitialMigration(); err != nil {
		zap.S().Fatalf("running initial migration: %v", err)
	}

	var writer events.Writer = &events.StdoutWriter{}
	if len(cfg.Service.Kafka.Brokers) > 0 {
		writer, err = events.NewKafkaWriter(cfg.Service.Kafka.Brokers, cfg.Service.Kafka.ClientID, cfg.Service.Kafka.ProducerTimeout)
		if err != nil {
			zap.S().Fatalf("initializing kafka writer: %v", err)
		}
	}
	publisher := events.NewPublisher(writer)

	objects, err := objstore.New(cfg.Objects.Endpoint, cfg.Objects.AccessKey, cfg.Objects.SecretKey, cfg.Objects.UseSSL)
	if err != nil {
		zap.S().Fatalf("initializing object store client: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer publisher.Close(context.Background()) //nolint:errcheck

	go func() {
		listener, err := newListener(cfg.Service.RunnerAddress)
		if err != nil {
			zap.S().Fatalf("creating listener: %s", err)
		}

		server := apiserver.NewRunnerServer(cfg, s, publisher, objects, listener)
		if err := server.Run(ctx); err != nil {
			zap.S().Fatalf("Error running server: %s", err)
		}
		cancel()
	}()

	go func() {
		listener, err := newListener(cfg.Service.MetricsAddress)
		if err != nil {
			zap.S().Fatalf("creating listener: %s", err)
		}

		metricsServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener)
		if err := metricsServer.Run(ctx); err != nil {
			zap.S().Fatalf("Error running metrics server: %s", err)
		}
		cancel()
	}()

	<-ctx.Done()
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
