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

	logger := log.InitLog(logLvl, "synth-worker")
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	zap.S().Info("Starting synthesis worker")
	defer zap.S().Info("Synthesis worker stopped")

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

	objects, err := objstore.New(cfg.Objects.Endpoint, cfg.Objects.AccessKey, cfg.Objects.SecretKey, cfg.Objects.UseSSL)
	if err != nil {
		zap.S().Fatalf("initializing object store client: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		listener, err := newListener(cfg.Service.SynthAddress)
		if err != nil {
			zap.S().Fatalf("creating listener: %s", err)
		}

		server := apiserver.NewSynthServer(cfg, s, objects, listener)
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
