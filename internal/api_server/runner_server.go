// Package apiserver hosts the HTTP servers of the two pipeline services and
// the shared metrics endpoint.
package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/evidenceworks/research-pipeline/internal/config"
	"github.com/evidenceworks/research-pipeline/internal/events"
	handlers "github.com/evidenceworks/research-pipeline/internal/handlers/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/objstore"
	"github.com/evidenceworks/research-pipeline/internal/search"
	"github.com/evidenceworks/research-pipeline/internal/service"
	"github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/pkg/log"
	"github.com/evidenceworks/research-pipeline/pkg/metrics"
)

const gracefulShutdownTimeout = 5 * time.Second

// RunnerServer is the orchestration service: it receives job-start triggers
// and evidence-object notifications.
type RunnerServer struct {
	cfg       *config.Config
	store     store.Store
	publisher *events.Publisher
	objects   *objstore.Client
	listener  net.Listener
}

func NewRunnerServer(cfg *config.Config, store store.Store, publisher *events.Publisher, objects *objstore.Client, listener net.Listener) *RunnerServer {
	return &RunnerServer{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		objects:   objects,
		listener:  listener,
	}
}

func (s *RunnerServer) Run(ctx context.Context) error {
	zap.S().Named("runner_server").Info("Initializing runner server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("runner_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		chiMiddleware.RequestID,
		log.Logger(zap.L(), "router"),
		chiMiddleware.Recoverer,
	)

	searcher := search.NewClient(
		s.cfg.Search.APIKey,
		s.cfg.Search.BaseURL,
		s.cfg.Search.Engine,
		s.cfg.Search.CountryCode,
		s.cfg.Search.Language,
		s.cfg.Search.Timeout,
	)

	jobService := service.NewJobService(s.store, searcher, s.publisher, service.JobConfig{
		PipelineVersion: s.cfg.Service.PipelineVersion,
		FetchTopic:      s.cfg.Service.Kafka.FetchTopic,
		Engine:          s.cfg.Search.Engine,
		CountryCode:     s.cfg.Search.CountryCode,
		Language:        s.cfg.Search.Language,
		DefaultTopN:     s.cfg.Search.TopN,
		MaxURLs:         s.cfg.Search.MaxURLs,
	})
	evidenceService := service.NewEvidenceService(s.store, s.publisher, s.objects, service.EvidenceConfig{
		SynthTopic:    s.cfg.Service.Kafka.SynthTopic,
		PromptVersion: s.cfg.Synth.PromptVersion,
	})

	h := handlers.NewRunnerHandler(jobService, evidenceService)
	router.Get("/health", handlers.Health)
	router.Post("/pubsub/push", h.PushJobs)
	router.Post("/pubsub/push/jobs", h.PushJobs)
	router.Post("/pubsub/push/evidence", h.PushEvidence)

	srv := http.Server{Addr: s.cfg.Service.RunnerAddress, Handler: router}

	go func() {
		<-ctx.Done()
		zap.S().Named("runner_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("runner_server").Info("runner server terminated")
	}()

	zap.S().Named("runner_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}
