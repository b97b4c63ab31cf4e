package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/evidenceworks/research-pipeline/internal/config"
	handlers "github.com/evidenceworks/research-pipeline/internal/handlers/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/objstore"
	"github.com/evidenceworks/research-pipeline/internal/service"
	"github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/internal/synth"
	"github.com/evidenceworks/research-pipeline/pkg/log"
	"github.com/evidenceworks/research-pipeline/pkg/metrics"
)

// SynthServer is the synthesis worker: it receives synthesis requests and
// runs the stuck-claim reaper.
type SynthServer struct {
	cfg      *config.Config
	store    store.Store
	objects  *objstore.Client
	listener net.Listener
}

func NewSynthServer(cfg *config.Config, store store.Store, objects *objstore.Client, listener net.Listener) *SynthServer {
	return &SynthServer{
		cfg:      cfg,
		store:    store,
		objects:  objects,
		listener: listener,
	}
}

func (s *SynthServer) Run(ctx context.Context) error {
	zap.S().Named("synth_server").Info("Initializing synthesis server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("synth_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		chiMiddleware.RequestID,
		log.Logger(zap.L(), "router"),
		chiMiddleware.Recoverer,
	)

	synthesizer := synth.NewClient(
		s.cfg.Synth.APIKey,
		s.cfg.Synth.BaseURL,
		s.cfg.Synth.Model,
		s.cfg.Synth.Timeout,
	)

	synthesisService := service.NewSynthesisService(s.store, synthesizer, s.objects, service.SynthesisConfig{
		Bucket:              s.cfg.Objects.Bucket,
		MaxEvidenceItems:    s.cfg.Synth.MaxEvidenceItems,
		MaxCleanedTextChars: s.cfg.Synth.MaxCleanedTextChars,
	})

	reaper := service.NewReaper(s.store, s.cfg.Synth.StuckAfter, s.cfg.Synth.ReapInterval)
	go reaper.Run(ctx)

	h := handlers.NewSynthHandler(synthesisService)
	router.Get("/health", handlers.Health)
	router.Post("/pubsub/push/synth", h.PushSynth)

	srv := http.Server{Addr: s.cfg.Service.SynthAddress, Handler: router}

	go func() {
		<-ctx.Done()
		zap.S().Named("synth_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("synth_server").Info("synthesis server terminated")
	}()

	zap.S().Named("synth_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}
