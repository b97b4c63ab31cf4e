package service

import (
	"context"
	"fmt"
	"time"

	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/pipeline"
	"github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/internal/store/model"
	"github.com/evidenceworks/research-pipeline/pkg/metrics"
	"go.uber.org/zap"
)

const jobStartTimeout = 5 * time.Minute

type JobConfig struct {
	PipelineVersion string
	FetchTopic      string
	Engine          string
	CountryCode     string
	Language        string
	DefaultTopN     int
	MaxURLs         int
}

// JobService owns the job-start leg of the pipeline: idempotent job
// creation, URL discovery and the fan-out of one fetch request per URL.
type JobService struct {
	store     store.Store
	searcher  Searcher
	publisher Publisher
	cfg       JobConfig
}

func NewJobService(store store.Store, searcher Searcher, publisher Publisher, cfg JobConfig) *JobService {
	return &JobService{store: store, searcher: searcher, publisher: publisher, cfg: cfg}
}

type JobStartResult struct {
	Deduped  bool
	Accepted bool
}

// HandleJobStart claims the message and acknowledges early: discovery and
// fan-out continue in the background, decoupling the trigger's latency from
// the pipeline's. Background failures are logged, never swallowed; the
// redelivered trigger is safe because every downstream write is idempotent.
func (s *JobService) HandleJobStart(ctx context.Context, messageID string, event api.Event, payload api.JobStartPayload) (JobStartResult, error) {
	logger := zap.S().Named("job_service")

	claimed, err := s.store.Claim().Claim(ctx, event.TenantID, event.JobID, "jobs:"+messageID)
	if err != nil {
		return JobStartResult{}, err
	}
	if !claimed {
		logger.Infow("duplicate job-start message ignored", "tenant_id", event.TenantID, "job_id", event.JobID, "message_id", messageID)
		return JobStartResult{Deduped: true}, nil
	}

	metrics.IncreaseJobsStarted()

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), jobStartTimeout)
		defer cancel()

		if err := s.ProcessJobStart(bgCtx, event.TenantID, event.JobID, payload); err != nil {
			logger.Errorw("job-start processing failed", "tenant_id", event.TenantID, "job_id", event.JobID, "error", err)
		}
	}()

	return JobStartResult{Accepted: true}, nil
}

// ProcessJobStart runs the discovery and fan-out sequence. Exported so the
// synchronous path is testable without the early-ack goroutine.
func (s *JobService) ProcessJobStart(ctx context.Context, tenantID, jobID string, payload api.JobStartPayload) error {
	logger := zap.S().Named("job_service")

	query := payload.Search.Query
	if query == "" {
		query = payload.UserPrompt
	}
	topN := payload.Search.TopN
	if topN <= 0 {
		topN = s.cfg.DefaultTopN
	}
	if topN > s.cfg.MaxURLs {
		topN = s.cfg.MaxURLs
	}

	searchSpec := map[string]any{
		"query":  query,
		"top_n":  topN,
		"engine": s.cfg.Engine,
		"gl":     s.cfg.CountryCode,
		"hl":     s.cfg.Language,
	}
	specHash, err := pipeline.SpecHash(s.cfg.PipelineVersion, searchSpec)
	if err != nil {
		return err
	}

	if _, err := s.store.Job().Initialize(ctx, store.JobForm{
		TenantID:        tenantID,
		JobID:           jobID,
		ConversationID:  payload.ConversationID,
		UserPrompt:      payload.UserPrompt,
		PipelineVersion: s.cfg.PipelineVersion,
		SpecHash:        specHash,
	}); err != nil {
		return err
	}

	urls, err := s.searcher.TopURLs(ctx, query, topN)
	if err != nil {
		return fmt.Errorf("discovering urls: %w", err)
	}
	logger.Infow("urls discovered", "tenant_id", tenantID, "job_id", jobID, "url_count", len(urls))

	// a query with no results can never collect evidence, so the job fails
	// terminally here instead of parking in WAITING_EVIDENCE
	if len(urls) == 0 {
		logger.Warnw("discovery returned no urls, failing job", "tenant_id", tenantID, "job_id", jobID, "query", query)
		if _, err := s.store.Job().FailDiscovery(ctx, tenantID, jobID, model.SynthesisError{
			Class:     "URL_DISCOVERY_EMPTY",
			Code:      "NO_RESULTS",
			Retryable: false,
			Message:   "search returned no urls",
		}); err != nil {
			return err
		}
		return nil
	}

	job, err := s.store.Job().SetURLsIfAbsent(ctx, tenantID, jobID, urls)
	if err != nil {
		return err
	}

	s.dispatchFetchRequests(ctx, job)

	logger.Infow("job-start processing complete", "tenant_id", tenantID, "job_id", jobID, "urls", len(job.URLs))
	return nil
}

// dispatchFetchRequests publishes one fetch request per discovered URL, in
// rank order. Each publish blocks until the bus accepts the message. A
// publish failure is fatal to that URL only: recovery comes from the
// upstream trigger's redelivery, which is safe because SetURLsIfAbsent and
// MarkEvidenceWritten are idempotent.
func (s *JobService) dispatchFetchRequests(ctx context.Context, job *model.Job) {
	logger := zap.S().Named("job_service")

	for _, u := range job.URLs {
		msg := api.FetchRequest{
			TenantID: job.TenantID,
			JobID:    job.ID,
			URLID:    u.URLID,
			URL:      u.URL,
		}
		attrs := map[string]string{
			"tenantid": job.TenantID,
			"jobid":    job.ID,
			"urlid":    u.URLID,
		}
		if err := s.publisher.PublishJSON(ctx, s.cfg.FetchTopic, api.EventTypeFetchRequest, msg, attrs); err != nil {
			logger.Errorw("failed to publish fetch request", "tenant_id", job.TenantID, "job_id", job.ID, "url_id", u.URLID, "error", err)
			continue
		}
		metrics.IncreaseFetchRequestsPublished()
	}
}
