package service

import (
	"context"
	"fmt"
	"strings"

	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/pipeline"
	"github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/internal/store/model"
	"github.com/evidenceworks/research-pipeline/pkg/metrics"
	"go.uber.org/zap"
)

type EvidenceConfig struct {
	SynthTopic    string
	PromptVersion string
}

// EvidenceService is the fan-in side of the pipeline: it records evidence
// object notifications against the aggregation counter and, when the last
// one lands, assembles and publishes the synthesis request.
type EvidenceService struct {
	store     store.Store
	publisher Publisher
	objects   ObjectStore
	cfg       EvidenceConfig
}

func NewEvidenceService(store store.Store, publisher Publisher, objects ObjectStore, cfg EvidenceConfig) *EvidenceService {
	return &EvidenceService{store: store, publisher: publisher, objects: objects, cfg: cfg}
}

type EvidenceResult struct {
	Deduped   bool
	Ignored   bool
	Reason    string
	Recorded  bool
	Triggered bool
}

// evidenceMeta is the sidecar written next to each raw evidence object by
// the fetcher stage.
type evidenceMeta struct {
	FetchedAt string `json:"fetched_at"`
	HashRaw   string `json:"hash_raw"`
}

// HandleEvidenceWritten processes one evidence-object notification. Duplicate
// deliveries, unknown jobs and unknown url ids are all acknowledged no-ops;
// the aggregation counter moves at most once per url id. Only the delivery
// that observes the counter reach the expected count publishes the synthesis
// request.
func (s *EvidenceService) HandleEvidenceWritten(ctx context.Context, messageID string, payload api.EvidenceWrittenPayload) (EvidenceResult, error) {
	logger := zap.S().Named("evidence_service")

	tenantID, jobID, urlID, ok := pipeline.ParseEvidenceObject(payload.Object)
	if !ok {
		logger.Warnw("ignoring notification with unparseable object name", "bucket", payload.Bucket, "object", payload.Object)
		return EvidenceResult{Ignored: true, Reason: "unparseable object name"}, nil
	}

	claimed, err := s.store.Claim().Claim(ctx, tenantID, jobID, "evidence:"+messageID)
	if err != nil {
		return EvidenceResult{}, err
	}
	if !claimed {
		logger.Infow("duplicate evidence notification ignored", "tenant_id", tenantID, "job_id", jobID, "message_id", messageID)
		return EvidenceResult{Deduped: true}, nil
	}

	mark, err := s.store.Job().MarkEvidenceWritten(ctx, tenantID, jobID, urlID, payload.Object)
	if err != nil {
		return EvidenceResult{}, err
	}
	if !mark.Exists {
		logger.Warnw("evidence notification references unknown job", "tenant_id", tenantID, "job_id", jobID, "url_id", urlID)
		return EvidenceResult{Ignored: true, Reason: "unknown job"}, nil
	}
	if mark.Updated {
		metrics.IncreaseEvidenceWritten()
	}

	job, err := s.store.Job().Get(ctx, tenantID, jobID)
	if err != nil {
		return EvidenceResult{}, err
	}

	if !job.EvidenceComplete() || job.Status != model.JobStatusWaitingEvidence {
		return EvidenceResult{Recorded: mark.Updated}, nil
	}

	if err := s.publishSynthesisRequest(ctx, payload.Bucket, job); err != nil {
		return EvidenceResult{}, err
	}

	if err := s.store.Job().MarkEvidenceReady(ctx, tenantID, jobID); err != nil {
		return EvidenceResult{}, err
	}

	logger.Infow("evidence complete, synthesis requested", "tenant_id", tenantID, "job_id", jobID, "expected", job.Expected)
	return EvidenceResult{Recorded: mark.Updated, Triggered: true}, nil
}

// publishSynthesisRequest assembles the evidence blocks in rank order and
// publishes the request. Entries whose objects never landed are skipped, so
// a pack can be synthesized from partial evidence when the expected count
// was adjusted upstream.
func (s *EvidenceService) publishSynthesisRequest(ctx context.Context, bucket string, job *model.Job) error {
	logger := zap.S().Named("evidence_service")

	byURLID := make(map[string]model.JobEvidence, len(job.Evidence))
	for _, ev := range job.Evidence {
		byURLID[ev.URLID] = ev
	}

	blocks := make([]api.EvidenceBlock, 0, len(job.URLs))
	for _, u := range job.URLs {
		ev, ok := byURLID[u.URLID]
		if !ok || ev.Status != model.EvidenceStatusWritten || ev.RawObject == "" {
			logger.Warnw("skipping evidence entry without a written object", "tenant_id", job.TenantID, "job_id", job.ID, "url_id", u.URLID)
			continue
		}

		prefix := objectPrefix(ev.RawObject)

		var meta evidenceMeta
		if err := s.objects.GetJSON(ctx, bucket, prefix+"meta.json", &meta); err != nil {
			return fmt.Errorf("reading evidence metadata for %s: %w", u.URLID, err)
		}
		cleaned, err := s.objects.GetText(ctx, bucket, prefix+"clean.txt")
		if err != nil {
			return fmt.Errorf("reading cleaned text for %s: %w", u.URLID, err)
		}

		blocks = append(blocks, api.EvidenceBlock{
			SourceURL:    ev.URL,
			SnapshotPath: fmt.Sprintf("s3://%s/%s", bucket, prefix),
			FetchedAt:    meta.FetchedAt,
			Checksum:     meta.HashRaw,
			CleanedText:  cleaned,
		})
	}

	if len(blocks) == 0 {
		return fmt.Errorf("no written evidence found for job %s/%s", job.TenantID, job.ID)
	}

	request := api.SynthesisRequest{
		SchemaVersion:   api.SynthRequestSchemaVersion,
		TenantID:        job.TenantID,
		JobID:           job.ID,
		ConversationID:  job.ConversationID,
		PipelineVersion: job.PipelineVersion,
		PromptVersion:   s.cfg.PromptVersion,
		Evidence:        blocks,
	}
	attrs := map[string]string{
		"tenantid": job.TenantID,
		"jobid":    job.ID,
	}

	return s.publisher.PublishJSON(ctx, s.cfg.SynthTopic, api.EventTypeSynthesisRequest, request, attrs)
}

// objectPrefix returns the directory prefix of an object name, with a
// trailing slash.
func objectPrefix(object string) string {
	idx := strings.LastIndex(object, "/")
	if idx < 0 {
		return ""
	}
	return object[:idx+1]
}
