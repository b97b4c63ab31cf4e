package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evidenceworks/research-pipeline/internal/pipeline"
	"github.com/evidenceworks/research-pipeline/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobForm carries the immutable creation parameters of a job.
type JobForm struct {
	TenantID        string
	JobID           string
	ConversationID  string
	UserPrompt      string
	PipelineVersion string
	SpecHash        string
}

// EvidenceMark is the outcome of MarkEvidenceWritten. Updated is false for
// duplicate deliveries and for unknown url ids, both tolerated as no-ops.
type EvidenceMark struct {
	Exists  bool
	Updated bool
}

// SynthesisClaim is the outcome of ClaimSynthesis.
type SynthesisClaim struct {
	Idempotent        bool
	AlreadyComplete   bool
	AlreadyInProgress bool
	Attempt           int
}

type Job interface {
	Initialize(ctx context.Context, form JobForm) (*model.Job, error)
	Get(ctx context.Context, tenantID, jobID string) (*model.Job, error)
	SetURLsIfAbsent(ctx context.Context, tenantID, jobID string, urls []string) (*model.Job, error)
	MarkEvidenceWritten(ctx context.Context, tenantID, jobID, urlID, rawObject string) (EvidenceMark, error)
	MarkEvidenceReady(ctx context.Context, tenantID, jobID string) error
	FailDiscovery(ctx context.Context, tenantID, jobID string, failure model.SynthesisError) (bool, error)
	ClaimSynthesis(ctx context.Context, tenantID, jobID, requestHash, promptVersion, modelName string) (SynthesisClaim, error)
	CompleteSynthesis(ctx context.Context, tenantID, jobID, requestHash, resultObject, schemaVersion string, latencyMs int64) (bool, error)
	FailSynthesis(ctx context.Context, tenantID, jobID, requestHash string, synthErr model.SynthesisError) (bool, error)
	ListStuckSynthesis(ctx context.Context, before time.Time) ([]model.Job, error)
}

type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

// Initialize creates the job if absent. A job that already exists is
// returned unchanged, whatever its state: creation is idempotent per job id.
func (s *JobStore) Initialize(ctx context.Context, form JobForm) (*model.Job, error) {
	job := model.Job{
		TenantID:        form.TenantID,
		ID:              form.JobID,
		ConversationID:  form.ConversationID,
		UserPrompt:      form.UserPrompt,
		PipelineVersion: form.PipelineVersion,
		SpecHash:        form.SpecHash,
		Status:          model.JobStatusRunning,
	}

	result := s.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("initializing job: %w", result.Error)
	}

	return s.Get(ctx, form.TenantID, form.JobID)
}

func (s *JobStore) Get(ctx context.Context, tenantID, jobID string) (*model.Job, error) {
	var job model.Job
	result := s.getDB(ctx).
		Preload("URLs", func(db *gorm.DB) *gorm.DB { return db.Order("rank") }).
		Preload("Evidence").
		First(&job, "tenant_id = ? AND id = ?", tenantID, jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}

	return &job, nil
}

// SetURLsIfAbsent writes the discovered URL list and seeds the evidence map,
// only when no list has been set yet. A second call is a no-op returning the
// current record, which makes redelivered job-start triggers safe.
func (s *JobStore) SetURLsIfAbsent(ctx context.Context, tenantID, jobID string, urls []string) (*model.Job, error) {
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Job{}).
			Where("tenant_id = ? AND id = ? AND expected = 0", tenantID, jobID).
			Updates(map[string]any{
				"status":   model.JobStatusWaitingEvidence,
				"expected": len(urls),
			})
		if result.Error != nil {
			return fmt.Errorf("setting url list: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// already set, or job missing; both resolved by the re-read below
			return nil
		}

		urlRows := make([]model.JobURL, 0, len(urls))
		evidenceRows := make([]model.JobEvidence, 0, len(urls))
		for i, u := range urls {
			rank := i + 1
			urlRows = append(urlRows, model.JobURL{
				TenantID: tenantID,
				JobID:    jobID,
				URLID:    pipeline.URLID(rank),
				URL:      u,
				Rank:     rank,
				Source:   "serpapi",
			})
			evidenceRows = append(evidenceRows, model.JobEvidence{
				TenantID:   tenantID,
				JobID:      jobID,
				URLID:      pipeline.URLID(rank),
				EvidenceID: pipeline.EvidenceID(rank),
				URL:        u,
				Status:     model.EvidenceStatusRequested,
			})
		}

		if len(urlRows) > 0 {
			if err := tx.Create(&urlRows).Error; err != nil {
				return fmt.Errorf("inserting urls: %w", err)
			}
			if err := tx.Create(&evidenceRows).Error; err != nil {
				return fmt.Errorf("inserting evidence items: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, tenantID, jobID)
}

// MarkEvidenceWritten transitions one url's evidence to WRITTEN and
// increments the received counter, both in one transaction. The guarded
// update makes the increment happen exactly once per url id regardless of
// delivery order or duplication. The new counter value is not returned;
// callers re-read the job after this commits.
func (s *JobStore) MarkEvidenceWritten(ctx context.Context, tenantID, jobID, urlID, rawObject string) (EvidenceMark, error) {
	mark := EvidenceMark{}

	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.Select("tenant_id", "id").First(&job, "tenant_id = ? AND id = ?", tenantID, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("querying job: %w", err)
		}
		mark.Exists = true

		result := tx.Model(&model.JobEvidence{}).
			Where("tenant_id = ? AND job_id = ? AND url_id = ? AND status <> ?",
				tenantID, jobID, urlID, model.EvidenceStatusWritten).
			Updates(map[string]any{
				"status":     model.EvidenceStatusWritten,
				"raw_object": rawObject,
			})
		if result.Error != nil {
			return fmt.Errorf("marking evidence written: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// duplicate delivery or unknown url id
			return nil
		}

		if err := tx.Model(&model.Job{}).
			Where("tenant_id = ? AND id = ?", tenantID, jobID).
			Update("received", gorm.Expr("received + 1")).Error; err != nil {
			return fmt.Errorf("incrementing received counter: %w", err)
		}

		mark.Updated = true
		return nil
	})
	if err != nil {
		return EvidenceMark{}, err
	}

	return mark, nil
}

// MarkEvidenceReady moves WAITING_EVIDENCE to EVIDENCE_READY. Called only
// after the synthesis request publish succeeded. Losing the race to another
// notification is not an error.
func (s *JobStore) MarkEvidenceReady(ctx context.Context, tenantID, jobID string) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantID, jobID, model.JobStatusWaitingEvidence).
		Update("status", model.JobStatusEvidenceReady)
	if result.Error != nil {
		return fmt.Errorf("marking evidence ready: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, tenantID, jobID); err != nil {
			return err
		}
	}
	return nil
}

// FailDiscovery terminates a job whose URL discovery produced nothing to
// fetch. Only a RUNNING job can fail this way; the failure is recorded in the
// job's terminal error record. A job already FAILED is an idempotent no-op,
// covering the redelivered trigger.
func (s *JobStore) FailDiscovery(ctx context.Context, tenantID, jobID string, failure model.SynthesisError) (bool, error) {
	raw, err := json.Marshal(failure)
	if err != nil {
		return false, fmt.Errorf("encoding discovery failure: %w", err)
	}
	now := time.Now().UTC()

	result := s.getDB(ctx).Model(&model.Job{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantID, jobID, model.JobStatusRunning).
		Updates(map[string]any{
			"status":              model.JobStatusSynthesisFailed,
			"synthesis_failed_at": now,
			"synthesis_error":     raw,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failing discovery: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return false, nil
	}

	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return false, err
	}
	if job.Status == model.JobStatusSynthesisFailed {
		return true, nil
	}
	return false, fmt.Errorf("%w: fail discovery from status %s", ErrInvalidTransition, job.Status)
}

// ClaimSynthesis is the single-trigger boundary of the pipeline: a
// compare-and-swap from {EVIDENCE_READY, SYNTHESIS_FAILED} to
// SYNTHESIS_IN_PROGRESS. Exactly one of N racing claims wins; losers observe
// AlreadyInProgress or AlreadyComplete and must not re-invoke synthesis.
func (s *JobStore) ClaimSynthesis(ctx context.Context, tenantID, jobID, requestHash, promptVersion, modelName string) (SynthesisClaim, error) {
	now := time.Now().UTC()

	result := s.getDB(ctx).Model(&model.Job{}).
		Where("tenant_id = ? AND id = ? AND status IN ?", tenantID, jobID,
			[]model.JobStatus{model.JobStatusEvidenceReady, model.JobStatusSynthesisFailed}).
		Updates(map[string]any{
			"status":                   model.JobStatusSynthesisInProgress,
			"synthesis_request_hash":   requestHash,
			"synthesis_prompt_version": promptVersion,
			"synthesis_model":          modelName,
			"synthesis_attempt":        gorm.Expr("synthesis_attempt + 1"),
			"synthesis_started_at":     now,
		})
	if result.Error != nil {
		return SynthesisClaim{}, fmt.Errorf("claiming synthesis: %w", result.Error)
	}

	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return SynthesisClaim{}, err
	}

	if result.RowsAffected == 1 {
		return SynthesisClaim{Attempt: job.Synthesis.Attempt}, nil
	}

	switch {
	case job.Status == model.JobStatusSynthesisComplete && job.Synthesis.RequestHash == requestHash:
		return SynthesisClaim{Idempotent: true, AlreadyComplete: true, Attempt: job.Synthesis.Attempt}, nil
	case job.Status == model.JobStatusSynthesisInProgress && job.Synthesis.RequestHash == requestHash:
		return SynthesisClaim{Idempotent: true, AlreadyInProgress: true, Attempt: job.Synthesis.Attempt}, nil
	default:
		return SynthesisClaim{}, fmt.Errorf("%w: claim from status %s", ErrInvalidTransition, job.Status)
	}
}

// CompleteSynthesis requires SYNTHESIS_IN_PROGRESS with a matching request
// hash. A job already COMPLETE under the same hash is an idempotent no-op;
// anything else signals a concurrent mutation and is an invalid transition.
func (s *JobStore) CompleteSynthesis(ctx context.Context, tenantID, jobID, requestHash, resultObject, schemaVersion string, latencyMs int64) (bool, error) {
	now := time.Now().UTC()

	result := s.getDB(ctx).Model(&model.Job{}).
		Where("tenant_id = ? AND id = ? AND status = ? AND synthesis_request_hash = ?",
			tenantID, jobID, model.JobStatusSynthesisInProgress, requestHash).
		Updates(map[string]any{
			"status":                         model.JobStatusSynthesisComplete,
			"synthesis_completed_at":         now,
			"synthesis_result_object":        resultObject,
			"synthesis_result_schema_version": schemaVersion,
			"synthesis_latency_ms":           latencyMs,
		})
	if result.Error != nil {
		return false, fmt.Errorf("completing synthesis: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return false, nil
	}

	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return false, err
	}
	if job.Status == model.JobStatusSynthesisComplete && job.Synthesis.RequestHash == requestHash {
		return true, nil
	}
	return false, fmt.Errorf("%w: complete from status %s", ErrInvalidTransition, job.Status)
}

// FailSynthesis records a terminal failure from SYNTHESIS_IN_PROGRESS or
// EVIDENCE_READY. Already FAILED under the same hash is an idempotent no-op.
func (s *JobStore) FailSynthesis(ctx context.Context, tenantID, jobID, requestHash string, synthErr model.SynthesisError) (bool, error) {
	raw, err := json.Marshal(synthErr)
	if err != nil {
		return false, fmt.Errorf("encoding synthesis error: %w", err)
	}
	now := time.Now().UTC()

	result := s.getDB(ctx).Model(&model.Job{}).
		Where("tenant_id = ? AND id = ? AND status IN ?", tenantID, jobID,
			[]model.JobStatus{model.JobStatusSynthesisInProgress, model.JobStatusEvidenceReady}).
		Updates(map[string]any{
			"status":                 model.JobStatusSynthesisFailed,
			"synthesis_request_hash": requestHash,
			"synthesis_failed_at":    now,
			"synthesis_error":        raw,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failing synthesis: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return false, nil
	}

	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return false, err
	}
	if job.Status == model.JobStatusSynthesisFailed && job.Synthesis.RequestHash == requestHash {
		return true, nil
	}
	return false, fmt.Errorf("%w: fail from status %s", ErrInvalidTransition, job.Status)
}

// ListStuckSynthesis returns jobs left IN_PROGRESS since before the cutoff,
// typically because a worker crashed between claim and complete/fail.
func (s *JobStore) ListStuckSynthesis(ctx context.Context, before time.Time) ([]model.Job, error) {
	var jobs []model.Job
	result := s.getDB(ctx).
		Where("status = ? AND synthesis_started_at < ?", model.JobStatusSynthesisInProgress, before).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("querying stuck jobs: %w", result.Error)
	}
	return jobs, nil
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
