package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/pipeline"
	"github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/internal/store/model"
	"github.com/evidenceworks/research-pipeline/internal/synth"
	"github.com/evidenceworks/research-pipeline/pkg/metrics"
	"go.uber.org/zap"
)

const maxErrorMessageChars = 2000

type SynthesisConfig struct {
	Bucket              string
	MaxEvidenceItems    int
	MaxCleanedTextChars int
}

// SynthesisService executes synthesis requests under the job's claim guard:
// however many times a request is delivered, the model is invoked and the
// result pack written at most once per request hash.
type SynthesisService struct {
	store       store.Store
	synthesizer Synthesizer
	objects     ObjectStore
	cfg         SynthesisConfig
}

func NewSynthesisService(store store.Store, synthesizer Synthesizer, objects ObjectStore, cfg SynthesisConfig) *SynthesisService {
	return &SynthesisService{store: store, synthesizer: synthesizer, objects: objects, cfg: cfg}
}

type SynthesisResult struct {
	Ignored    bool
	Idempotent bool
	Failed     bool
	PackPath   string
}

// HandleSynthesisRequest runs one synthesis request end to end. The claim is
// the dedupe: there is no message-id ledger here because the request hash
// identifies the work, not the delivery.
func (s *SynthesisService) HandleSynthesisRequest(ctx context.Context, request api.SynthesisRequest) (SynthesisResult, error) {
	logger := zap.S().Named("synthesis_service")

	if err := s.checkLimits(request); err != nil {
		return SynthesisResult{}, err
	}

	checksums := make([]string, 0, len(request.Evidence))
	for _, block := range request.Evidence {
		checksums = append(checksums, block.Checksum)
	}
	requestHash, err := pipeline.RequestHash(request.PromptVersion, checksums, s.synthesizer.Model(),
		synth.Temperature, synth.TopP, synth.MaxTokens)
	if err != nil {
		return SynthesisResult{}, err
	}

	claim, err := s.store.Job().ClaimSynthesis(ctx, request.TenantID, request.JobID, requestHash,
		request.PromptVersion, s.synthesizer.Model())
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			logger.Warnw("synthesis request references unknown job", "tenant_id", request.TenantID, "job_id", request.JobID)
			return SynthesisResult{Ignored: true}, nil
		}
		return SynthesisResult{}, err
	}
	if claim.AlreadyComplete {
		logger.Infow("synthesis already complete, acknowledging", "tenant_id", request.TenantID, "job_id", request.JobID, "request_hash", requestHash)
		return SynthesisResult{Idempotent: true}, nil
	}
	if claim.AlreadyInProgress {
		logger.Infow("synthesis already in progress, acknowledging", "tenant_id", request.TenantID, "job_id", request.JobID, "request_hash", requestHash)
		return SynthesisResult{Idempotent: true}, nil
	}

	metrics.IncreaseSynthesisAttempts()
	logger.Infow("synthesis claimed", "tenant_id", request.TenantID, "job_id", request.JobID, "attempt", claim.Attempt, "request_hash", requestHash)

	blocks := make([]synth.EvidenceBlock, 0, len(request.Evidence))
	for i, block := range request.Evidence {
		blocks = append(blocks, synth.EvidenceBlock{
			EvidenceID:  pipeline.BlockID(i + 1),
			SourceURL:   block.SourceURL,
			FetchedAt:   block.FetchedAt,
			Checksum:    block.Checksum,
			CleanedText: block.CleanedText,
		})
	}
	messages, err := synth.BuildMessages(request.PromptVersion, blocks)
	if err != nil {
		return SynthesisResult{}, err
	}

	result, err := s.synthesizer.Synthesize(ctx, messages)
	if err != nil {
		return s.fail(ctx, request, requestHash, model.SynthesisError{
			Class:     "SYNTHESIS_CALL_FAILED",
			Code:      "EXCEPTION",
			Retryable: true,
			Message:   truncate(err.Error(), maxErrorMessageChars),
		}, NewErrRetryable(err))
	}

	if result.StatusCode != http.StatusOK {
		retryable := synth.IsRetryableStatus(result.StatusCode)
		synthErr := model.SynthesisError{
			Class:     "SYNTHESIS_CALL_FAILED",
			Code:      strconv.Itoa(result.StatusCode),
			Retryable: retryable,
			Message:   truncate(result.Body, maxErrorMessageChars),
		}
		if retryable {
			return s.fail(ctx, request, requestHash, synthErr,
				NewErrRetryable(fmt.Errorf("synthesis api returned status %d", result.StatusCode)))
		}
		return s.fail(ctx, request, requestHash, synthErr, nil)
	}

	var parsed struct {
		Findings        []api.Finding       `json:"synthesized_findings"`
		ConfidenceNotes api.ConfidenceNotes `json:"confidence_notes"`
	}
	if err := json.Unmarshal([]byte(result.Content), &parsed); err != nil {
		return s.fail(ctx, request, requestHash, model.SynthesisError{
			Class:     "SYNTHESIS_BAD_RESPONSE",
			Code:      "BAD_JSON",
			Retryable: false,
			Message:   truncate(result.Content, maxErrorMessageChars),
		}, nil)
	}

	pack := s.buildPack(request, requestHash, result, parsed.Findings, parsed.ConfidenceNotes)

	object := pipeline.PackObject(request.TenantID, request.JobID)
	path, created, err := s.objects.PutJSONIfAbsent(ctx, s.cfg.Bucket, object, pack)
	if err != nil {
		return s.fail(ctx, request, requestHash, model.SynthesisError{
			Class:     "PACK_WRITE_FAILED",
			Code:      "EXCEPTION",
			Retryable: true,
			Message:   truncate(err.Error(), maxErrorMessageChars),
		}, NewErrRetryable(err))
	}
	if !created {
		logger.Infow("result pack already present, keeping existing object", "tenant_id", request.TenantID, "job_id", request.JobID, "object", object)
	}

	idempotent, err := s.store.Job().CompleteSynthesis(ctx, request.TenantID, request.JobID, requestHash,
		path, api.EvidencePackSchemaVersion, result.LatencyMs)
	if err != nil {
		return SynthesisResult{}, err
	}

	metrics.IncreaseSynthesisOutcome("complete")
	logger.Infow("synthesis complete", "tenant_id", request.TenantID, "job_id", request.JobID,
		"attempt", claim.Attempt, "latency_ms", result.LatencyMs, "pack", path)
	return SynthesisResult{Idempotent: idempotent, PackPath: path}, nil
}

// fail records the failure on the job, then either propagates retErr for a
// bus redelivery or acknowledges a terminal failure.
func (s *SynthesisService) fail(ctx context.Context, request api.SynthesisRequest, requestHash string, synthErr model.SynthesisError, retErr error) (SynthesisResult, error) {
	logger := zap.S().Named("synthesis_service")

	if _, err := s.store.Job().FailSynthesis(ctx, request.TenantID, request.JobID, requestHash, synthErr); err != nil {
		logger.Errorw("failed to record synthesis failure", "tenant_id", request.TenantID, "job_id", request.JobID, "error", err)
		if retErr == nil {
			return SynthesisResult{}, err
		}
	}

	metrics.IncreaseSynthesisOutcome("failed")
	logger.Warnw("synthesis failed", "tenant_id", request.TenantID, "job_id", request.JobID,
		"class", synthErr.Class, "code", synthErr.Code, "retryable", synthErr.Retryable)

	if retErr != nil {
		return SynthesisResult{}, retErr
	}
	return SynthesisResult{Failed: true}, nil
}

func (s *SynthesisService) checkLimits(request api.SynthesisRequest) error {
	if len(request.Evidence) > s.cfg.MaxEvidenceItems {
		return NewErrMalformedMessage("evidence list exceeds limit: %d > %d", len(request.Evidence), s.cfg.MaxEvidenceItems)
	}
	for i, block := range request.Evidence {
		if len(block.CleanedText) > s.cfg.MaxCleanedTextChars {
			return NewErrMalformedMessage("cleaned text of evidence %d exceeds limit: %d > %d", i+1, len(block.CleanedText), s.cfg.MaxCleanedTextChars)
		}
	}
	return nil
}

func (s *SynthesisService) buildPack(request api.SynthesisRequest, requestHash string, result *synth.Result, findings []api.Finding, notes api.ConfidenceNotes) api.EvidencePack {
	sources := make([]api.EvidenceSource, 0, len(request.Evidence))
	citations := make([]api.Citation, 0, len(request.Evidence))
	for i, block := range request.Evidence {
		id := pipeline.BlockID(i + 1)
		sources = append(sources, api.EvidenceSource{
			EvidenceID:   id,
			SourceURL:    block.SourceURL,
			SnapshotPath: block.SnapshotPath,
			FetchedAt:    block.FetchedAt,
			Checksum:     block.Checksum,
		})
		citations = append(citations, api.Citation{
			EvidenceID: id,
			SourceURL:  block.SourceURL,
			Checksum:   block.Checksum,
			FetchedAt:  block.FetchedAt,
		})
	}

	for i := range findings {
		if findings[i].FindingID == "" {
			findings[i].FindingID = fmt.Sprintf("F%d", i+1)
		}
	}

	return api.EvidencePack{
		SchemaVersion:   api.EvidencePackSchemaVersion,
		JobID:           request.JobID,
		TenantID:        request.TenantID,
		ConversationID:  request.ConversationID,
		PipelineVersion: request.PipelineVersion,
		PromptVersion:   request.PromptVersion,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		EvidenceSources: sources,
		Findings:        findings,
		Citations:       citations,
		ConfidenceNotes: notes,
		Metadata: api.SynthMetadata{
			Model:             s.synthesizer.Model(),
			Temperature:       synth.Temperature,
			TopP:              synth.TopP,
			MaxTokens:         synth.MaxTokens,
			RequestHash:       requestHash,
			ProviderRequestID: result.ProviderRequestID,
			LatencyMs:         result.LatencyMs,
		},
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
