package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/config"
	"github.com/evidenceworks/research-pipeline/internal/pipeline"
	"github.com/evidenceworks/research-pipeline/internal/service"
	st "github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/internal/store/model"
	"github.com/evidenceworks/research-pipeline/internal/synth"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

func synthesisConfig() service.SynthesisConfig {
	return service.SynthesisConfig{
		Bucket:              bucket,
		MaxEvidenceItems:    20,
		MaxCleanedTextChars: 200000,
	}
}

func synthesisRequest(tenantID, jobID string) api.SynthesisRequest {
	return api.SynthesisRequest{
		SchemaVersion:   api.SynthRequestSchemaVersion,
		TenantID:        tenantID,
		JobID:           jobID,
		ConversationID:  "conv-1",
		PipelineVersion: "runner.v1",
		PromptVersion:   "synth_prompt.v1",
		Evidence: []api.EvidenceBlock{
			{
				SourceURL:    "https://a.example.com",
				SnapshotPath: "s3://research-evidence/tenants/tenant-a/jobs/job-1/evidence/URL_001/raw/",
				FetchedAt:    "2026-08-28T10:00:00Z",
				Checksum:     "sha256:raw-1",
				CleanedText:  "first source text",
			},
			{
				SourceURL:    "https://b.example.com",
				SnapshotPath: "s3://research-evidence/tenants/tenant-a/jobs/job-1/evidence/URL_002/raw/",
				FetchedAt:    "2026-08-28T10:01:00Z",
				Checksum:     "sha256:raw-2",
				CleanedText:  "second source text",
			},
		},
	}
}

func okResult() *synth.Result {
	content, _ := json.Marshal(map[string]any{
		"synthesized_findings": []map[string]any{
			{
				"finding":                 "both sources agree",
				"supporting_evidence_ids": []string{"E1", "E2"},
				"confidence":              "high",
			},
		},
		"confidence_notes": map[string]any{
			"coverage_gaps": []string{"no primary data"},
		},
	})
	return &synth.Result{
		StatusCode:        200,
		LatencyMs:         850,
		ProviderRequestID: "req-123",
		Content:           string(content),
	}
}

var _ = Describe("synthesis service", Ordered, func() {
	var (
		s      st.Store
		gormdb *gorm.DB
	)

	setupReadyJob := func(tenantID, jobID string) {
		_, err := s.Job().Initialize(context.TODO(), st.JobForm{
			TenantID:        tenantID,
			JobID:           jobID,
			ConversationID:  "conv-1",
			UserPrompt:      "prompt",
			PipelineVersion: "runner.v1",
			SpecHash:        "sha256:spec",
		})
		Expect(err).To(BeNil())
		_, err = s.Job().SetURLsIfAbsent(context.TODO(), tenantID, jobID, []string{"https://a.example.com", "https://b.example.com"})
		Expect(err).To(BeNil())
		Expect(s.Job().MarkEvidenceReady(context.TODO(), tenantID, jobID)).To(BeNil())
	}

	BeforeAll(func() {
		db, err := st.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = st.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration()).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM job_evidence;")
		gormdb.Exec("DELETE FROM job_urls;")
		gormdb.Exec("DELETE FROM job_claims;")
		gormdb.Exec("DELETE FROM jobs;")
	})

	Context("success", func() {
		It("invokes the model once and writes the pack", func() {
			setupReadyJob("tenant-a", "job-1")

			synthesizer := newFakeSynthesizer(synthOutcome{result: okResult()})
			objects := newFakeObjects()
			svc := service.NewSynthesisService(s, synthesizer, objects, synthesisConfig())

			result, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			Expect(err).To(BeNil())
			Expect(result.Failed).To(BeFalse())
			Expect(result.PackPath).To(Equal("s3://research-evidence/tenants/tenant-a/jobs/job-1/normalized/pack.json"))
			Expect(synthesizer.callCount()).To(Equal(1))

			job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusSynthesisComplete))
			Expect(job.Synthesis.Attempt).To(Equal(1))
			Expect(job.Synthesis.ResultObject).To(Equal(result.PackPath))
			Expect(job.Synthesis.ResultSchemaVersion).To(Equal(api.EvidencePackSchemaVersion))

			raw, ok := objects.get(bucket, pipeline.PackObject("tenant-a", "job-1"))
			Expect(ok).To(BeTrue())

			var pack api.EvidencePack
			Expect(json.Unmarshal(raw, &pack)).To(BeNil())
			Expect(pack.SchemaVersion).To(Equal(api.EvidencePackSchemaVersion))
			Expect(pack.EvidenceSources).To(HaveLen(2))
			Expect(pack.EvidenceSources[0].EvidenceID).To(Equal("E1"))
			Expect(pack.EvidenceSources[1].Checksum).To(Equal("sha256:raw-2"))
			Expect(pack.Findings).To(HaveLen(1))
			Expect(pack.Findings[0].FindingID).To(Equal("F1"))
			Expect(pack.Metadata.Model).To(Equal("sonar-pro"))
			Expect(pack.Metadata.RequestHash).To(Equal(job.Synthesis.RequestHash))
			Expect(pack.Metadata.ProviderRequestID).To(Equal("req-123"))
		})

		It("acknowledges a redelivery after completion without a second model call", func() {
			setupReadyJob("tenant-a", "job-1")

			synthesizer := newFakeSynthesizer(synthOutcome{result: okResult()})
			objects := newFakeObjects()
			svc := service.NewSynthesisService(s, synthesizer, objects, synthesisConfig())

			_, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			Expect(err).To(BeNil())

			result, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			Expect(err).To(BeNil())
			Expect(result.Idempotent).To(BeTrue())
			Expect(synthesizer.callCount()).To(Equal(1))
		})
	})

	Context("failure", func() {
		It("a retryable upstream failure asks for redelivery and a retry succeeds", func() {
			setupReadyJob("tenant-a", "job-1")

			synthesizer := newFakeSynthesizer(
				synthOutcome{result: &synth.Result{StatusCode: 503, Body: "upstream unavailable"}},
				synthOutcome{result: okResult()},
			)
			objects := newFakeObjects()
			svc := service.NewSynthesisService(s, synthesizer, objects, synthesisConfig())

			_, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			var retryable *service.ErrRetryable
			Expect(errors.As(err, &retryable)).To(BeTrue())

			job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusSynthesisFailed))

			var synthErr model.SynthesisError
			Expect(json.Unmarshal(job.Synthesis.Error, &synthErr)).To(BeNil())
			Expect(synthErr.Retryable).To(BeTrue())
			Expect(synthErr.Code).To(Equal("503"))

			result, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			Expect(err).To(BeNil())
			Expect(result.PackPath).ToNot(BeEmpty())

			job, err = s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusSynthesisComplete))
			Expect(job.Synthesis.Attempt).To(Equal(2))
		})

		It("a transport error is retryable", func() {
			setupReadyJob("tenant-a", "job-1")

			synthesizer := newFakeSynthesizer(synthOutcome{err: errors.New("connection reset")})
			objects := newFakeObjects()
			svc := service.NewSynthesisService(s, synthesizer, objects, synthesisConfig())

			_, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			var retryable *service.ErrRetryable
			Expect(errors.As(err, &retryable)).To(BeTrue())
		})

		It("a client error from the model is terminal", func() {
			setupReadyJob("tenant-a", "job-1")

			synthesizer := newFakeSynthesizer(synthOutcome{result: &synth.Result{StatusCode: 400, Body: "bad request"}})
			objects := newFakeObjects()
			svc := service.NewSynthesisService(s, synthesizer, objects, synthesisConfig())

			result, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			Expect(err).To(BeNil())
			Expect(result.Failed).To(BeTrue())

			job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusSynthesisFailed))
		})

		It("non-JSON model output is terminal", func() {
			setupReadyJob("tenant-a", "job-1")

			synthesizer := newFakeSynthesizer(synthOutcome{result: &synth.Result{StatusCode: 200, Content: "here are my findings in prose"}})
			objects := newFakeObjects()
			svc := service.NewSynthesisService(s, synthesizer, objects, synthesisConfig())

			result, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			Expect(err).To(BeNil())
			Expect(result.Failed).To(BeTrue())

			var synthErr model.SynthesisError
			job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(json.Unmarshal(job.Synthesis.Error, &synthErr)).To(BeNil())
			Expect(synthErr.Code).To(Equal("BAD_JSON"))
			Expect(synthErr.Retryable).To(BeFalse())
		})
	})

	Context("validation", func() {
		It("rejects an oversized evidence list", func() {
			synthesizer := newFakeSynthesizer()
			objects := newFakeObjects()
			cfg := synthesisConfig()
			cfg.MaxEvidenceItems = 1
			svc := service.NewSynthesisService(s, synthesizer, objects, cfg)

			_, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			var malformed *service.ErrMalformedMessage
			Expect(errors.As(err, &malformed)).To(BeTrue())
			Expect(synthesizer.callCount()).To(Equal(0))
		})

		It("rejects oversized cleaned text", func() {
			synthesizer := newFakeSynthesizer()
			objects := newFakeObjects()
			cfg := synthesisConfig()
			cfg.MaxCleanedTextChars = 5
			svc := service.NewSynthesisService(s, synthesizer, objects, cfg)

			_, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "job-1"))
			var malformed *service.ErrMalformedMessage
			Expect(errors.As(err, &malformed)).To(BeTrue())
		})

		It("ignores requests for unknown jobs", func() {
			synthesizer := newFakeSynthesizer()
			objects := newFakeObjects()
			svc := service.NewSynthesisService(s, synthesizer, objects, synthesisConfig())

			result, err := svc.HandleSynthesisRequest(context.TODO(), synthesisRequest("tenant-a", "missing"))
			Expect(err).To(BeNil())
			Expect(result.Ignored).To(BeTrue())
		})
	})

	Context("request hash", func() {
		It("differs when the evidence order differs", func() {
			checksums := []string{"sha256:raw-1", "sha256:raw-2"}
			reversed := []string{"sha256:raw-2", "sha256:raw-1"}

			h1, err := pipeline.RequestHash("synth_prompt.v1", checksums, "sonar-pro", synth.Temperature, synth.TopP, synth.MaxTokens)
			Expect(err).To(BeNil())
			h2, err := pipeline.RequestHash("synth_prompt.v1", reversed, "sonar-pro", synth.Temperature, synth.TopP, synth.MaxTokens)
			Expect(err).To(BeNil())
			Expect(h1).ToNot(Equal(h2))
			Expect(h1).To(HavePrefix("sha256:"))
		})

		It("is stable for identical inputs", func() {
			checksums := []string{"sha256:raw-1", "sha256:raw-2"}
			h1, err := pipeline.RequestHash("synth_prompt.v1", checksums, "sonar-pro", synth.Temperature, synth.TopP, synth.MaxTokens)
			Expect(err).To(BeNil())
			h2, err := pipeline.RequestHash("synth_prompt.v1", checksums, "sonar-pro", synth.Temperature, synth.TopP, synth.MaxTokens)
			Expect(err).To(BeNil())
			Expect(h1).To(Equal(h2))
		})
	})
})

var _ = Describe("reaper", Ordered, func() {
	var (
		s      st.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		db, err := st.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = st.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration()).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM job_evidence;")
		gormdb.Exec("DELETE FROM job_urls;")
		gormdb.Exec("DELETE FROM job_claims;")
		gormdb.Exec("DELETE FROM jobs;")
	})

	It("fails stuck claims so they can be re-claimed", func() {
		_, err := s.Job().Initialize(context.TODO(), st.JobForm{
			TenantID:        "tenant-a",
			JobID:           "job-1",
			ConversationID:  "conv-1",
			UserPrompt:      "prompt",
			PipelineVersion: "runner.v1",
			SpecHash:        "sha256:spec",
		})
		Expect(err).To(BeNil())
		_, err = s.Job().SetURLsIfAbsent(context.TODO(), "tenant-a", "job-1", []string{"https://a.example.com"})
		Expect(err).To(BeNil())
		Expect(s.Job().MarkEvidenceReady(context.TODO(), "tenant-a", "job-1")).To(BeNil())
		_, err = s.Job().ClaimSynthesis(context.TODO(), "tenant-a", "job-1", "sha256:request", "synth_prompt.v1", "sonar-pro")
		Expect(err).To(BeNil())

		stale := time.Now().UTC().Add(-time.Hour)
		gormdb.Exec("UPDATE jobs SET synthesis_started_at = ? WHERE id = 'job-1';", stale)

		reaper := service.NewReaper(s, 15*time.Minute, 5*time.Minute)
		reaped, err := reaper.ReapOnce(context.TODO())
		Expect(err).To(BeNil())
		Expect(reaped).To(Equal(1))

		job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
		Expect(err).To(BeNil())
		Expect(job.Status).To(Equal(model.JobStatusSynthesisFailed))

		claim, err := s.Job().ClaimSynthesis(context.TODO(), "tenant-a", "job-1", "sha256:request", "synth_prompt.v1", "sonar-pro")
		Expect(err).To(BeNil())
		Expect(claim.Attempt).To(Equal(2))
	})
})
