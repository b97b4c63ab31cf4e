package service_test

import (
	"context"
	"encoding/json"

	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/config"
	"github.com/evidenceworks/research-pipeline/internal/service"
	st "github.com/evidenceworks/research-pipeline/internal/store"
	"github.com/evidenceworks/research-pipeline/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const fetchTopic = "research.pipeline.fetch-requests"

func jobConfig() service.JobConfig {
	return service.JobConfig{
		PipelineVersion: "runner.v1",
		FetchTopic:      fetchTopic,
		Engine:          "google",
		CountryCode:     "us",
		Language:        "en",
		DefaultTopN:     5,
		MaxURLs:         10,
	}
}

var _ = Describe("job service", Ordered, func() {
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

	Context("fan-out", func() {
		It("publishes one fetch request per discovered url", func() {
			searcher := &fakeSearcher{urls: []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"}}
			publisher := newRecordingPublisher()
			svc := service.NewJobService(s, searcher, publisher, jobConfig())

			err := svc.ProcessJobStart(context.TODO(), "tenant-a", "job-1", api.JobStartPayload{
				ConversationID: "conv-1",
				UserPrompt:     "compare vendor roadmaps",
				Search:         api.SearchSpec{Query: "vendor roadmaps 2026", TopN: 3},
			})
			Expect(err).To(BeNil())

			job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusWaitingEvidence))
			Expect(job.Expected).To(Equal(3))

			published := publisher.byTopic(fetchTopic)
			Expect(published).To(HaveLen(3))
			for i, msg := range published {
				var req api.FetchRequest
				Expect(json.Unmarshal(msg.Payload, &req)).To(BeNil())
				Expect(req.TenantID).To(Equal("tenant-a"))
				Expect(req.JobID).To(Equal("job-1"))
				Expect(req.URLID).To(Equal(job.URLs[i].URLID))
				Expect(req.URL).To(Equal(job.URLs[i].URL))
				Expect(msg.Attributes["urlid"]).To(Equal(job.URLs[i].URLID))
			}
		})

		It("falls back to the user prompt when no query is given", func() {
			searcher := &fakeSearcher{urls: []string{"https://a.example.com"}}
			publisher := newRecordingPublisher()
			svc := service.NewJobService(s, searcher, publisher, jobConfig())

			err := svc.ProcessJobStart(context.TODO(), "tenant-a", "job-1", api.JobStartPayload{
				UserPrompt: "what changed in the market this week",
			})
			Expect(err).To(BeNil())
			Expect(searcher.lastQuery).To(Equal("what changed in the market this week"))
			Expect(searcher.lastTopN).To(Equal(5))
		})

		It("caps the requested url count", func() {
			searcher := &fakeSearcher{urls: []string{"https://a.example.com"}}
			publisher := newRecordingPublisher()
			svc := service.NewJobService(s, searcher, publisher, jobConfig())

			err := svc.ProcessJobStart(context.TODO(), "tenant-a", "job-1", api.JobStartPayload{
				UserPrompt: "prompt",
				Search:     api.SearchSpec{TopN: 50},
			})
			Expect(err).To(BeNil())
			Expect(searcher.lastTopN).To(Equal(10))
		})

		It("a failed publish is fatal to that url only", func() {
			searcher := &fakeSearcher{urls: []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"}}
			publisher := newRecordingPublisher()
			publisher.failNext = true
			svc := service.NewJobService(s, searcher, publisher, jobConfig())

			err := svc.ProcessJobStart(context.TODO(), "tenant-a", "job-1", api.JobStartPayload{
				UserPrompt: "prompt",
				Search:     api.SearchSpec{TopN: 3},
			})
			Expect(err).To(BeNil())

			Expect(publisher.byTopic(fetchTopic)).To(HaveLen(2))

			job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(job.Expected).To(Equal(3))
		})

		It("empty discovery fails the job instead of waiting forever", func() {
			searcher := &fakeSearcher{urls: []string{}}
			publisher := newRecordingPublisher()
			svc := service.NewJobService(s, searcher, publisher, jobConfig())

			err := svc.ProcessJobStart(context.TODO(), "tenant-a", "job-1", api.JobStartPayload{
				UserPrompt: "a query nothing matches",
			})
			Expect(err).To(BeNil())

			Expect(publisher.byTopic(fetchTopic)).To(HaveLen(0))

			job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusSynthesisFailed))
			Expect(job.Expected).To(Equal(0))
			Expect(job.EvidenceComplete()).To(BeFalse())

			var failure model.SynthesisError
			Expect(json.Unmarshal(job.Synthesis.Error, &failure)).To(BeNil())
			Expect(failure.Class).To(Equal("URL_DISCOVERY_EMPTY"))
			Expect(failure.Retryable).To(BeFalse())
		})

		It("a search failure leaves the job in RUNNING", func() {
			searcher := &fakeSearcher{err: context.DeadlineExceeded}
			publisher := newRecordingPublisher()
			svc := service.NewJobService(s, searcher, publisher, jobConfig())

			err := svc.ProcessJobStart(context.TODO(), "tenant-a", "job-1", api.JobStartPayload{UserPrompt: "prompt"})
			Expect(err).ToNot(BeNil())

			job, err := s.Job().Get(context.TODO(), "tenant-a", "job-1")
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusRunning))
			Expect(job.Expected).To(Equal(0))
		})
	})

	Context("dedupe", func() {
		It("acknowledges a redelivered trigger without reprocessing", func() {
			searcher := &fakeSearcher{urls: []string{"https://a.example.com"}}
			publisher := newRecordingPublisher()
			svc := service.NewJobService(s, searcher, publisher, jobConfig())

			event := api.Event{EventType: api.EventTypeJobStart, TenantID: "tenant-a", JobID: "job-1"}
			payload := api.JobStartPayload{UserPrompt: "prompt", Search: api.SearchSpec{TopN: 1}}

			result, err := svc.HandleJobStart(context.TODO(), "msg-1", event, payload)
			Expect(err).To(BeNil())
			Expect(result.Accepted).To(BeTrue())

			Eventually(func() int {
				return len(publisher.byTopic(fetchTopic))
			}).Should(Equal(1))

			result, err = svc.HandleJobStart(context.TODO(), "msg-1", event, payload)
			Expect(err).To(BeNil())
			Expect(result.Deduped).To(BeTrue())

			Consistently(func() int {
				return len(publisher.byTopic(fetchTopic))
			}).Should(Equal(1))
		})
	})
})
