package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	researchPipeline = "research_pipeline"

	jobsStartedTotal       = "jobs_started_total"
	fetchRequestsTotal     = "fetch_requests_published_total"
	evidenceWrittenTotal   = "evidence_written_total"
	synthesisAttemptsTotal = "synthesis_attempts_total"
	synthesisOutcomeTotal  = "synthesis_outcome_total"

	// Labels
	synthesisOutcomeLabel = "outcome"
)

var jobsStartedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: researchPipeline,
		Name:      jobsStartedTotal,
		Help:      "number of jobs accepted from job-start triggers",
	},
)

var fetchRequestsTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: researchPipeline,
		Name:      fetchRequestsTotal,
		Help:      "number of fetch-request messages published during fan-out",
	},
)

var evidenceWrittenTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: researchPipeline,
		Name:      evidenceWrittenTotal,
		Help:      "number of evidence items recorded by the fan-in aggregator",
	},
)

var synthesisAttemptsTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: researchPipeline,
		Name:      synthesisAttemptsTotal,
		Help:      "number of synthesis attempts claimed",
	},
)

var synthesisOutcomeTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: researchPipeline,
		Name:      synthesisOutcomeTotal,
		Help:      "number of synthesis terminal outcomes partitioned by outcome",
	},
	[]string{synthesisOutcomeLabel},
)

func IncreaseJobsStarted() {
	jobsStartedTotalMetric.Inc()
}

func IncreaseFetchRequestsPublished() {
	fetchRequestsTotalMetric.Inc()
}

func IncreaseEvidenceWritten() {
	evidenceWrittenTotalMetric.Inc()
}

func IncreaseSynthesisAttempts() {
	synthesisAttemptsTotalMetric.Inc()
}

func IncreaseSynthesisOutcome(outcome string) {
	synthesisOutcomeTotalMetric.With(prometheus.Labels{synthesisOutcomeLabel: outcome}).Inc()
}

func init() {
	prometheus.MustRegister(
		jobsStartedTotalMetric,
		fetchRequestsTotalMetric,
		evidenceWrittenTotalMetric,
		synthesisAttemptsTotalMetric,
		synthesisOutcomeTotalMetric,
	)
}
