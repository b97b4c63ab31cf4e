package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusRunning             JobStatus = "RUNNING"
	JobStatusWaitingEvidence     JobStatus = "WAITING_EVIDENCE"
	JobStatusEvidenceReady       JobStatus = "EVIDENCE_READY"
	JobStatusSynthesisInProgress JobStatus = "SYNTHESIS_IN_PROGRESS"
	JobStatusSynthesisComplete   JobStatus = "SYNTHESIS_COMPLETE"
	JobStatusSynthesisFailed     JobStatus = "SYNTHESIS_FAILED"
)

type EvidenceStatus string

const (
	EvidenceStatusRequested EvidenceStatus = "REQUESTED"
	EvidenceStatusWritten   EvidenceStatus = "WRITTEN"
)

// Synthesis is the synthesis guard's private sub-state, embedded in the job
// row. RequestHash binds the inputs of the last claimed attempt.
type Synthesis struct {
	RequestHash         string
	PromptVersion       string
	Model               string
	Attempt             int
	StartedAt           *time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
	Error               []byte `gorm:"type:jsonb"`
	ResultObject        string
	ResultSchemaVersion string
	LatencyMs           int64
}

// SynthesisError is the recorded terminal error of a failed synthesis
// attempt, stored as JSON inside the synthesis sub-state.
type SynthesisError struct {
	Class     string `json:"class"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
}

// Job is one pipeline execution instance, identified by (tenant, job id).
// Expected/Received implement the fan-in barrier: Received is incremented
// exactly once per url id and never exceeds Expected.
type Job struct {
	TenantID        string    `gorm:"primaryKey"`
	ID              string    `gorm:"primaryKey"`
	ConversationID  string    `gorm:"not null"`
	UserPrompt      string    `gorm:"not null"`
	PipelineVersion string    `gorm:"not null"`
	SpecHash        string    `gorm:"not null"`
	Status          JobStatus `gorm:"not null"`
	Expected        int       `gorm:"not null;default:0"`
	Received        int       `gorm:"not null;default:0"`
	Synthesis       Synthesis `gorm:"embedded;embeddedPrefix:synthesis_"`

	URLs     []JobURL      `gorm:"foreignKey:TenantID,JobID;references:TenantID,ID;constraint:OnDelete:CASCADE"`
	Evidence []JobEvidence `gorm:"foreignKey:TenantID,JobID;references:TenantID,ID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EvidenceComplete reports whether all expected evidence has been recorded.
// Pure check over a committed snapshot; callers re-read the job after
// MarkEvidenceWritten commits. Expected is zero only before discovery has
// populated the URL list (empty discovery fails the job instead), so a
// zero-expected job is never complete.
func (j *Job) EvidenceComplete() bool {
	return j.Expected > 0 && j.Received >= j.Expected
}

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

// JobURL is one discovered URL, assigned once and immutable after first write.
type JobURL struct {
	TenantID string `gorm:"primaryKey"`
	JobID    string `gorm:"primaryKey"`
	URLID    string `gorm:"primaryKey"`
	URL      string `gorm:"not null"`
	Rank     int    `gorm:"not null"`
	Source   string
}

func (JobURL) TableName() string {
	return "job_urls"
}

// JobEvidence tracks the per-URL evidence collection state. Status moves
// REQUESTED -> WRITTEN at most once.
type JobEvidence struct {
	TenantID   string         `gorm:"primaryKey"`
	JobID      string         `gorm:"primaryKey"`
	URLID      string         `gorm:"primaryKey"`
	EvidenceID string         `gorm:"not null"`
	URL        string         `gorm:"not null"`
	Status     EvidenceStatus `gorm:"not null"`
	RawObject  string
}

func (JobEvidence) TableName() string {
	return "job_evidence"
}

// Claim is an idempotency marker for an at-least-once-delivered message.
// Insert-only; presence of the row is the only signal consulted.
type Claim struct {
	TenantID  string `gorm:"primaryKey"`
	JobID     string `gorm:"primaryKey"`
	Key       string `gorm:"primaryKey;column:key"`
	CreatedAt time.Time
}

func (Claim) TableName() string {
	return "job_claims"
}
