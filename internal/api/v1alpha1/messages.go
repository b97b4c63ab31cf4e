// Package v1alpha1 holds the versioned message contracts exchanged over the
// bus between the pipeline stages. Payloads are strict: required fields are
// enforced at the boundary, unknown event types are acknowledged and ignored.
package v1alpha1

import "encoding/json"

const (
	EventTypeJobStart              = "JOB_START"
	EventTypeEvidenceObjectWritten = "EVIDENCE_OBJECT_WRITTEN"
	EventTypeFetchRequest          = "FETCH_REQUEST"
	EventTypeSynthesisRequest      = "SYNTHESIS_REQUEST"

	SynthRequestSchemaVersion = "research_synth_request.v1"
	EvidencePackSchemaVersion = "normalized_evidence_pack.v1"
)

// PushEnvelope is the Pub/Sub-style push wrapper around a bus message.
// Message.Data carries the base64-encoded JSON event.
type PushEnvelope struct {
	Message      PushMessage `json:"message" validate:"required"`
	Subscription string      `json:"subscription,omitempty"`
}

type PushMessage struct {
	MessageID  string            `json:"messageId" validate:"required"`
	Data       []byte            `json:"data" validate:"required"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is the common shape of decoded bus events. Payload is interpreted
// according to EventType.
type Event struct {
	EventType string          `json:"event_type" validate:"required"`
	TenantID  string          `json:"tenant_id,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type SearchSpec struct {
	Query string `json:"query"`
	TopN  int    `json:"top_n"`
}

// JobStartPayload is the payload of a JOB_START event.
type JobStartPayload struct {
	ConversationID string     `json:"conversation_id"`
	UserPrompt     string     `json:"user_prompt" validate:"required"`
	Search         SearchSpec `json:"search"`
}

// EvidenceWrittenPayload is the payload of an EVIDENCE_OBJECT_WRITTEN event.
// Object encodes tenants/{tenant}/jobs/{job}/evidence/{url_id}/raw...
type EvidenceWrittenPayload struct {
	Bucket string `json:"bucket" validate:"required"`
	Object string `json:"object" validate:"required"`
}

// FetchRequest is published once per discovered URL during fan-out.
type FetchRequest struct {
	TenantID string `json:"tenant_id"`
	JobID    string `json:"job_id"`
	URLID    string `json:"url_id"`
	URL      string `json:"url"`
}

// EvidenceBlock is one ordered evidence entry of a synthesis request.
type EvidenceBlock struct {
	SourceURL    string `json:"source_url" validate:"required"`
	SnapshotPath string `json:"snapshot_path"`
	FetchedAt    string `json:"fetched_at"`
	Checksum     string `json:"checksum" validate:"required"`
	CleanedText  string `json:"cleaned_text"`
}

// SynthesisRequest is published exactly once per completed evidence set.
type SynthesisRequest struct {
	SchemaVersion   string          `json:"schema_version" validate:"required,eq=research_synth_request.v1"`
	TenantID        string          `json:"tenant_id" validate:"required"`
	JobID           string          `json:"job_id" validate:"required"`
	ConversationID  string          `json:"conversation_id"`
	PipelineVersion string          `json:"pipeline_version"`
	PromptVersion   string          `json:"prompt_version" validate:"required"`
	Evidence        []EvidenceBlock `json:"evidence" validate:"required,min=1,dive"`
}

type Finding struct {
	FindingID             string   `json:"finding_id"`
	Finding               string   `json:"finding"`
	SupportingEvidenceIDs []string `json:"supporting_evidence_ids"`
	Counterpoints         []string `json:"counterpoints"`
	Confidence            string   `json:"confidence"`
	Notes                 string   `json:"notes"`
}

type Citation struct {
	EvidenceID string `json:"evidence_id"`
	SourceURL  string `json:"source_url"`
	Checksum   string `json:"checksum"`
	FetchedAt  string `json:"fetched_at"`
}

type ConfidenceNotes struct {
	CoverageGaps         []string `json:"coverage_gaps"`
	EvidenceQualityFlags []string `json:"evidence_quality_flags"`
	ReasoningLimits      []string `json:"reasoning_limits"`
}

type EvidenceSource struct {
	EvidenceID   string `json:"evidence_id"`
	SourceURL    string `json:"source_url"`
	SnapshotPath string `json:"snapshot_path"`
	FetchedAt    string `json:"fetched_at"`
	Checksum     string `json:"checksum"`
}

type SynthMetadata struct {
	Model             string  `json:"model"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	MaxTokens         int     `json:"max_tokens"`
	RequestHash       string  `json:"request_hash"`
	ProviderRequestID string  `json:"provider_request_id,omitempty"`
	LatencyMs         int64   `json:"latency_ms,omitempty"`
}

// EvidencePack is the persisted synthesis result, written exactly once per
// (tenant, job) with create-if-absent semantics.
type EvidencePack struct {
	SchemaVersion   string           `json:"schema_version"`
	JobID           string           `json:"job_id"`
	TenantID        string           `json:"tenant_id"`
	ConversationID  string           `json:"conversation_id"`
	PipelineVersion string           `json:"pipeline_version"`
	PromptVersion   string           `json:"prompt_version"`
	CreatedAt       string           `json:"created_at"`
	EvidenceSources []EvidenceSource `json:"evidence_sources"`
	Findings        []Finding        `json:"synthesized_findings"`
	Citations       []Citation       `json:"citations"`
	ConfidenceNotes ConfidenceNotes  `json:"confidence_notes"`
	Metadata        SynthMetadata    `json:"synthesis_metadata"`
}
