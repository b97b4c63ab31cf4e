// Package v1alpha1 hosts the push endpoints of both pipeline services. The
// handlers translate delivery semantics into HTTP status codes: 2xx
// acknowledges the message, 4xx marks it malformed, 5xx asks the bus for a
// redelivery.
package v1alpha1

import (
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/evidenceworks/research-pipeline/internal/service"
)

// RunnerHandler serves the orchestration endpoints: job-start triggers and
// evidence-object notifications.
type RunnerHandler struct {
	jobs     *service.JobService
	evidence *service.EvidenceService
	validate *validator.Validate
}

func NewRunnerHandler(jobs *service.JobService, evidence *service.EvidenceService) *RunnerHandler {
	return &RunnerHandler{
		jobs:     jobs,
		evidence: evidence,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// SynthHandler serves the synthesis worker's push endpoint.
type SynthHandler struct {
	synthesis *service.SynthesisService
	validate  *validator.Validate
}

func NewSynthHandler(synthesis *service.SynthesisService) *SynthHandler {
	return &SynthHandler{
		synthesis: synthesis,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// reply is the body of every push response.
type reply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func respond(w http.ResponseWriter, r *http.Request, code int, body reply) {
	render.Status(r, code)
	render.JSON(w, r, body)
}
