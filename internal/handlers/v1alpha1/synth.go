package v1alpha1

import (
	"errors"
	"net/http"

	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/service"
	"go.uber.org/zap"
)

// PushSynth handles synthesis requests. Validation failures and oversized
// payloads are terminal; infrastructure failures ask for a redelivery.
func (h *SynthHandler) PushSynth(w http.ResponseWriter, r *http.Request) {
	logger := zap.S().Named("synth_handler")

	envelope, err := decodeEnvelope(r, h.validate)
	if err != nil {
		logger.Warnw("rejecting malformed push request", "error", err)
		respond(w, r, http.StatusBadRequest, reply{Status: "error", Reason: err.Error()})
		return
	}

	var request api.SynthesisRequest
	if err := decodePayload(envelope.Message.Data, h.validate, &request); err != nil {
		logger.Warnw("rejecting malformed synthesis request", "message_id", envelope.Message.MessageID, "error", err)
		respond(w, r, http.StatusBadRequest, reply{Status: "error", Reason: err.Error()})
		return
	}

	result, err := h.synthesis.HandleSynthesisRequest(r.Context(), request)
	if err != nil {
		var malformed *service.ErrMalformedMessage
		if errors.As(err, &malformed) {
			logger.Warnw("rejecting oversized synthesis request", "tenant_id", request.TenantID, "job_id", request.JobID, "error", err)
			respond(w, r, http.StatusBadRequest, reply{Status: "error", Reason: err.Error()})
			return
		}
		var retryable *service.ErrRetryable
		if errors.As(err, &retryable) {
			respond(w, r, http.StatusServiceUnavailable, reply{Status: "error"})
			return
		}
		logger.Errorw("synthesis handling failed", "tenant_id", request.TenantID, "job_id", request.JobID, "error", err)
		respond(w, r, http.StatusInternalServerError, reply{Status: "error"})
		return
	}

	switch {
	case result.Ignored:
		respond(w, r, http.StatusOK, reply{Status: "ignored", Reason: "unknown job"})
	case result.Idempotent:
		respond(w, r, http.StatusOK, reply{Status: "deduped"})
	case result.Failed:
		respond(w, r, http.StatusOK, reply{Status: "failed"})
	default:
		respond(w, r, http.StatusOK, reply{Status: "complete"})
	}
}
