package v1alpha1

import (
	"errors"
	"net/http"

	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
	"github.com/evidenceworks/research-pipeline/internal/service"
	"go.uber.org/zap"
)

// PushEvidence handles evidence-object notifications from the storage bucket.
// Events of any other type are acknowledged and ignored.
func (h *RunnerHandler) PushEvidence(w http.ResponseWriter, r *http.Request) {
	logger := zap.S().Named("evidence_handler")

	envelope, err := decodeEnvelope(r, h.validate)
	if err != nil {
		logger.Warnw("rejecting malformed push request", "error", err)
		respond(w, r, http.StatusBadRequest, reply{Status: "error", Reason: err.Error()})
		return
	}

	var event api.Event
	if err := decodePayload(envelope.Message.Data, h.validate, &event); err != nil {
		logger.Warnw("rejecting malformed event", "message_id", envelope.Message.MessageID, "error", err)
		respond(w, r, http.StatusBadRequest, reply{Status: "error", Reason: err.Error()})
		return
	}

	if event.EventType != api.EventTypeEvidenceObjectWritten {
		logger.Infow("ignoring event of unexpected type", "event_type", event.EventType, "message_id", envelope.Message.MessageID)
		respond(w, r, http.StatusOK, reply{Status: "ignored", Reason: "unexpected event type"})
		return
	}

	var payload api.EvidenceWrittenPayload
	if err := decodePayload(event.Payload, h.validate, &payload); err != nil {
		logger.Warnw("rejecting malformed notification", "message_id", envelope.Message.MessageID, "error", err)
		respond(w, r, http.StatusBadRequest, reply{Status: "error", Reason: err.Error()})
		return
	}

	result, err := h.evidence.HandleEvidenceWritten(r.Context(), envelope.Message.MessageID, payload)
	if err != nil {
		var retryable *service.ErrRetryable
		if errors.As(err, &retryable) {
			respond(w, r, http.StatusServiceUnavailable, reply{Status: "error"})
			return
		}
		logger.Errorw("evidence handling failed", "object", payload.Object, "error", err)
		respond(w, r, http.StatusInternalServerError, reply{Status: "error"})
		return
	}

	switch {
	case result.Deduped:
		respond(w, r, http.StatusOK, reply{Status: "deduped"})
	case result.Ignored:
		respond(w, r, http.StatusOK, reply{Status: "ignored", Reason: result.Reason})
	case result.Triggered:
		respond(w, r, http.StatusOK, reply{Status: "synthesis_requested"})
	default:
		respond(w, r, http.StatusOK, reply{Status: "recorded"})
	}
}
