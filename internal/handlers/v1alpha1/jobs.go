package v1alpha1

import (
	"net/http"

	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
	"go.uber.org/zap"
)

// PushJobs handles job-start triggers. Events of any other type are
// acknowledged and ignored so the subscription can carry a wider stream.
func (h *RunnerHandler) PushJobs(w http.ResponseWriter, r *http.Request) {
	logger := zap.S().Named("jobs_handler")

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

	if event.EventType != api.EventTypeJobStart {
		logger.Infow("ignoring event of unexpected type", "event_type", event.EventType, "message_id", envelope.Message.MessageID)
		respond(w, r, http.StatusOK, reply{Status: "ignored", Reason: "unexpected event type"})
		return
	}
	if event.TenantID == "" || event.JobID == "" {
		respond(w, r, http.StatusBadRequest, reply{Status: "error", Reason: "tenant_id and job_id are required"})
		return
	}

	var payload api.JobStartPayload
	if err := decodePayload(event.Payload, h.validate, &payload); err != nil {
		logger.Warnw("rejecting malformed job-start payload", "message_id", envelope.Message.MessageID, "error", err)
		respond(w, r, http.StatusBadRequest, reply{Status: "error", Reason: err.Error()})
		return
	}

	result, err := h.jobs.HandleJobStart(r.Context(), envelope.Message.MessageID, event, payload)
	if err != nil {
		logger.Errorw("job-start handling failed", "tenant_id", event.TenantID, "job_id", event.JobID, "error", err)
		respond(w, r, http.StatusInternalServerError, reply{Status: "error"})
		return
	}

	if result.Deduped {
		respond(w, r, http.StatusOK, reply{Status: "deduped"})
		return
	}
	respond(w, r, http.StatusOK, reply{Status: "accepted"})
}
