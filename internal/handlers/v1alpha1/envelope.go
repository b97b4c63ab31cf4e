package v1alpha1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	api "github.com/evidenceworks/research-pipeline/internal/api/v1alpha1"
)

// decodeEnvelope reads and validates a push envelope. The message data is
// base64 inside the JSON and arrives decoded in PushMessage.Data.
func decodeEnvelope(r *http.Request, validate *validator.Validate) (*api.PushEnvelope, error) {
	var envelope api.PushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding push envelope: %w", err)
	}
	if err := validate.Struct(&envelope); err != nil {
		return nil, fmt.Errorf("validating push envelope: %w", err)
	}
	return &envelope, nil
}

// decodePayload unmarshals and validates the message data into out.
func decodePayload(data []byte, validate *validator.Validate, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding message payload: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("validating message payload: %w", err)
	}
	return nil
}
