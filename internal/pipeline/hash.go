package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonical marshals v with lexicographically sorted object keys, which is
// what encoding/json does for maps. Hash inputs are therefore assembled as
// maps so two equivalent inputs always produce the same digest.
func canonical(v any) ([]byte, error) {
	return json.Marshal(v)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SpecHash digests a job's input parameters. Set once at creation, immutable.
func SpecHash(pipelineVersion string, search any) (string, error) {
	raw, err := canonical(map[string]any{
		"pipeline_version": pipelineVersion,
		"search":           search,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing spec: %w", err)
	}
	return "sha256:" + sha256Hex(raw), nil
}

// RequestHash binds together the synthesis inputs: prompt version, the
// ordered evidence checksums and the model call parameters. Synthesis is
// re-executed if and only if this digest changes.
func RequestHash(promptVersion string, checksumsInOrder []string, model string, temperature, topP float64, maxTokens int) (string, error) {
	raw, err := canonical(map[string]any{
		"prompt_version":     promptVersion,
		"evidence_checksums": checksumsInOrder,
		"model":              model,
		"temperature":        temperature,
		"top_p":              topP,
		"max_tokens":         maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing request: %w", err)
	}
	return "sha256:" + sha256Hex(raw), nil
}
