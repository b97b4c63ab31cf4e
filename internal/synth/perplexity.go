// Package synth wraps the Perplexity chat-completions collaborator that
// produces the synthesized findings.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Model call parameters, part of the request hash: changing any of them
// makes a new synthesis request non-idempotent with previous ones.
const (
	Temperature = 0.0
	TopP        = 1.0
	MaxTokens   = 2048
)

const systemPrompt = "You are a synthesis engine.\n" +
	"HARD RULES:\n" +
	"- You MUST use ONLY the evidence provided in the user message.\n" +
	"- You MUST NOT browse the web, request new sources, or rely on external knowledge.\n" +
	"- If evidence is insufficient, output \"INSUFFICIENT EVIDENCE\" and list missing items.\n" +
	"- Every claim must cite evidence IDs (E1..En).\n" +
	"- Output MUST be valid JSON only. No prose.\n"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(apiKey, baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Model() string {
	return c.model
}

// EvidenceBlock is the closed-world input handed to the model, one per
// evidence item, identified by stable ids E1..En.
type EvidenceBlock struct {
	EvidenceID  string `json:"evidence_id"`
	SourceURL   string `json:"source_url"`
	FetchedAt   string `json:"fetched_at"`
	Checksum    string `json:"checksum"`
	CleanedText string `json:"cleaned_text"`
}

// BuildMessages assembles the system and user messages for one synthesis
// call. The output schema is embedded in the user message so the model
// returns structured findings.
func BuildMessages(promptVersion string, blocks []EvidenceBlock) ([]Message, error) {
	user := map[string]any{
		"prompt_version": promptVersion,
		"task": map[string]any{
			"output_schema": map[string]any{
				"synthesized_findings": []map[string]any{{
					"finding_id":              "F1",
					"finding":                 "string",
					"supporting_evidence_ids": []string{"E1"},
					"counterpoints":           []string{"string"},
					"confidence":              "low|medium|high",
					"notes":                   "string",
				}},
				"confidence_notes": map[string]any{
					"coverage_gaps":          []string{"string"},
					"evidence_quality_flags": []string{"string"},
					"reasoning_limits":       []string{"string"},
				},
			},
		},
		"evidence": blocks,
	}

	raw, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("encoding user message: %w", err)
	}

	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: string(raw)},
	}, nil
}

// Result is the raw outcome of one synthesis call. StatusCode carries the
// upstream HTTP status; callers classify it with IsRetryableStatus.
type Result struct {
	StatusCode        int
	LatencyMs         int64
	ProviderRequestID string
	Content           string
	Body              string
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Synthesize runs one model call. Search is disabled on every request: the
// model must answer from the provided evidence alone. An error return means
// the call itself failed (transport, timeout); HTTP-level failures come back
// in Result.StatusCode.
func (c *Client) Synthesize(ctx context.Context, messages []Message) (*Result, error) {
	body := map[string]any{
		"model":       c.model,
		"temperature": Temperature,
		"top_p":       TopP,
		"max_tokens":  MaxTokens,
		"messages":    messages,
		"search":      false,
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("building synthesis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling synthesis api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading synthesis response: %w", err)
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		LatencyMs:  time.Since(start).Milliseconds(),
		Body:       string(respBody),
	}

	if resp.StatusCode != http.StatusOK {
		return result, nil
	}

	var completion completionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil || len(completion.Choices) == 0 {
		// non-JSON or empty completion; the caller records a bad-response failure
		return result, nil
	}
	result.ProviderRequestID = completion.ID
	result.Content = completion.Choices[0].Message.Content
	return result, nil
}

// IsRetryableStatus classifies upstream HTTP failures: timeouts, throttling
// and server errors warrant a redelivery, everything else is terminal.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
