package service

import (
	"context"

	"github.com/evidenceworks/research-pipeline/internal/synth"
)

// Collaborator boundaries. The pipeline core only coordinates; searching,
// fetching, object I/O and the model call live behind these interfaces.

type Searcher interface {
	TopURLs(ctx context.Context, query string, topN int) ([]string, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, eventType string, payload any, attributes map[string]string) error
}

type ObjectStore interface {
	GetText(ctx context.Context, bucket, object string) (string, error)
	GetJSON(ctx context.Context, bucket, object string, out any) error
	PutJSONIfAbsent(ctx context.Context, bucket, object string, payload any) (string, bool, error)
}

type Synthesizer interface {
	Model() string
	Synthesize(ctx context.Context, messages []synth.Message) (*synth.Result, error)
}
