package events

import (
	"context"
	"encoding/json"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const eventSource = "research.pipeline.runner"

// Publisher hands messages to the next pipeline stage. Publishing is
// synchronous per message: the call blocks until the underlying writer
// acknowledged acceptance, bounded by the caller's context.
type Publisher struct {
	writer Writer
}

func NewPublisher(w Writer) *Publisher {
	return &Publisher{writer: w}
}

// PublishJSON wraps payload into a cloudevent of the given type and writes
// it to topic. Attributes become event extensions, so consumers can filter
// without decoding the body.
func (p *Publisher) PublishJSON(ctx context.Context, topic, eventType string, payload any, attributes map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", eventType, err)
	}

	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(eventSource)
	e.SetType(eventType)
	for k, v := range attributes {
		e.SetExtension(k, v)
	}
	if err := e.SetData(*cloudevents.StringOfApplicationJSON(), data); err != nil {
		return fmt.Errorf("setting %s event data: %w", eventType, err)
	}

	if err := p.writer.Write(ctx, topic, e); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", eventType, topic, err)
	}
	return nil
}

func (p *Publisher) Close(ctx context.Context) error {
	if err := p.writer.Close(ctx); err != nil {
		zap.S().Named("publisher").Errorf("publisher closed with error: %s", err)
		return err
	}
	return nil
}
