package events

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"go.uber.org/zap"
)

// StdoutWriter logs outbound pipeline messages instead of producing them.
// Used when no Kafka brokers are configured, typically local runs and tests.
type StdoutWriter struct{}

func (s *StdoutWriter) Write(_ context.Context, topic string, e cloudevents.Event) error {
	zap.S().Named("stdout_writer").Infow("event written",
		"topic", topic,
		"id", e.ID(),
		"type", e.Type(),
		"extensions", e.Extensions(),
		"data", string(e.Data()),
	)
	return nil
}

func (s *StdoutWriter) Close(_ context.Context) error {
	return nil
}
