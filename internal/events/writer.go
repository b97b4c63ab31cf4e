package events

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Writer is the interface to be implemented by the underlying bus writer.
// Write must not return before the bus acknowledged acceptance of the event.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}
