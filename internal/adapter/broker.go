// Package adapter bridges the runtime to the outside world. A broker
// stream carries workflow submissions in and lifecycle receipts out,
// and a cron scheduler submits recurring workflows.
package adapter

import "context"

// HandlerFunc processes one message pulled off a stream. A nil return
// acknowledges the message; an error leaves it pending for redelivery.
type HandlerFunc func(ctx context.Context, key string, body []byte) error

// Broker moves opaque payloads through named streams. Consumers in the
// same group share a stream without duplication.
type Broker interface {
	Publish(ctx context.Context, stream, key string, body []byte) error

	// Consume blocks delivering messages to fn until the context ends.
	Consume(ctx context.Context, stream string, fn HandlerFunc) error

	Close() error
}
