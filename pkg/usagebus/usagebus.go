// Package usagebus carries usage events between toolgate and downstream
// billing and analytics consumers over Kafka.
package usagebus

import (
	"context"

	"toolgate/pkg/models"
)

// Publisher sends usage events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt models.UsageEvent) error
	Close() error
}

// Consumer reads usage events in order.
type Consumer interface {
	Read(ctx context.Context) (models.UsageEvent, error)
	Close() error
}

// Nop discards every event. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, models.UsageEvent) error { return nil }
func (Nop) Close() error                                     { return nil }
