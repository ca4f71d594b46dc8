package bus

import "context"

// NoopEventBus discards events. Used when NATS is not configured and in
// tests.
type NoopEventBus struct{}

// NewNoopEventBus creates a no-op event bus.
func NewNoopEventBus() *NoopEventBus { return &NoopEventBus{} }

// Publish discards the event.
func (b *NoopEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	return nil
}

// Subscribe returns a subscription that never fires.
func (b *NoopEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return noopSubscription{}, nil
}

// Close is a no-op.
func (b *NoopEventBus) Close() {}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
