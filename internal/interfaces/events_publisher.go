package interfaces

import "context"

// EventPublisher delivers domain events to whatever sends notifications.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event any) error
}
