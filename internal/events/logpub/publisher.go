// Package logpub publishes events to the log. It stands in for a broker
// when none is configured.
package logpub

import (
	"context"
	"encoding/json"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"go.uber.org/zap"
)

type Publisher struct {
	logger *zap.Logger
}

func NewPublisher(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

func (p *Publisher) Publish(_ context.Context, topic string, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.logger.Info("event published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.ByteString("payload", data),
	)
	return nil
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
