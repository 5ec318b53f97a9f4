package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/sheikh-saqib/usage-ledger/internal/models/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w)

	event := events.ThresholdCrossed{
		AccountID:    "acct-1",
		AlertType:    "80_percent",
		Period:       "2025-03",
		Balance:      200,
		MonthlyLimit: 1000,
		UsagePercent: decimal.NewFromInt(80),
	}
	require.NoError(t, p.Publish(context.Background(), events.ThresholdCrossedTopic, "acct-1", event))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, events.ThresholdCrossedTopic, msg.Topic)
	assert.Equal(t, []byte("acct-1"), msg.Key)

	var decoded events.ThresholdCrossed
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "80_percent", decoded.AlertType)
	assert.True(t, decoded.UsagePercent.Equal(decimal.NewFromInt(80)))
}

func TestPublisher_TopicOverride(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, WithTopic("billing-alerts"))

	require.NoError(t, p.Publish(context.Background(), events.ThresholdCrossedTopic, "acct-1", map[string]string{}))
	assert.Equal(t, "billing-alerts", w.messages[0].Topic)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisher_WriteError(t *testing.T) {
	brokerDown := errors.New("dial tcp: connection refused")
	p := newPublisher(&fakeWriter{err: brokerDown})

	err := p.Publish(context.Background(), "topic", "acct-1", struct{}{})
	assert.ErrorIs(t, err, brokerDown)
}

func TestPublisher_EncodeError(t *testing.T) {
	p := newPublisher(&fakeWriter{})
	err := p.Publish(context.Background(), "topic", "acct-1", make(chan int))
	assert.ErrorContains(t, err, "encode event")
}
