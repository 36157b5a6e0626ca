package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactsync/internal/core/id"
	"contactsync/internal/infrastructure/storage/postgres"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestPublisher_Handle(t *testing.T) {
	w := &captureWriter{}
	p := newPublisher(w, "contactsync.")
	agg := id.New()

	err := p.Handle(context.Background(), &postgres.OutboxMessage{
		ID:            id.New(),
		AggregateType: "resolution",
		AggregateID:   agg,
		EventType:     postgres.EventResolutionChanged,
		Payload:       []byte(`{"kind":"email"}`),
		CreatedAt:     time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "contactsync.resolution.changed", m.Topic)
	assert.Equal(t, agg.String(), string(m.Key))
	assert.JSONEq(t, `{"kind":"email"}`, string(m.Value))
	assert.Len(t, m.Headers, 3)
}

func TestPublisher_HandleError(t *testing.T) {
	p := newPublisher(&captureWriter{err: errors.New("leader not available")}, "")

	err := p.Handle(context.Background(), &postgres.OutboxMessage{EventType: postgres.EventRunSealed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync_run.sealed")
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Nil(t, ParseBrokers(""))
}
