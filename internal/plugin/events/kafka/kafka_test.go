package kafka_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/plugin/events/kafka"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishKeysByGroup(t *testing.T) {
	w := &recordingWriter{}
	p := kafka.NewPublisher(w)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), registryevents.Event{
		ID:         "e1",
		Type:       registryevents.TypeMessageSaved,
		GroupID:    "g1",
		Body:       map[string]any{"messageId": "m1"},
		OccurredAt: at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "g1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, registryevents.TypeMessageSaved, string(msg.Headers[0].Value))

	var decoded registryevents.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "m1", decoded.Body["messageId"])

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishFallsBackToEventIDKey(t *testing.T) {
	msg, err := kafka.Encode(registryevents.Event{ID: "e2", Type: registryevents.TypeMessagesRead})
	require.NoError(t, err)
	assert.Equal(t, "e2", string(msg.Key))
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := kafka.NewPublisher(&recordingWriter{err: boom})
	err := p.Publish(context.Background(), registryevents.Event{ID: "e3", Type: registryevents.TypeMessageRevoked})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
