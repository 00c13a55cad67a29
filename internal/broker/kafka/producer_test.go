package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/benchkeeper/internal/models"
)

type fakeWriter struct {
	err    error
	last   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.last = append([]kafka.Message{}, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProducer_PublishEvent(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw, "events")

	ev := models.NewCheckEvent("A42", "jdoe", models.EventTypeCheckIn, "AUS", time.Now())
	require.NoError(t, p.PublishEvent(context.Background(), ev))

	require.Len(t, fw.last, 1)
	msg := fw.last[0]
	assert.Equal(t, "events", msg.Topic)
	assert.Equal(t, []byte("A42"), msg.Key)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, []byte(ev.ID), msg.Headers[0].Value)

	var got models.CheckEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, models.EventTypeCheckIn, got.Type)

	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
}

func TestProducer_PublishError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker down")}
	p := newProducerWithWriter(fw, DefaultTopic)

	err := p.PublishEvent(context.Background(), models.NewCheckEvent("A42", "jdoe", models.EventTypeCheckOut, "AUS", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka publish")
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:0"}, "")
	require.NotNil(t, p)
	assert.Equal(t, DefaultTopic, p.topic)
	require.NoError(t, p.Close())
}
