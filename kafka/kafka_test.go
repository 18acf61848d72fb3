package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/models"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.messages = append(f.messages, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestProducer_PublishKeysByAddress(t *testing.T) {
	w := &fakeWriter{}
	p := newProducerWithWriter(w)

	event := models.NewRateLimitEvent("10.0.0.1", "ua", 100, 60000, nil)
	require.NoError(t, p.Publish(context.Background(), event))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "10.0.0.1", string(w.messages[0].Key))

	decoded, err := models.DecodeEvent(w.messages[0].Value)
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, models.EventRateLimitExceeded, decoded.Type)
}

func TestProducer_PropagatesWriterError(t *testing.T) {
	p := newProducerWithWriter(&fakeWriter{err: errors.New("no brokers")})
	assert.Error(t, p.Publish(context.Background(), models.NewEvent(models.EventCORSViolation, "", "", nil)))
}

func TestProducer_PublishBatch(t *testing.T) {
	w := &fakeWriter{}
	p := newProducerWithWriter(w)

	events := []models.SecurityEvent{
		models.NewEvent(models.EventCORSViolation, "10.0.0.1", "", nil),
		models.NewEvent(models.EventMalformedRequest, "10.0.0.2", "", nil),
	}
	require.NoError(t, p.PublishBatch(context.Background(), events))
	assert.Len(t, w.messages, 2)
}

func TestSecurityIntent_ToEvent(t *testing.T) {
	event, err := SecurityIntent{Type: "missing_hmac", IP: " 10.0.0.3 ", Source: "edge"}.ToEvent()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", event.IP)
	assert.Equal(t, models.UnknownValue, event.UserAgent)
	assert.Equal(t, models.SeverityHigh, event.Severity)
	assert.Equal(t, "edge", event.Context["source"])

	event, err = SecurityIntent{Type: "cors_violation", Severity: "critical"}.ToEvent()
	require.NoError(t, err)
	assert.True(t, event.IsCritical())

	_, err = SecurityIntent{Type: "port_scan"}.ToEvent()
	assert.ErrorIs(t, err, models.ErrUnknownEventType)
}

type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	cancel   context.CancelFunc
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		f.cancel()
		return kafka.Message{}, context.Canceled
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeReader) Close() error { return nil }

type captureRecorder struct {
	events []models.SecurityEvent
}

func (c *captureRecorder) Record(ctx context.Context, event models.SecurityEvent) {
	c.events = append(c.events, event)
}

func TestConsumer_RecordsValidIntents(t *testing.T) {
	valid, _ := json.Marshal(SecurityIntent{Type: "zero_grade_submission", IP: "10.0.0.4", UserAgent: "GestNoteRanking/1.0"})
	unknown, _ := json.Marshal(SecurityIntent{Type: "made_up", IP: "10.0.0.5"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{
		messages: []kafka.Message{{Value: valid}, {Value: []byte("{broken")}, {Value: unknown}},
		cancel:   cancel,
	}
	rec := &captureRecorder{}
	consumer := newConsumerWithReader(reader, RecordingHandler{Recorder: rec}, zap.NewNop())

	require.NoError(t, consumer.Run(ctx))
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventZeroGradeSubmission, rec.events[0].Type)
	assert.Equal(t, "10.0.0.4", rec.events[0].IP)
}

func TestConsumer_SkipsOwnPublishedEvents(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newProducerWithWriter(w).Publish(context.Background(),
		models.NewEvent(models.EventCORSViolation, "10.0.0.6", "ua", nil)))
	remote, _ := json.Marshal(SecurityIntent{Type: "cors_violation", IP: "10.0.0.7"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{
		messages: []kafka.Message{w.messages[0], {Value: remote}},
		cancel:   cancel,
	}
	rec := &captureRecorder{}
	consumer := newConsumerWithReader(reader, RecordingHandler{Recorder: rec}, zap.NewNop())

	require.NoError(t, consumer.Run(ctx))
	require.Len(t, rec.events, 1)
	assert.Equal(t, "10.0.0.7", rec.events[0].IP)
}
