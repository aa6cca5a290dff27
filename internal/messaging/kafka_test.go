package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/pkg/models"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
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

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

// fakeReader serves queued messages, then blocks until the context is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{Messages: int64(len(r.committed))} }
func (r *fakeReader) Close() error             { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func testTopics() topicNames {
	return topicNames{
		requests: "ai-recommendation-responses",
		dlq:      "ai-recommendation-responses-dlq",
		matches:  "recommendation-matches",
	}
}

func encodeAIResponse(t *testing.T, msg AIResponseMessage) kafka.Message {
	t.Helper()
	value, err := json.Marshal(msg)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(msg.SessionID.String()), Value: value}
}

// consumeUntilDrained runs the consumer until every queued message is committed.
func consumeUntilDrained(t *testing.T, bus *MessageBus, reader *fakeReader, handler func(context.Context, AIResponseMessage) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- bus.ConsumeMessages(ctx, handler) }()

	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestAIResponseMessage_Serialization(t *testing.T) {
	message := AIResponseMessage{
		SessionID:  uuid.New(),
		CategoryID: uuid.New(),
		Payload:    json.RawMessage(`{"recommendations":[{"productName":"iPhone 15 Pro","score":0.9}]}`),
		Persist:    true,
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		RetryCount: 2,
	}

	messageBytes, err := json.Marshal(message)
	require.NoError(t, err)

	var decoded AIResponseMessage
	require.NoError(t, json.Unmarshal(messageBytes, &decoded))

	assert.Equal(t, message.SessionID, decoded.SessionID)
	assert.Equal(t, message.CategoryID, decoded.CategoryID)
	assert.JSONEq(t, string(message.Payload), string(decoded.Payload))
	assert.True(t, decoded.Persist)
	assert.Equal(t, 2, decoded.RetryCount)
	assert.True(t, message.Timestamp.Equal(decoded.Timestamp))
}

func TestMessageBus_PublishAIResponse(t *testing.T) {
	requests := &fakeWriter{}
	bus := newMessageBus(requests, &fakeWriter{}, &fakeWriter{}, newFakeReader(), testTopics(), 3, time.Millisecond, testLogger())

	sessionID := uuid.New()
	err := bus.PublishAIResponse(context.Background(), AIResponseMessage{
		SessionID:  sessionID,
		CategoryID: uuid.New(),
		Payload:    json.RawMessage(`[]`),
		RetryCount: 5,
	})
	require.NoError(t, err)

	written := requests.written()
	require.Len(t, written, 1)
	assert.Equal(t, sessionID.String(), string(written[0].Key))

	var decoded AIResponseMessage
	require.NoError(t, json.Unmarshal(written[0].Value, &decoded))
	assert.Equal(t, 0, decoded.RetryCount)
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestMessageBus_PublishAIResponse_WriteError(t *testing.T) {
	requests := &fakeWriter{err: errors.New("broker unavailable")}
	bus := newMessageBus(requests, &fakeWriter{}, &fakeWriter{}, newFakeReader(), testTopics(), 3, time.Millisecond, testLogger())

	err := bus.PublishAIResponse(context.Background(), AIResponseMessage{SessionID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
}

func TestMessageBus_PublishMatchBatch(t *testing.T) {
	matches := &fakeWriter{}
	bus := newMessageBus(&fakeWriter{}, matches, &fakeWriter{}, newFakeReader(), testTopics(), 3, time.Millisecond, testLogger())

	batch := MatchBatchMessage{
		SessionID:  uuid.New(),
		CategoryID: uuid.New(),
		Recommendations: []models.MappedRecommendation{
			{
				Rank:      1,
				Candidate: models.RecommendationCandidate{ProductName: "iPhone 15 Pro", Features: []string{}},
				Match:     &models.ProductMatch{ProductID: uuid.New(), Confidence: 0.9, MatchReasons: []string{"strong name similarity"}},
			},
		},
		Statistics:   models.MatchingStatistics{TotalAttempts: 1, SuccessfulMatches: 1, SuccessRate: 1},
		QualityScore: 0.8,
	}

	require.NoError(t, bus.PublishMatchBatch(context.Background(), batch))

	written := matches.written()
	require.Len(t, written, 1)

	var decoded MatchBatchMessage
	require.NoError(t, json.Unmarshal(written[0].Value, &decoded))
	assert.Equal(t, batch.SessionID, decoded.SessionID)
	require.Len(t, decoded.Recommendations, 1)
	assert.Equal(t, 0.9, decoded.Recommendations[0].Match.Confidence)
	assert.Equal(t, 1, decoded.Statistics.SuccessfulMatches)
	assert.False(t, decoded.GeneratedAt.IsZero())
}

func TestMessageBus_ConsumeMessages(t *testing.T) {
	t.Run("successful message is committed without DLQ", func(t *testing.T) {
		msg := AIResponseMessage{SessionID: uuid.New(), CategoryID: uuid.New(), Payload: json.RawMessage(`[]`)}
		reader := newFakeReader(encodeAIResponse(t, msg))
		dlq := &fakeWriter{}
		bus := newMessageBus(&fakeWriter{}, &fakeWriter{}, dlq, reader, testTopics(), 3, time.Millisecond, testLogger())

		var handled []AIResponseMessage
		consumeUntilDrained(t, bus, reader, func(ctx context.Context, m AIResponseMessage) error {
			handled = append(handled, m)
			return nil
		})

		require.Len(t, handled, 1)
		assert.Equal(t, msg.SessionID, handled[0].SessionID)
		assert.Len(t, reader.committed, 1)
		assert.Empty(t, dlq.written())
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		msg := AIResponseMessage{SessionID: uuid.New(), CategoryID: uuid.New()}
		reader := newFakeReader(encodeAIResponse(t, msg))
		dlq := &fakeWriter{}
		bus := newMessageBus(&fakeWriter{}, &fakeWriter{}, dlq, reader, testTopics(), 3, time.Millisecond, testLogger())

		var attempts []int
		consumeUntilDrained(t, bus, reader, func(ctx context.Context, m AIResponseMessage) error {
			attempts = append(attempts, m.RetryCount)
			if len(attempts) < 3 {
				return errors.New("database unavailable")
			}
			return nil
		})

		assert.Equal(t, []int{0, 1, 2}, attempts)
		assert.Empty(t, dlq.written())
	})

	t.Run("exhausted retries go to DLQ", func(t *testing.T) {
		msg := AIResponseMessage{SessionID: uuid.New(), CategoryID: uuid.New()}
		reader := newFakeReader(encodeAIResponse(t, msg))
		dlq := &fakeWriter{}
		bus := newMessageBus(&fakeWriter{}, &fakeWriter{}, dlq, reader, testTopics(), 2, time.Millisecond, testLogger())

		calls := 0
		consumeUntilDrained(t, bus, reader, func(ctx context.Context, m AIResponseMessage) error {
			calls++
			return errors.New("database unavailable")
		})

		assert.Equal(t, 3, calls)
		written := dlq.written()
		require.Len(t, written, 1)
		assert.Equal(t, msg.SessionID.String(), string(written[0].Key))

		var dlqMessage map[string]interface{}
		require.NoError(t, json.Unmarshal(written[0].Value, &dlqMessage))
		assert.Contains(t, dlqMessage["error"], "max retries exceeded")
	})

	t.Run("permanent failure skips retries", func(t *testing.T) {
		msg := AIResponseMessage{SessionID: uuid.New(), CategoryID: uuid.New()}
		reader := newFakeReader(encodeAIResponse(t, msg))
		dlq := &fakeWriter{}
		bus := newMessageBus(&fakeWriter{}, &fakeWriter{}, dlq, reader, testTopics(), 3, time.Millisecond, testLogger())

		calls := 0
		consumeUntilDrained(t, bus, reader, func(ctx context.Context, m AIResponseMessage) error {
			calls++
			return Permanent(errors.New("invalid AI response"))
		})

		assert.Equal(t, 1, calls)
		assert.Len(t, dlq.written(), 1)
	})

	t.Run("undecodable message goes to DLQ untouched", func(t *testing.T) {
		raw := kafka.Message{Key: []byte("k"), Value: []byte("{not json")}
		reader := newFakeReader(raw)
		dlq := &fakeWriter{}
		bus := newMessageBus(&fakeWriter{}, &fakeWriter{}, dlq, reader, testTopics(), 3, time.Millisecond, testLogger())

		consumeUntilDrained(t, bus, reader, func(ctx context.Context, m AIResponseMessage) error {
			t.Fatal("handler must not run for undecodable messages")
			return nil
		})

		written := dlq.written()
		require.Len(t, written, 1)
		assert.Equal(t, raw.Value, written[0].Value)
		assert.Len(t, reader.committed, 1)
	})
}

// brokenReader fails every fetch, as a reader does while the broker is down.
type brokenReader struct {
	mu      sync.Mutex
	fetches int
}

func (r *brokenReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error { return nil }
func (r *brokenReader) Stats() kafka.ReaderStats                                        { return kafka.ReaderStats{} }
func (r *brokenReader) Close() error                                                    { return nil }

func (r *brokenReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	return kafka.Message{}, errors.New("dial tcp: connection refused")
}

func TestMessageBus_ConsumeMessages_FetchErrorBackoff(t *testing.T) {
	reader := &brokenReader{}
	bus := newMessageBus(&fakeWriter{}, &fakeWriter{}, &fakeWriter{}, reader, testTopics(), 3, 50*time.Millisecond, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	err := bus.ConsumeMessages(ctx, func(ctx context.Context, m AIResponseMessage) error {
		t.Fatal("handler must not run")
		return nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.GreaterOrEqual(t, reader.fetches, 1)
	assert.LessOrEqual(t, reader.fetches, 4)
}

func TestMessageBus_GetMetrics(t *testing.T) {
	reader := newFakeReader(encodeAIResponse(t, AIResponseMessage{SessionID: uuid.New()}))
	bus := newMessageBus(&fakeWriter{}, &fakeWriter{}, &fakeWriter{}, reader, testTopics(), 0, time.Millisecond, testLogger())

	consumeUntilDrained(t, bus, reader, func(ctx context.Context, m AIResponseMessage) error { return nil })

	metrics := bus.GetMetrics()
	assert.Equal(t, int64(1), metrics["messages_read"])
	assert.Contains(t, metrics, "consumer_lag")
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

func TestNewMessageBus_RequiresBrokers(t *testing.T) {
	cfg := config.Default()
	cfg.Kafka.Brokers = nil

	_, err := NewMessageBus(cfg, testLogger())
	assert.Error(t, err)
}

func TestMessageBus_Close(t *testing.T) {
	requests, matches, dlq := &fakeWriter{}, &fakeWriter{}, &fakeWriter{}
	bus := newMessageBus(requests, matches, dlq, newFakeReader(), testTopics(), 3, time.Millisecond, testLogger())

	require.NoError(t, bus.Close())
	assert.True(t, requests.closed)
	assert.True(t, matches.closed)
	assert.True(t, dlq.closed)
}
