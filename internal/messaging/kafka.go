package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/pkg/models"
)

// AIResponseMessage carries one raw AI response to be analyzed and mapped.
type AIResponseMessage struct {
	SessionID  uuid.UUID       `json:"session_id"`
	CategoryID uuid.UUID       `json:"category_id"`
	Payload    json.RawMessage `json:"payload"`
	Persist    bool            `json:"persist"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retry_count"`
}

// MatchBatchMessage announces the mapped recommendations of a session.
type MatchBatchMessage struct {
	SessionID       uuid.UUID                     `json:"session_id"`
	CategoryID      uuid.UUID                     `json:"category_id"`
	Recommendations []models.MappedRecommendation `json:"recommendations"`
	Statistics      models.MatchingStatistics     `json:"statistics"`
	QualityScore    float64                       `json:"quality_score"`
	Persisted       int                           `json:"persisted"`
	GeneratedAt     time.Time                     `json:"generated_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the bus sends the message to the DLQ without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type MessageBus struct {
	requests   messageWriter
	matches    messageWriter
	dlqWriter  messageWriter
	consumer   messageReader
	topics     topicNames
	maxRetries int
	baseDelay  time.Duration
	logger     *logrus.Logger
}

type topicNames struct {
	requests string
	dlq      string
	matches  string
}

func NewMessageBus(cfg *config.Config, logger *logrus.Logger) (*MessageBus, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	topics := topicNames{
		requests: cfg.Kafka.Topics.AIResponses,
		dlq:      cfg.Kafka.Topics.AIResponsesDLQ,
		matches:  cfg.Kafka.Topics.Matches,
	}

	requests := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        topics.requests,
		Balancer:     &kafka.Hash{}, // Key by session so a session stays on one partition
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	matches := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        topics.matches,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	consumer := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          topics.requests,
		GroupID:        cfg.Kafka.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	dlqWriter := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        topics.dlq,
		RequiredAcks: kafka.RequireOne,
	}

	return newMessageBus(requests, matches, dlqWriter, consumer, topics, cfg.Kafka.MaxRetries, time.Second, logger), nil
}

func newMessageBus(
	requests, matches, dlqWriter messageWriter,
	consumer messageReader,
	topics topicNames,
	maxRetries int,
	baseDelay time.Duration,
	logger *logrus.Logger,
) *MessageBus {
	return &MessageBus{
		requests:   requests,
		matches:    matches,
		dlqWriter:  dlqWriter,
		consumer:   consumer,
		topics:     topics,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}
}

// PublishAIResponse enqueues an AI response for asynchronous mapping.
func (mb *MessageBus) PublishAIResponse(ctx context.Context, message AIResponseMessage) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	message.RetryCount = 0

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(message.SessionID.String()),
		Value: messageBytes,
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte(message.SessionID.String())},
			{Key: "category_id", Value: []byte(message.CategoryID.String())},
			{Key: "timestamp", Value: []byte(message.Timestamp.Format(time.RFC3339))},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := mb.requests.WriteMessages(ctx, kafkaMessage); err != nil {
		mb.logger.WithError(err).WithField("session_id", message.SessionID).Error("Failed to publish AI response to Kafka")
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"session_id": message.SessionID,
		"topic":      mb.topics.requests,
	}).Info("AI response published to Kafka")

	return nil
}

// PublishMatchBatch announces a processed session, keyed by session id.
func (mb *MessageBus) PublishMatchBatch(ctx context.Context, batch MatchBatchMessage) error {
	if batch.GeneratedAt.IsZero() {
		batch.GeneratedAt = time.Now()
	}

	batchBytes, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal match batch: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(batch.SessionID.String()),
		Value: batchBytes,
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte(batch.SessionID.String())},
			{Key: "category_id", Value: []byte(batch.CategoryID.String())},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := mb.matches.WriteMessages(ctx, kafkaMessage); err != nil {
		return fmt.Errorf("failed to write match batch to Kafka: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"session_id": batch.SessionID,
		"matched":    batch.Statistics.SuccessfulMatches,
		"topic":      mb.topics.matches,
	}).Info("Match batch published to Kafka")

	return nil
}

// ConsumeMessages runs handler for each AI response until ctx is done. Offsets
// are committed after the message is handled or dead-lettered. A failed fetch
// waits one base delay before the next attempt.
func (mb *MessageBus) ConsumeMessages(ctx context.Context, handler func(context.Context, AIResponseMessage) error) error {
	for {
		message, err := mb.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mb.logger.WithError(err).Error("Failed to read message from Kafka")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(mb.baseDelay):
			}
			continue
		}

		mb.handleMessage(ctx, message, handler)

		if err := mb.consumer.CommitMessages(ctx, message); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mb.logger.WithError(err).WithField("offset", message.Offset).Error("Failed to commit Kafka offset")
		}
	}
}

func (mb *MessageBus) handleMessage(ctx context.Context, message kafka.Message, handler func(context.Context, AIResponseMessage) error) {
	var aiMessage AIResponseMessage
	if err := json.Unmarshal(message.Value, &aiMessage); err != nil {
		mb.logger.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal Kafka message")
		if dlqErr := mb.sendRawToDLQ(ctx, message, err); dlqErr != nil {
			mb.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		}
		return
	}

	if err := mb.processWithRetry(ctx, &aiMessage, handler); err != nil {
		if ctx.Err() != nil {
			return
		}
		mb.logger.WithError(err).WithField("session_id", aiMessage.SessionID).Error("Failed to process message after retries")
		if dlqErr := mb.sendToDLQ(ctx, aiMessage, err); dlqErr != nil {
			mb.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		}
	}
}

func (mb *MessageBus) processWithRetry(ctx context.Context, message *AIResponseMessage, handler func(context.Context, AIResponseMessage) error) error {
	for attempt := 0; attempt <= mb.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			delay := mb.baseDelay * time.Duration(1<<uint(attempt-1))
			mb.logger.WithFields(logrus.Fields{
				"session_id": message.SessionID,
				"attempt":    attempt,
				"delay":      delay,
			}).Info("Retrying message processing")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		message.RetryCount = attempt
		err := handler(ctx, *message)
		if err == nil {
			mb.logger.WithFields(logrus.Fields{
				"session_id": message.SessionID,
				"attempt":    attempt,
			}).Debug("Message processed successfully")
			return nil
		}

		mb.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": message.SessionID,
			"attempt":    attempt,
		}).Warn("Message processing failed")

		if IsPermanent(err) {
			return err
		}
		if attempt == mb.maxRetries {
			return fmt.Errorf("max retries exceeded: %w", err)
		}
	}

	return fmt.Errorf("unexpected retry loop exit")
}

func (mb *MessageBus) sendToDLQ(ctx context.Context, message AIResponseMessage, originalError error) error {
	dlqMessage := map[string]interface{}{
		"original_message": message,
		"error":            originalError.Error(),
		"dlq_timestamp":    time.Now(),
	}

	dlqBytes, err := json.Marshal(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ message: %w", err)
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(message.SessionID.String()),
		Value: dlqBytes,
		Headers: []kafka.Header{
			{Key: "session_id", Value: []byte(message.SessionID.String())},
			{Key: "original_topic", Value: []byte(mb.topics.requests)},
			{Key: "error", Value: []byte(originalError.Error())},
		},
	}

	if err := mb.dlqWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		return fmt.Errorf("failed to write message to DLQ: %w", err)
	}

	mb.logger.WithFields(logrus.Fields{
		"session_id": message.SessionID,
		"error":      originalError.Error(),
	}).Warn("Message sent to DLQ")

	return nil
}

func (mb *MessageBus) sendRawToDLQ(ctx context.Context, message kafka.Message, originalError error) error {
	kafkaMessage := kafka.Message{
		Key:   message.Key,
		Value: message.Value,
		Headers: append(message.Headers,
			kafka.Header{Key: "original_topic", Value: []byte(mb.topics.requests)},
			kafka.Header{Key: "error", Value: []byte(originalError.Error())},
		),
	}

	if err := mb.dlqWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		return fmt.Errorf("failed to write message to DLQ: %w", err)
	}
	return nil
}

func (mb *MessageBus) Close() error {
	var errs []error

	for name, writer := range map[string]messageWriter{
		"request producer": mb.requests,
		"match producer":   mb.matches,
		"DLQ writer":       mb.dlqWriter,
	} {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", name, err))
		}
	}

	if err := mb.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing message bus: %v", errs)
	}

	return nil
}

// GetMetrics returns Kafka consumer metrics for monitoring
func (mb *MessageBus) GetMetrics() map[string]interface{} {
	stats := mb.consumer.Stats()
	return map[string]interface{}{
		"consumer_lag":    stats.Lag,
		"consumer_offset": stats.Offset,
		"messages_read":   stats.Messages,
		"bytes_read":      stats.Bytes,
		"rebalances":      stats.Rebalances,
		"timeouts":        stats.Timeouts,
		"errors":          stats.Errors,
	}
}
