package services

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/messaging"
	"github.com/temcen/prodmatch/pkg/models"
)

// MessageStream is the part of the message bus the consumer depends on.
type MessageStream interface {
	ConsumeMessages(ctx context.Context, handler func(context.Context, messaging.AIResponseMessage) error) error
	PublishMatchBatch(ctx context.Context, batch messaging.MatchBatchMessage) error
}

// StatusRecorder receives the progress of queued submissions.
type StatusRecorder interface {
	Processing(ctx context.Context, sessionID uuid.UUID) error
	Completed(ctx context.Context, sessionID uuid.UUID, stats models.MatchingStatistics, persisted int) error
	Failed(ctx context.Context, sessionID uuid.UUID, cause error) error
}

// ResponseConsumer maps AI responses arriving on the bus and publishes the results.
type ResponseConsumer struct {
	stream     MessageStream
	pipeline   RecommendationProcessor
	status     StatusRecorder
	maxRetries int
	logger     *logrus.Logger
	wg         sync.WaitGroup
}

// NewResponseConsumer builds a consumer. status may be nil. maxRetries must
// match the bus retry budget so the last attempt can mark the submission failed.
func NewResponseConsumer(stream MessageStream, pipeline RecommendationProcessor, status StatusRecorder, maxRetries int, logger *logrus.Logger) *ResponseConsumer {
	return &ResponseConsumer{
		stream:     stream,
		pipeline:   pipeline,
		status:     status,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Start consumes until ctx is cancelled. Wait blocks until the consumer exits.
func (rc *ResponseConsumer) Start(ctx context.Context) {
	rc.logger.Info("Starting AI response consumer")

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		if err := rc.stream.ConsumeMessages(ctx, rc.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
			rc.logger.WithError(err).Error("AI response consumer stopped")
		}
	}()
}

func (rc *ResponseConsumer) Wait() {
	rc.wg.Wait()
	rc.logger.Info("AI response consumer stopped")
}

// HandleMessage processes one AI response. Failures that a retry cannot fix are
// marked permanent so the bus dead-letters them immediately.
func (rc *ResponseConsumer) HandleMessage(ctx context.Context, message messaging.AIResponseMessage) error {
	if rc.status != nil {
		rc.recordStatus(message.SessionID, rc.status.Processing(ctx, message.SessionID))
	}

	result, err := rc.pipeline.Process(ctx, ProcessRequest{
		SessionID:  message.SessionID,
		CategoryID: message.CategoryID,
		Payload:    message.Payload,
		Persist:    message.Persist,
	})
	if err != nil {
		if errors.Is(err, ErrSessionCompleted) {
			// Redelivered after a successful save.
			return messaging.Permanent(err)
		}
		if errors.Is(err, ErrInvalidResponse) || errors.Is(err, ErrSessionNotFound) {
			if rc.status != nil {
				rc.recordStatus(message.SessionID, rc.status.Failed(ctx, message.SessionID, err))
			}
			return messaging.Permanent(err)
		}
		if rc.status != nil && message.RetryCount >= rc.maxRetries {
			// Last attempt: the bus dead-letters the message after this.
			rc.recordStatus(message.SessionID, rc.status.Failed(ctx, message.SessionID, err))
		}
		return err
	}

	if rc.status != nil {
		rc.recordStatus(message.SessionID, rc.status.Completed(ctx, message.SessionID, result.Statistics, result.Persisted))
	}

	return rc.stream.PublishMatchBatch(ctx, messaging.MatchBatchMessage{
		SessionID:       result.SessionID,
		CategoryID:      result.CategoryID,
		Recommendations: result.Recommendations,
		Statistics:      result.Statistics,
		QualityScore:    result.Analysis.QualityScore,
		Persisted:       result.Persisted,
	})
}

func (rc *ResponseConsumer) recordStatus(sessionID uuid.UUID, err error) {
	if err != nil {
		rc.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to record submission status")
	}
}
