package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/pkg/models"
)

const (
	SubmissionQueued     = "queued"
	SubmissionProcessing = "processing"
	SubmissionCompleted  = "completed"
	SubmissionFailed     = "failed"
)

// ErrSubmissionNotFound means no status is recorded for the session, or it expired.
var ErrSubmissionNotFound = errors.New("submission not found")

// SubmissionTracker records the progress of asynchronous submissions in redis.
type SubmissionTracker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

func NewSubmissionTracker(redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) *SubmissionTracker {
	return &SubmissionTracker{
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Queued starts tracking a submission, replacing any earlier status for the
// session. Callers record it before publishing the message.
func (t *SubmissionTracker) Queued(ctx context.Context, sessionID uuid.UUID) error {
	now := t.now()
	return t.store(ctx, &models.SubmissionStatus{
		SessionID: sessionID,
		Status:    SubmissionQueued,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Processing marks a submission as picked up. A completed submission keeps its
// status when the bus redelivers it.
func (t *SubmissionTracker) Processing(ctx context.Context, sessionID uuid.UUID) error {
	return t.update(ctx, sessionID, func(status *models.SubmissionStatus) {
		if status.Status != SubmissionCompleted {
			status.Status = SubmissionProcessing
		}
	})
}

func (t *SubmissionTracker) Completed(ctx context.Context, sessionID uuid.UUID, stats models.MatchingStatistics, persisted int) error {
	return t.update(ctx, sessionID, func(status *models.SubmissionStatus) {
		status.Status = SubmissionCompleted
		status.Statistics = &stats
		status.Persisted = persisted
		status.ErrorMessage = nil
	})
}

func (t *SubmissionTracker) Failed(ctx context.Context, sessionID uuid.UUID, cause error) error {
	message := cause.Error()
	return t.update(ctx, sessionID, func(status *models.SubmissionStatus) {
		status.Status = SubmissionFailed
		status.ErrorMessage = &message
	})
}

func (t *SubmissionTracker) Get(ctx context.Context, sessionID uuid.UUID) (*models.SubmissionStatus, error) {
	data, err := t.redis.Get(ctx, submissionKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("failed to load submission status: %w", err)
	}

	var status models.SubmissionStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("failed to decode submission status: %w", err)
	}
	return &status, nil
}

// update applies change to the stored status. Messages published by other
// producers have no queued entry, so one is created on first sight.
func (t *SubmissionTracker) update(ctx context.Context, sessionID uuid.UUID, change func(*models.SubmissionStatus)) error {
	status, err := t.Get(ctx, sessionID)
	if errors.Is(err, ErrSubmissionNotFound) {
		status = &models.SubmissionStatus{SessionID: sessionID, CreatedAt: t.now()}
	} else if err != nil {
		return err
	}

	change(status)
	status.UpdatedAt = t.now()

	if err := t.store(ctx, status); err != nil {
		return err
	}

	t.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"status":     status.Status,
	}).Debug("Submission status updated")
	return nil
}

func (t *SubmissionTracker) store(ctx context.Context, status *models.SubmissionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode submission status: %w", err)
	}
	if err := t.redis.Set(ctx, submissionKey(status.SessionID), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store submission status: %w", err)
	}
	return nil
}

func submissionKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("submission:%s", sessionID)
}
