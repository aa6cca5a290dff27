package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/prodmatch/pkg/models"
)

func newTestTracker(now time.Time) (*SubmissionTracker, redismock.ClientMock) {
	client, mock := redismock.NewClientMock()
	tracker := NewSubmissionTracker(client, time.Hour, testLogger())
	tracker.now = func() time.Time { return now }
	return tracker, mock
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestSubmissionTracker_Lifecycle(t *testing.T) {
	sessionID := uuid.New()
	queuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doneAt := queuedAt.Add(3 * time.Second)
	key := "submission:" + sessionID.String()

	queued := models.SubmissionStatus{SessionID: sessionID, Status: SubmissionQueued, CreatedAt: queuedAt, UpdatedAt: queuedAt}

	t.Run("queued", func(t *testing.T) {
		tracker, mock := newTestTracker(queuedAt)
		mock.ExpectSet(key, mustJSON(t, queued), time.Hour).SetVal("OK")

		require.NoError(t, tracker.Queued(context.Background(), sessionID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed keeps creation time", func(t *testing.T) {
		tracker, mock := newTestTracker(doneAt)
		stats := models.MatchingStatistics{TotalAttempts: 2, SuccessfulMatches: 2, SuccessRate: 1}
		completed := queued
		completed.Status = SubmissionCompleted
		completed.Statistics = &stats
		completed.Persisted = 2
		completed.UpdatedAt = doneAt

		mock.ExpectGet(key).SetVal(string(mustJSON(t, queued)))
		mock.ExpectSet(key, mustJSON(t, completed), time.Hour).SetVal("OK")

		require.NoError(t, tracker.Completed(context.Background(), sessionID, stats, 2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery does not reopen a completed submission", func(t *testing.T) {
		tracker, mock := newTestTracker(doneAt)
		completed := queued
		completed.Status = SubmissionCompleted
		touched := completed
		touched.UpdatedAt = doneAt

		mock.ExpectGet(key).SetVal(string(mustJSON(t, completed)))
		mock.ExpectSet(key, mustJSON(t, touched), time.Hour).SetVal("OK")

		require.NoError(t, tracker.Processing(context.Background(), sessionID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure on an unseen session creates the entry", func(t *testing.T) {
		tracker, mock := newTestTracker(doneAt)
		message := "invalid AI response"
		failed := models.SubmissionStatus{
			SessionID:    sessionID,
			Status:       SubmissionFailed,
			ErrorMessage: &message,
			CreatedAt:    doneAt,
			UpdatedAt:    doneAt,
		}

		mock.ExpectGet(key).RedisNil()
		mock.ExpectSet(key, mustJSON(t, failed), time.Hour).SetVal("OK")

		require.NoError(t, tracker.Failed(context.Background(), sessionID, ErrInvalidResponse))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSubmissionTracker_Get(t *testing.T) {
	sessionID := uuid.New()
	key := "submission:" + sessionID.String()

	t.Run("not found", func(t *testing.T) {
		tracker, mock := newTestTracker(time.Now())
		mock.ExpectGet(key).RedisNil()

		_, err := tracker.Get(context.Background(), sessionID)
		assert.ErrorIs(t, err, ErrSubmissionNotFound)
	})

	t.Run("redis error", func(t *testing.T) {
		tracker, mock := newTestTracker(time.Now())
		mock.ExpectGet(key).SetErr(errors.New("connection refused"))

		_, err := tracker.Get(context.Background(), sessionID)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSubmissionNotFound)
	})

	t.Run("corrupt entry", func(t *testing.T) {
		tracker, mock := newTestTracker(time.Now())
		mock.ExpectGet(key).SetVal("{not json")

		_, err := tracker.Get(context.Background(), sessionID)
		assert.ErrorContains(t, err, "failed to decode submission status")
	})

	t.Run("update propagates read errors", func(t *testing.T) {
		tracker, mock := newTestTracker(time.Now())
		mock.ExpectGet(key).SetErr(errors.New("connection refused"))

		assert.Error(t, tracker.Processing(context.Background(), sessionID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
