package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/pkg/models"
)

const sessionStatusCompleted = "completed"

// RecommendationStore saves mapped recommendations for a questionnaire session.
type RecommendationStore struct {
	db     TxBeginner
	logger *logrus.Logger
}

func NewRecommendationStore(db TxBeginner, logger *logrus.Logger) *RecommendationStore {
	return &RecommendationStore{
		db:     db,
		logger: logger,
	}
}

// SaveSessionRecommendations stores every matched recommendation and completes
// the session in one transaction. Products already saved for the session are
// skipped. Returns the number of rows inserted.
func (s *RecommendationStore) SaveSessionRecommendations(ctx context.Context, sessionID uuid.UUID, recommendations []models.MappedRecommendation) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM questionnaire_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrSessionNotFound
		}
		return 0, fmt.Errorf("failed to load session: %w", err)
	}
	if status == sessionStatusCompleted {
		return 0, ErrSessionCompleted
	}

	saved := 0
	for _, rec := range recommendations {
		if rec.Match == nil {
			continue
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO session_recommendations
				(session_id, product_id, rank, ai_score, reason, confidence, match_reasons)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (session_id, product_id) DO NOTHING`,
			sessionID, rec.Match.ProductID, rec.Rank, rec.Candidate.Score,
			rec.Candidate.Reason, rec.Match.Confidence, rec.Match.MatchReasons,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to save recommendation rank %d: %w", rec.Rank, err)
		}
		saved += int(tag.RowsAffected())
	}

	if _, err := tx.Exec(ctx,
		`UPDATE questionnaire_sessions SET status = $2, completed_at = NOW() WHERE id = $1`,
		sessionID, sessionStatusCompleted,
	); err != nil {
		return 0, fmt.Errorf("failed to complete session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit recommendations: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"saved":      saved,
		"submitted":  len(recommendations),
	}).Info("Session recommendations saved")

	return saved, nil
}
