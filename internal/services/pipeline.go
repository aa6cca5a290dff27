package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/temcen/prodmatch/pkg/models"
)

type ProcessRequest struct {
	SessionID  uuid.UUID
	CategoryID uuid.UUID
	Payload    interface{}
	Persist    bool
}

type PipelineResult struct {
	SessionID       uuid.UUID
	CategoryID      uuid.UUID
	Analysis        *models.ResponseAnalysisResult
	Recommendations []models.MappedRecommendation
	Statistics      models.MatchingStatistics
	Persisted       int
	Duration        time.Duration
}

// Matches returns the per-item match results in item order, nil entries included.
func (r *PipelineResult) Matches() []*models.ProductMatch {
	matches := make([]*models.ProductMatch, len(r.Recommendations))
	for i, rec := range r.Recommendations {
		matches[i] = rec.Match
	}
	return matches
}

// RecommendationPipeline runs analysis, mapping, statistics and optional
// persistence for one AI response.
type RecommendationPipeline struct {
	analyzer    *ResponseAnalyzer
	mapper      MatchMapper
	store       RecommendationSaver
	metrics     *MappingMetrics
	concurrency int
	logger      *logrus.Logger
}

func NewRecommendationPipeline(
	analyzer *ResponseAnalyzer,
	mapper MatchMapper,
	store RecommendationSaver,
	metrics *MappingMetrics,
	concurrency int,
	logger *logrus.Logger,
) *RecommendationPipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RecommendationPipeline{
		analyzer:    analyzer,
		mapper:      mapper,
		store:       store,
		metrics:     metrics,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Analyze runs the analyzer alone and records its metrics.
func (p *RecommendationPipeline) Analyze(raw interface{}) *models.ResponseAnalysisResult {
	result := p.analyzer.Analyze(raw)
	p.metrics.RecordAnalysis(result)
	return result
}

// MapCandidate maps a single candidate and records the outcome.
func (p *RecommendationPipeline) MapCandidate(ctx context.Context, candidate models.RecommendationCandidate, categoryID uuid.UUID) (*models.ProductMatch, error) {
	match, err := p.mapper.MapWithConfidenceEvaluation(ctx, candidate, categoryID)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordMatch(match)
	return match, nil
}

// Process returns the analysis together with ErrInvalidResponse when the
// response fails analysis. The first storage error aborts the batch.
func (p *RecommendationPipeline) Process(ctx context.Context, req ProcessRequest) (*PipelineResult, error) {
	start := time.Now()
	logger := p.logger.WithFields(logrus.Fields{
		"session_id":  req.SessionID,
		"category_id": req.CategoryID,
	})

	result := &PipelineResult{
		SessionID:  req.SessionID,
		CategoryID: req.CategoryID,
		Analysis:   p.Analyze(req.Payload),
	}

	if !result.Analysis.IsValid {
		logger.WithFields(logrus.Fields{
			"quality_score": result.Analysis.QualityScore,
			"errors":        result.Analysis.ErrorCount(),
		}).Warn("AI response rejected")
		result.Duration = time.Since(start)
		return result, ErrInvalidResponse
	}

	recommendations, err := p.mapItems(ctx, req.CategoryID, result.Analysis.NormalizedItems)
	if err != nil {
		return nil, fmt.Errorf("failed to map recommendations: %w", err)
	}
	result.Recommendations = recommendations
	result.Statistics = SummarizeMatches(result.Matches(), p.mapper.Threshold())

	if req.Persist && p.store != nil {
		saved, err := p.store.SaveSessionRecommendations(ctx, req.SessionID, recommendations)
		if err != nil {
			return nil, fmt.Errorf("failed to save recommendations: %w", err)
		}
		result.Persisted = saved
	}

	result.Duration = time.Since(start)
	logger.WithFields(logrus.Fields{
		"items":        len(recommendations),
		"matched":      result.Statistics.SuccessfulMatches,
		"fallbacks":    result.Statistics.FallbackMatches,
		"success_rate": result.Statistics.SuccessRate,
		"persisted":    result.Persisted,
		"duration_ms":  result.Duration.Milliseconds(),
	}).Info("Recommendations processed")

	return result, nil
}

func (p *RecommendationPipeline) mapItems(ctx context.Context, categoryID uuid.UUID, items []models.RecommendationCandidate) ([]models.MappedRecommendation, error) {
	recommendations := make([]models.MappedRecommendation, len(items))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			match, err := p.MapCandidate(gCtx, item, categoryID)
			if err != nil {
				return fmt.Errorf("item %d (%s): %w", i, item.ProductName, err)
			}
			recommendations[i] = models.MappedRecommendation{
				Rank:      i + 1,
				Candidate: item,
				Match:     match,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return recommendations, nil
}

var _ RecommendationProcessor = (*RecommendationPipeline)(nil)
