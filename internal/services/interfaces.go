package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/temcen/prodmatch/pkg/models"
)

// DatabaseQuerier interface for read queries
type DatabaseQuerier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// TxBeginner opens transactions. Satisfied by *pgxpool.Pool and pgxmock pools.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CatalogReader defines the catalog lookups used by the mapper and fallback matcher
type CatalogReader interface {
	FindProductsInCategory(ctx context.Context, categoryID uuid.UUID, priceRange *models.PriceRange) ([]models.CatalogProduct, error)
	FindByKeywords(ctx context.Context, categoryID uuid.UUID, keywords []string, limit int) ([]models.CatalogProduct, error)
	FindPopularInCategory(ctx context.Context, categoryID uuid.UUID) (*models.CatalogProduct, error)
	FindByPriceRangeInCategory(ctx context.Context, categoryID uuid.UUID, priceRange models.PriceRange) (*models.CatalogProduct, error)
}

// RecommendationSaver persists a mapped batch for a questionnaire session
type RecommendationSaver interface {
	SaveSessionRecommendations(ctx context.Context, sessionID uuid.UUID, recommendations []models.MappedRecommendation) (int, error)
}

// MatchMapper maps one candidate to a product, falling back when confidence is low
type MatchMapper interface {
	MapWithConfidenceEvaluation(ctx context.Context, candidate models.RecommendationCandidate, categoryID uuid.UUID) (*models.ProductMatch, error)
	Threshold() float64
}

// RecommendationProcessor is the pipeline surface used by HTTP handlers
type RecommendationProcessor interface {
	Analyze(raw interface{}) *models.ResponseAnalysisResult
	MapCandidate(ctx context.Context, candidate models.RecommendationCandidate, categoryID uuid.UUID) (*models.ProductMatch, error)
	Process(ctx context.Context, req ProcessRequest) (*PipelineResult, error)
}
