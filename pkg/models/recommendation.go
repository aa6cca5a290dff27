package models

import (
	"time"

	"github.com/google/uuid"
)

// PriceRange is an inclusive price window. Max < Min is kept as given and
// reported by the analyzer.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether price lies within the range bounds.
func (r PriceRange) Contains(price float64) bool {
	return price >= r.Min && price <= r.Max
}

// RecommendationCandidate is one canonical item extracted from an AI response.
// JSON names follow the AI payload so validation paths read like the input.
type RecommendationCandidate struct {
	ProductName string      `json:"productName"`
	Reason      string      `json:"reason"`
	Score       float64     `json:"score"`
	Features    []string    `json:"features"`
	PriceRange  *PriceRange `json:"priceRange,omitempty"`
}

type IssueSeverity string

const (
	SeverityWarning IssueSeverity = "WARNING"
	SeverityError   IssueSeverity = "ERROR"
)

type ResponseIssue struct {
	Severity IssueSeverity          `json:"severity"`
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

type ScoreDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

type AnalysisMetadata struct {
	TotalCount        int               `json:"total_count"`
	AverageScore      float64           `json:"average_score"`
	ScoreDistribution ScoreDistribution `json:"score_distribution"`
	HasIncompleteData bool              `json:"has_incomplete_data"`
	ProcessingTimeMs  int64             `json:"processing_time_ms"`
}

type ResponseAnalysisResult struct {
	IsValid         bool                      `json:"is_valid"`
	NormalizedItems []RecommendationCandidate `json:"normalized_items"`
	QualityScore    float64                   `json:"quality_score"`
	Issues          []ResponseIssue           `json:"issues"`
	Metadata        AnalysisMetadata          `json:"metadata"`
}

// ErrorCount returns the number of ERROR-severity issues.
func (r *ResponseAnalysisResult) ErrorCount() int {
	return r.countSeverity(SeverityError)
}

// WarningCount returns the number of WARNING-severity issues.
func (r *ResponseAnalysisResult) WarningCount() int {
	return r.countSeverity(SeverityWarning)
}

func (r *ResponseAnalysisResult) countSeverity(severity IssueSeverity) int {
	count := 0
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			count++
		}
	}
	return count
}

// CatalogProduct is a read-only projection of a stored product.
type CatalogProduct struct {
	ID           uuid.UUID `json:"id" db:"id"`
	CategoryID   uuid.UUID `json:"category_id" db:"category_id"`
	Name         string    `json:"name" db:"name"`
	Description  *string   `json:"description,omitempty" db:"description"`
	FeaturesText string    `json:"features_text" db:"features"`
	Price        *float64  `json:"price,omitempty" db:"price"`
	Rating       *float64  `json:"rating,omitempty" db:"rating"`
	ReviewCount  *int      `json:"review_count,omitempty" db:"review_count"`
}

type ProductMatch struct {
	ProductID    uuid.UUID `json:"product_id"`
	Confidence   float64   `json:"confidence"`
	MatchReasons []string  `json:"match_reasons"`
}

type MatchingStatistics struct {
	TotalAttempts         int     `json:"total_attempts"`
	SuccessfulMatches     int     `json:"successful_matches"`
	HighConfidenceMatches int     `json:"high_confidence_matches"`
	FallbackMatches       int     `json:"fallback_matches"`
	SuccessRate           float64 `json:"success_rate"`
}

// MappedRecommendation pairs a candidate with its catalog match (nil when unmatched).
type MappedRecommendation struct {
	Rank      int                     `json:"rank"`
	Candidate RecommendationCandidate `json:"candidate"`
	Match     *ProductMatch           `json:"match,omitempty"`
}

type MapRequest struct {
	CategoryID uuid.UUID               `json:"category_id" validate:"required"`
	Candidate  RecommendationCandidate `json:"candidate"`
}

type ProcessRecommendationsRequest struct {
	SessionID  uuid.UUID   `json:"session_id" validate:"required"`
	CategoryID uuid.UUID   `json:"category_id" validate:"required"`
	Payload    interface{} `json:"payload"`
	Persist    bool        `json:"persist"`
}

type ProcessRecommendationsResponse struct {
	SessionID       uuid.UUID               `json:"session_id"`
	Analysis        *ResponseAnalysisResult `json:"analysis"`
	Recommendations []MappedRecommendation  `json:"recommendations"`
	Statistics      MatchingStatistics      `json:"statistics"`
	Persisted       int                     `json:"persisted"`
	GeneratedAt     time.Time               `json:"generated_at"`
}

// SubmissionStatus tracks an AI response queued through the message bus.
type SubmissionStatus struct {
	SessionID    uuid.UUID           `json:"session_id"`
	Status       string              `json:"status"`
	Statistics   *MatchingStatistics `json:"statistics,omitempty"`
	Persisted    int                 `json:"persisted"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}
