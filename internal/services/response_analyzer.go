package services

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/internal/validation"
	"github.com/temcen/prodmatch/pkg/models"
)

// Issue codes reported by the analyzer.
const (
	IssueNullResponse           = "NULL_RESPONSE"
	IssueInvalidType            = "INVALID_TYPE"
	IssueMissingRecommendations = "MISSING_RECOMMENDATIONS"
	IssueInvalidItem            = "INVALID_ITEM"
	IssueSchemaViolation        = "SCHEMA_VIOLATION"
	IssueInvalidPriceRange      = "INVALID_PRICE_RANGE"
	IssueAnalysisFailed         = "ANALYSIS_FAILED"
	IssueEmptyRecommendations   = "EMPTY_RECOMMENDATIONS"
	IssueShortProductName       = "SHORT_PRODUCT_NAME"
	IssueShortReason            = "SHORT_REASON"
	IssueLowScore               = "LOW_SCORE"
	IssueNoFeatures             = "NO_FEATURES"
	IssueDuplicateProducts      = "DUPLICATE_PRODUCTS"
)

const (
	maxFeatures = 20

	errorPenalty      = 0.3
	warningPenalty    = 0.1
	smallBatchPenalty = 0.2
	smallBatchSize    = 3

	highScoreMin   = 0.8
	mediumScoreMin = 0.5

	shortNameRunes   = 3
	shortReasonRunes = 20
	lowScoreMax      = 0.1
)

// fieldRule names a canonical field and the payload keys it may arrive under,
// in lookup order.
type fieldRule struct {
	field   string
	aliases []string
}

var (
	productNameRule = fieldRule{field: "productName", aliases: []string{"productName", "product_name", "name"}}
	reasonRule      = fieldRule{field: "reason", aliases: []string{"reason", "description", "explanation"}}
	scoreRule       = fieldRule{field: "score", aliases: []string{"score", "confidence", "rating"}}
	featuresRule    = fieldRule{field: "features", aliases: []string{"features", "tags", "attributes"}}
	priceRangeRule  = fieldRule{field: "priceRange", aliases: []string{"priceRange", "price_range", "price"}}
)

// lookup returns the first alias present with a non-null value.
func (r fieldRule) lookup(item map[string]interface{}) (interface{}, bool) {
	for _, alias := range r.aliases {
		if value, ok := item[alias]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

// ResponseAnalyzer turns an untrusted AI payload into canonical candidates plus
// a quality assessment. It never returns an error.
type ResponseAnalyzer struct {
	schemas *validation.SchemaValidator
	config  *config.AnalysisConfig
	logger  *logrus.Logger
}

func NewResponseAnalyzer(schemas *validation.SchemaValidator, cfg *config.AnalysisConfig, logger *logrus.Logger) *ResponseAnalyzer {
	return &ResponseAnalyzer{
		schemas: schemas,
		config:  cfg,
		logger:  logger,
	}
}

func (a *ResponseAnalyzer) Analyze(raw interface{}) *models.ResponseAnalysisResult {
	start := time.Now()

	result := a.analyze(raw)
	result.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()

	a.logger.WithFields(logrus.Fields{
		"is_valid":      result.IsValid,
		"items":         len(result.NormalizedItems),
		"quality_score": result.QualityScore,
		"errors":        result.ErrorCount(),
		"warnings":      result.WarningCount(),
	}).Debug("AI response analyzed")

	return result
}

func (a *ResponseAnalyzer) analyze(raw interface{}) (result *models.ResponseAnalysisResult) {
	rawItems, structureIssue := extractRawItems(raw)
	if structureIssue != nil {
		return failedAnalysis(*structureIssue)
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.WithField("panic", r).Error("AI response analysis failed")
			result = failedAnalysis(models.ResponseIssue{
				Severity: models.SeverityError,
				Code:     IssueAnalysisFailed,
				Message:  fmt.Sprintf("analysis failed: %v", r),
			})
		}
	}()

	issues := make([]models.ResponseIssue, 0)
	items := make([]models.RecommendationCandidate, 0, len(rawItems))

	for i, rawItem := range rawItems {
		item, issue := normalizeItem(i, rawItem)
		if issue != nil {
			issues = append(issues, *issue)
			continue
		}
		items = append(items, item)
	}

	if len(rawItems) == 0 {
		issues = append(issues, models.ResponseIssue{
			Severity: models.SeverityWarning,
			Code:     IssueEmptyRecommendations,
			Message:  "response contains no recommendations",
		})
	}

	issues = append(issues, a.validateItems(items)...)
	issues = append(issues, qualityWarnings(items)...)

	metadata := buildMetadata(items)
	errorCount := countSeverity(issues, models.SeverityError)
	warningCount := countSeverity(issues, models.SeverityWarning)
	qualityScore := computeQualityScore(errorCount, warningCount, len(items), metadata.AverageScore)

	// Warnings are advisory: the validity gate scores the batch without them.
	gateScore := computeQualityScore(errorCount, 0, len(items), metadata.AverageScore)

	return &models.ResponseAnalysisResult{
		IsValid:         errorCount == 0 && gateScore >= a.config.MinQualityScore,
		NormalizedItems: items,
		QualityScore:    qualityScore,
		Issues:          issues,
		Metadata:        metadata,
	}
}

func failedAnalysis(issue models.ResponseIssue) *models.ResponseAnalysisResult {
	return &models.ResponseAnalysisResult{
		IsValid:         false,
		NormalizedItems: []models.RecommendationCandidate{},
		QualityScore:    0,
		Issues:          []models.ResponseIssue{issue},
	}
}

// extractRawItems accepts a bare array or an object with a recommendations array.
func extractRawItems(raw interface{}) ([]interface{}, *models.ResponseIssue) {
	if raw == nil {
		return nil, &models.ResponseIssue{
			Severity: models.SeverityError,
			Code:     IssueNullResponse,
			Message:  "response is null",
		}
	}

	if encoded, ok := raw.(json.RawMessage); ok {
		if len(encoded) == 0 {
			return extractRawItems(nil)
		}
		var decoded interface{}
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			return nil, &models.ResponseIssue{
				Severity: models.SeverityError,
				Code:     IssueInvalidType,
				Message:  "response is not valid JSON",
				Context:  map[string]interface{}{"error": err.Error()},
			}
		}
		return extractRawItems(decoded)
	}

	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case map[string]interface{}:
		if recs, ok := v["recommendations"].([]interface{}); ok {
			return recs, nil
		}
		return nil, &models.ResponseIssue{
			Severity: models.SeverityError,
			Code:     IssueMissingRecommendations,
			Message:  "response has no recommendations array",
		}
	default:
		return nil, &models.ResponseIssue{
			Severity: models.SeverityError,
			Code:     IssueInvalidType,
			Message:  fmt.Sprintf("response must be an object or array, got %T", raw),
		}
	}
}

// normalizeItem coerces one raw item. A non-object yields an issue instead.
func normalizeItem(index int, raw interface{}) (models.RecommendationCandidate, *models.ResponseIssue) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return models.RecommendationCandidate{}, &models.ResponseIssue{
			Severity: models.SeverityError,
			Code:     IssueInvalidItem,
			Message:  fmt.Sprintf("recommendations.%d is not an object", index),
			Context:  map[string]interface{}{"index": index, "type": fmt.Sprintf("%T", raw)},
		}
	}

	candidate := models.RecommendationCandidate{
		Features: []string{},
	}

	if v, ok := productNameRule.lookup(obj); ok {
		candidate.ProductName = coerceString(v)
	}
	if v, ok := reasonRule.lookup(obj); ok {
		candidate.Reason = coerceString(v)
	}
	if v, ok := scoreRule.lookup(obj); ok {
		candidate.Score = clamp01(coerceNumber(v))
	}
	if v, ok := featuresRule.lookup(obj); ok {
		candidate.Features = coerceFeatures(v)
	}
	if v, ok := priceRangeRule.lookup(obj); ok {
		candidate.PriceRange = coercePriceRange(v)
	}

	return candidate, nil
}

func coerceString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64, int, int64, json.Number, bool:
		return fmt.Sprint(s)
	default:
		return ""
	}
}

// coerceNumber returns 0 for anything that does not parse as a finite number.
func coerceNumber(v interface{}) float64 {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0
		}
		n = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return n
}

func coerceFeatures(v interface{}) []string {
	var parts []string
	switch x := v.(type) {
	case []interface{}:
		for _, entry := range x {
			parts = append(parts, coerceString(entry))
		}
	case []string:
		parts = x
	case string:
		parts = strings.Split(x, ",")
	default:
		return []string{}
	}

	features := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		features = append(features, trimmed)
		if len(features) == maxFeatures {
			break
		}
	}
	return features
}

// coercePriceRange keeps an inverted pair so validation can flag it.
func coercePriceRange(v interface{}) *models.PriceRange {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	minValue, minOK := parseNonNegative(obj["min"])
	maxValue, maxOK := parseNonNegative(obj["max"])
	if !minOK || !maxOK {
		return nil
	}
	return &models.PriceRange{Min: minValue, Max: maxValue}
}

func parseNonNegative(v interface{}) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch x := v.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || parsed < 0 || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return parsed, true
	case float64, float32, int, int64, json.Number:
		n := coerceNumber(x)
		if n < 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// validateItems reports every constraint violation rather than stopping at the first.
func (a *ResponseAnalyzer) validateItems(items []models.RecommendationCandidate) []models.ResponseIssue {
	var issues []models.ResponseIssue

	result := a.schemas.ValidateCandidates(map[string]interface{}{"recommendations": items})
	for _, violation := range result.Errors {
		issues = append(issues, models.ResponseIssue{
			Severity: models.SeverityError,
			Code:     IssueSchemaViolation,
			Message:  fmt.Sprintf("%s: %s", violation.Field, violation.Message),
			Context:  map[string]interface{}{"field": violation.Field},
		})
	}

	for i, item := range items {
		if item.PriceRange != nil && item.PriceRange.Max < item.PriceRange.Min {
			field := fmt.Sprintf("recommendations.%d.priceRange", i)
			issues = append(issues, models.ResponseIssue{
				Severity: models.SeverityError,
				Code:     IssueInvalidPriceRange,
				Message:  fmt.Sprintf("%s: max (%v) must be greater than or equal to min (%v)", field, item.PriceRange.Max, item.PriceRange.Min),
				Context: map[string]interface{}{
					"field": field,
					"min":   item.PriceRange.Min,
					"max":   item.PriceRange.Max,
				},
			})
		}
	}

	return issues
}

func qualityWarnings(items []models.RecommendationCandidate) []models.ResponseIssue {
	var issues []models.ResponseIssue

	warn := func(code, message string, index int, item models.RecommendationCandidate) {
		issues = append(issues, models.ResponseIssue{
			Severity: models.SeverityWarning,
			Code:     code,
			Message:  message,
			Context:  map[string]interface{}{"index": index, "productName": item.ProductName},
		})
	}

	for i, item := range items {
		if utf8.RuneCountInString(item.ProductName) < shortNameRunes {
			warn(IssueShortProductName, fmt.Sprintf("recommendations.%d: product name is shorter than %d characters", i, shortNameRunes), i, item)
		}
		if utf8.RuneCountInString(item.Reason) < shortReasonRunes {
			warn(IssueShortReason, fmt.Sprintf("recommendations.%d: reason is shorter than %d characters", i, shortReasonRunes), i, item)
		}
		if item.Score < lowScoreMax {
			warn(IssueLowScore, fmt.Sprintf("recommendations.%d: score %.2f is below %.1f", i, item.Score, lowScoreMax), i, item)
		}
		if len(item.Features) == 0 {
			warn(IssueNoFeatures, fmt.Sprintf("recommendations.%d: no features listed", i), i, item)
		}
	}

	if duplicates := duplicateNames(items); len(duplicates) > 0 {
		issues = append(issues, models.ResponseIssue{
			Severity: models.SeverityWarning,
			Code:     IssueDuplicateProducts,
			Message:  fmt.Sprintf("duplicate products: %s", strings.Join(duplicates, ", ")),
			Context:  map[string]interface{}{"duplicates": duplicates},
		})
	}

	return issues
}

// duplicateNames lists names seen more than once, compared case-insensitively,
// in first-seen order.
func duplicateNames(items []models.RecommendationCandidate) []string {
	counts := make(map[string]int)
	firstSeen := make(map[string]string)
	var order []string

	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item.ProductName))
		if key == "" {
			continue
		}
		if counts[key] == 0 {
			firstSeen[key] = item.ProductName
			order = append(order, key)
		}
		counts[key]++
	}

	var duplicates []string
	for _, key := range order {
		if counts[key] > 1 {
			duplicates = append(duplicates, firstSeen[key])
		}
	}
	return duplicates
}

func buildMetadata(items []models.RecommendationCandidate) models.AnalysisMetadata {
	metadata := models.AnalysisMetadata{TotalCount: len(items)}
	if len(items) == 0 {
		return metadata
	}

	scores := make([]float64, len(items))
	for i, item := range items {
		scores[i] = item.Score
		switch {
		case item.Score >= highScoreMin:
			metadata.ScoreDistribution.High++
		case item.Score >= mediumScoreMin:
			metadata.ScoreDistribution.Medium++
		default:
			metadata.ScoreDistribution.Low++
		}
		if item.ProductName == "" || item.Reason == "" || len(item.Features) == 0 {
			metadata.HasIncompleteData = true
		}
	}
	metadata.AverageScore = stat.Mean(scores, nil)

	return metadata
}

func computeQualityScore(errorCount, warningCount, itemCount int, averageScore float64) float64 {
	running := 1.0
	running -= errorPenalty * float64(errorCount)
	running -= warningPenalty * float64(warningCount)
	if itemCount < smallBatchSize {
		running -= smallBatchPenalty
	}
	return clamp01(0.7*running + 0.3*averageScore)
}

func countSeverity(issues []models.ResponseIssue, severity models.IssueSeverity) int {
	count := 0
	for _, issue := range issues {
		if issue.Severity == severity {
			count++
		}
	}
	return count
}
