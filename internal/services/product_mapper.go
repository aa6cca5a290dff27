package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/pkg/models"
)

// Signal weights of the primary confidence score.
const (
	nameWeight        = 1.0
	descriptionWeight = 0.6
	featuresWeight    = 0.7
	priceWeight       = 0.4
)

const (
	highRatingThreshold   = 4.0
	popularReviewsMinimum = 100
)

// SearchCriteria is what a candidate asks the catalog for.
type SearchCriteria struct {
	Name        string
	Description string
	Features    []string
	PriceRange  *models.PriceRange
}

// CriteriaFromCandidate derives search criteria from a normalized candidate.
func CriteriaFromCandidate(candidate models.RecommendationCandidate) SearchCriteria {
	return SearchCriteria{
		Name:        candidate.ProductName,
		Description: candidate.Reason,
		Features:    candidate.Features,
		PriceRange:  candidate.PriceRange,
	}
}

// scoreAccumulator sums weighted sub-scores over the signals that applied.
type scoreAccumulator struct {
	weightedSum float64
	totalWeight float64
}

func (a *scoreAccumulator) add(score, weight float64) {
	a.weightedSum += score * weight
	a.totalWeight += weight
}

func (a scoreAccumulator) confidence() float64 {
	if a.totalWeight == 0 {
		return 0
	}
	return clamp01(a.weightedSum / a.totalWeight)
}

// signalScores holds the independently normalized sub-scores for one product.
// A nil entry means the signal did not apply.
type signalScores struct {
	name        *float64
	description *float64
	features    *float64
	price       *float64
}

func computeSignals(criteria SearchCriteria, product models.CatalogProduct) signalScores {
	var s signalScores

	if NormalizeText(criteria.Name) != "" {
		v := nameSimilarity(criteria.Name, product.Name)
		s.name = &v
	}

	if product.Description != nil && NormalizeText(criteria.Description) != "" && NormalizeText(*product.Description) != "" {
		v := descriptionSimilarity(criteria.Description, *product.Description)
		s.description = &v
	}

	if len(criteria.Features) > 0 {
		v := featureCoverage(criteria.Features, product.FeaturesText)
		s.features = &v
	}

	if criteria.PriceRange != nil && product.Price != nil {
		v := priceFit(*criteria.PriceRange, *product.Price)
		s.price = &v
	}

	return s
}

// ScoreProduct returns the weighted confidence that product satisfies criteria.
// Only signals present on both sides contribute to the denominator.
func ScoreProduct(criteria SearchCriteria, product models.CatalogProduct) float64 {
	signals := computeSignals(criteria, product)

	var acc scoreAccumulator
	if signals.name != nil {
		acc.add(*signals.name, nameWeight)
	}
	if signals.description != nil {
		acc.add(*signals.description, descriptionWeight)
	}
	if signals.features != nil {
		acc.add(*signals.features, featuresWeight)
	}
	if signals.price != nil {
		acc.add(*signals.price, priceWeight)
	}
	return acc.confidence()
}

func nameSimilarity(search, productName string) float64 {
	a := NormalizeText(search)
	b := NormalizeText(productName)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.8
	}
	return tokenOverlapRatio(tokenize(a), tokenize(b)) * 0.6
}

func descriptionSimilarity(search, description string) float64 {
	a := NormalizeText(search)
	b := NormalizeText(description)
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.7
	}
	return tokenOverlapRatio(tokenize(a), tokenize(b)) * 0.5
}

func featureCoverage(features []string, featuresText string) float64 {
	if len(features) == 0 {
		return 0
	}
	text := NormalizeText(featuresText)
	if text == "" {
		return 0
	}

	found := 0
	for _, feature := range features {
		f := NormalizeText(feature)
		if f != "" && strings.Contains(text, f) {
			found++
		}
	}
	return float64(found) / float64(len(features))
}

// priceFit is 1 inside the range and decays linearly to 0 over half the range
// width beyond the nearer bound.
func priceFit(r models.PriceRange, price float64) float64 {
	if r.Contains(price) {
		return 1.0
	}

	window := (r.Max - r.Min) / 2
	if window <= 0 {
		return 0
	}

	var distance float64
	if price < r.Min {
		distance = r.Min - price
	} else {
		distance = price - r.Max
	}
	return clamp01(1 - distance/window)
}

// buildMatchReasons explains a match for humans. It does not feed the score.
func buildMatchReasons(criteria SearchCriteria, product models.CatalogProduct) []string {
	signals := computeSignals(criteria, product)
	reasons := make([]string, 0, 5)

	if signals.name != nil {
		switch {
		case *signals.name >= 0.9:
			reasons = append(reasons, "exact product name match")
		case *signals.name >= 0.7:
			reasons = append(reasons, "strong name similarity")
		case *signals.name >= 0.3:
			reasons = append(reasons, "partial name similarity")
		}
	}

	if signals.features != nil {
		switch {
		case *signals.features >= 0.8:
			reasons = append(reasons, "most requested features present")
		case *signals.features >= 0.5:
			reasons = append(reasons, "some requested features present")
		case *signals.features > 0:
			reasons = append(reasons, "few requested features present")
		}
	}

	if signals.price != nil {
		switch {
		case *signals.price >= 1.0:
			reasons = append(reasons, "price within requested range")
		case *signals.price > 0:
			reasons = append(reasons, "price close to requested range")
		}
	}

	if product.Rating != nil && *product.Rating >= highRatingThreshold {
		reasons = append(reasons, fmt.Sprintf("highly rated (%.1f)", *product.Rating))
	}

	if product.ReviewCount != nil && *product.ReviewCount >= popularReviewsMinimum {
		reasons = append(reasons, fmt.Sprintf("popular choice (%d reviews)", *product.ReviewCount))
	}

	return reasons
}

type scoredProduct struct {
	product    models.CatalogProduct
	confidence float64
}

// rankProducts scores products and sorts them by descending confidence.
// Ties keep catalog order.
func rankProducts(criteria SearchCriteria, products []models.CatalogProduct, score func(SearchCriteria, models.CatalogProduct) float64) []scoredProduct {
	ranked := make([]scoredProduct, 0, len(products))
	for _, product := range products {
		ranked = append(ranked, scoredProduct{product: product, confidence: score(criteria, product)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].confidence > ranked[j].confidence
	})
	return ranked
}

// ProductMapper maps normalized candidates to catalog products.
type ProductMapper struct {
	catalog  CatalogReader
	fallback *FallbackMatcher
	config   *config.MappingConfig
	logger   *logrus.Logger
}

func NewProductMapper(catalog CatalogReader, fallback *FallbackMatcher, cfg *config.MappingConfig, logger *logrus.Logger) *ProductMapper {
	return &ProductMapper{
		catalog:  catalog,
		fallback: fallback,
		config:   cfg,
		logger:   logger,
	}
}

// Threshold returns the confidence a primary match needs.
func (m *ProductMapper) Threshold() float64 {
	return m.config.Threshold
}

// MapToProduct returns the best scoring product in the category regardless of
// threshold, zero confidence included. It returns nil only for an empty category.
func (m *ProductMapper) MapToProduct(ctx context.Context, candidate models.RecommendationCandidate, categoryID uuid.UUID) (*models.ProductMatch, error) {
	products, err := m.catalog.FindProductsInCategory(ctx, categoryID, candidate.PriceRange)
	if err != nil {
		return nil, fmt.Errorf("failed to search catalog: %w", err)
	}
	if len(products) == 0 {
		m.logger.WithFields(logrus.Fields{
			"category_id":  categoryID,
			"product_name": candidate.ProductName,
		}).Debug("No catalog products in category")
		return nil, nil
	}

	criteria := CriteriaFromCandidate(candidate)
	ranked := rankProducts(criteria, products, ScoreProduct)
	best := ranked[0]

	m.logger.WithFields(logrus.Fields{
		"category_id":  categoryID,
		"product_name": candidate.ProductName,
		"product_id":   best.product.ID,
		"confidence":   best.confidence,
		"candidates":   len(products),
	}).Debug("Primary mapping scored")

	return &models.ProductMatch{
		ProductID:    best.product.ID,
		Confidence:   best.confidence,
		MatchReasons: buildMatchReasons(criteria, best.product),
	}, nil
}

// MapWithConfidenceEvaluation returns the primary match when it clears the
// threshold. Otherwise the fallback result (marked "fallback match") or nil.
func (m *ProductMapper) MapWithConfidenceEvaluation(ctx context.Context, candidate models.RecommendationCandidate, categoryID uuid.UUID) (*models.ProductMatch, error) {
	primary, err := m.MapToProduct(ctx, candidate, categoryID)
	if err != nil {
		return nil, err
	}
	if primary != nil && primary.Confidence >= m.config.Threshold {
		return primary, nil
	}

	logFields := logrus.Fields{
		"category_id":  categoryID,
		"product_name": candidate.ProductName,
		"threshold":    m.config.Threshold,
	}
	if primary != nil {
		logFields["primary_confidence"] = primary.Confidence
	}
	m.logger.WithFields(logFields).Debug("Primary mapping below threshold, trying fallback")

	if m.fallback == nil {
		return nil, nil
	}

	match, err := m.fallback.PerformFallbackMatching(ctx, candidate, categoryID)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, nil
	}

	match.MatchReasons = append([]string{fallbackMarker}, match.MatchReasons...)
	return match, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
