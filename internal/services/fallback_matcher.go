package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/pkg/models"
)

const (
	fallbackMarker   = "fallback match"
	relaxedMarker    = "relaxed-criteria match"
	substituteMarker = "substitute"

	// Keywords must be longer than this many characters to drive the relaxed search.
	minKeywordRunes = 2
)

// FallbackMatcher finds a looser match when primary mapping is absent or weak.
// Tiers run in order and the first hit wins: relaxed keyword search, the
// category's most popular product, then the best product in the price range.
type FallbackMatcher struct {
	catalog     CatalogReader
	config      *config.FallbackConfig
	searchLimit int
	logger      *logrus.Logger
}

func NewFallbackMatcher(catalog CatalogReader, cfg *config.FallbackConfig, searchLimit int, logger *logrus.Logger) *FallbackMatcher {
	return &FallbackMatcher{
		catalog:     catalog,
		config:      cfg,
		searchLimit: searchLimit,
		logger:      logger,
	}
}

func (f *FallbackMatcher) PerformFallbackMatching(ctx context.Context, candidate models.RecommendationCandidate, categoryID uuid.UUID) (*models.ProductMatch, error) {
	logger := f.logger.WithFields(logrus.Fields{
		"category_id":  categoryID,
		"product_name": candidate.ProductName,
	})

	match, err := f.relaxedKeywordMatch(ctx, candidate, categoryID)
	if err != nil {
		return nil, err
	}
	if match != nil {
		logger.WithField("tier", "relaxed").Debug("Fallback match found")
		return match, nil
	}

	match, err = f.popularInCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	if match != nil {
		logger.WithField("tier", "popular").Debug("Fallback match found")
		return match, nil
	}

	if candidate.PriceRange != nil {
		match, err = f.priceRangeOnly(ctx, *candidate.PriceRange, categoryID)
		if err != nil {
			return nil, err
		}
		if match != nil {
			logger.WithField("tier", "price_range").Debug("Fallback match found")
			return match, nil
		}
	}

	logger.Debug("No fallback match in any tier")
	return nil, nil
}

func (f *FallbackMatcher) relaxedKeywordMatch(ctx context.Context, candidate models.RecommendationCandidate, categoryID uuid.UUID) (*models.ProductMatch, error) {
	keywords := keywordsFrom(candidate.ProductName, minKeywordRunes)
	if len(keywords) == 0 {
		return nil, nil
	}

	products, err := f.catalog.FindByKeywords(ctx, categoryID, keywords, f.searchLimit)
	if err != nil {
		return nil, fmt.Errorf("relaxed keyword search failed: %w", err)
	}
	if len(products) == 0 {
		return nil, nil
	}

	criteria := CriteriaFromCandidate(candidate)
	ranked := rankProducts(criteria, products, f.RelaxedConfidence)
	best := ranked[0]
	if best.confidence <= f.config.MinRelaxedConfidence {
		return nil, nil
	}

	reasons := append([]string{relaxedMarker}, buildMatchReasons(criteria, best.product)...)
	return &models.ProductMatch{
		ProductID:    best.product.ID,
		Confidence:   best.confidence,
		MatchReasons: reasons,
	}, nil
}

// RelaxedConfidence averages the reduced-weight factors that apply, then adds
// the flat rating bonus.
func (f *FallbackMatcher) RelaxedConfidence(criteria SearchCriteria, product models.CatalogProduct) float64 {
	signals := computeSignals(criteria, product)

	var factors []float64
	if signals.name != nil {
		factors = append(factors, *signals.name*f.config.NameWeight)
	}
	if signals.features != nil {
		factors = append(factors, *signals.features*f.config.FeatureWeight)
	}
	if signals.price != nil {
		factors = append(factors, *signals.price*f.config.PriceWeight)
	}

	var confidence float64
	if len(factors) > 0 {
		confidence = stat.Mean(factors, nil)
	}
	if product.Rating != nil && *product.Rating >= f.config.RatingBonusMin {
		confidence += f.config.RatingBonus
	}
	return clamp01(confidence)
}

func (f *FallbackMatcher) popularInCategory(ctx context.Context, categoryID uuid.UUID) (*models.ProductMatch, error) {
	product, err := f.catalog.FindPopularInCategory(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("popular product lookup failed: %w", err)
	}
	if product == nil {
		return nil, nil
	}

	reasons := []string{substituteMarker + ": popular in category"}
	if product.Rating != nil {
		reasons = append(reasons, fmt.Sprintf("rated %.1f", *product.Rating))
	}
	if product.ReviewCount != nil {
		reasons = append(reasons, fmt.Sprintf("%d reviews", *product.ReviewCount))
	}

	return &models.ProductMatch{
		ProductID:    product.ID,
		Confidence:   f.config.PopularConfidence,
		MatchReasons: reasons,
	}, nil
}

func (f *FallbackMatcher) priceRangeOnly(ctx context.Context, priceRange models.PriceRange, categoryID uuid.UUID) (*models.ProductMatch, error) {
	product, err := f.catalog.FindByPriceRangeInCategory(ctx, categoryID, priceRange)
	if err != nil {
		return nil, fmt.Errorf("price range lookup failed: %w", err)
	}
	if product == nil {
		return nil, nil
	}

	reasons := []string{substituteMarker + ": within requested price range"}
	if product.Price != nil {
		reasons = append(reasons, fmt.Sprintf("priced at %.0f", *product.Price))
	}

	return &models.ProductMatch{
		ProductID:    product.ID,
		Confidence:   f.config.PriceRangeConfidence,
		MatchReasons: reasons,
	}, nil
}
