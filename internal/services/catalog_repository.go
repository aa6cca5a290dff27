package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/pkg/models"
)

const productColumns = `id, category_id, name, description, COALESCE(features, ''), price, rating, review_count`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// CatalogRepository reads in-stock products from PostgreSQL. Category listings
// are cached in redis when a cache client is configured.
type CatalogRepository struct {
	db       DatabaseQuerier
	redis    *redis.Client
	mapping  *config.MappingConfig
	fallback *config.FallbackConfig
	logger   *logrus.Logger
}

func NewCatalogRepository(
	db DatabaseQuerier,
	redis *redis.Client,
	mapping *config.MappingConfig,
	fallback *config.FallbackConfig,
	logger *logrus.Logger,
) *CatalogRepository {
	return &CatalogRepository{
		db:       db,
		redis:    redis,
		mapping:  mapping,
		fallback: fallback,
		logger:   logger,
	}
}

// FindProductsInCategory returns up to the configured search limit of in-stock
// products, restricted to priceRange when given.
func (r *CatalogRepository) FindProductsInCategory(ctx context.Context, categoryID uuid.UUID, priceRange *models.PriceRange) ([]models.CatalogProduct, error) {
	cacheKey := categoryCacheKey(categoryID, priceRange)
	if r.redis != nil {
		if cached, err := r.getCachedProducts(ctx, cacheKey); err == nil {
			return cached, nil
		}
	}

	query := `SELECT ` + productColumns + `
		FROM products
		WHERE category_id = $1 AND in_stock = true`
	args := []interface{}{categoryID}

	if priceRange != nil {
		query += ` AND price BETWEEN $2 AND $3`
		args = append(args, priceRange.Min, priceRange.Max)
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args)+1)
	args = append(args, r.mapping.SearchLimit)

	products, err := r.queryProducts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find products in category %s: %w", categoryID, err)
	}

	if r.redis != nil {
		if err := r.cacheProducts(ctx, cacheKey, products, r.mapping.CacheTTL); err != nil {
			r.logger.WithError(err).WithField("cache_key", cacheKey).Warn("Failed to cache catalog products")
		}
	}

	return products, nil
}

// FindByKeywords returns in-stock products whose name, description or features
// contain any keyword, case-insensitively.
func (r *CatalogRepository) FindByKeywords(ctx context.Context, categoryID uuid.UUID, keywords []string, limit int) ([]models.CatalogProduct, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	patterns := make([]string, len(keywords))
	for i, keyword := range keywords {
		patterns[i] = "%" + likeEscaper.Replace(keyword) + "%"
	}

	query := `SELECT ` + productColumns + `
		FROM products
		WHERE category_id = $1 AND in_stock = true
		  AND (name ILIKE ANY($2) OR description ILIKE ANY($2) OR features ILIKE ANY($2))
		ORDER BY rating DESC NULLS LAST, review_count DESC NULLS LAST
		LIMIT $3`

	products, err := r.queryProducts(ctx, query, categoryID, patterns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search products by keywords: %w", err)
	}
	return products, nil
}

// FindPopularInCategory returns the best rated well-reviewed product, or nil.
func (r *CatalogRepository) FindPopularInCategory(ctx context.Context, categoryID uuid.UUID) (*models.CatalogProduct, error) {
	query := `SELECT ` + productColumns + `
		FROM products
		WHERE category_id = $1 AND in_stock = true
		  AND rating >= $2 AND review_count >= $3
		ORDER BY rating DESC, review_count DESC
		LIMIT 1`

	products, err := r.queryProducts(ctx, query, categoryID, r.fallback.PopularMinRating, r.fallback.PopularMinReviews)
	if err != nil {
		return nil, fmt.Errorf("failed to find popular product: %w", err)
	}
	return firstProduct(products), nil
}

// FindByPriceRangeInCategory returns the best rated product priced within priceRange, or nil.
func (r *CatalogRepository) FindByPriceRangeInCategory(ctx context.Context, categoryID uuid.UUID, priceRange models.PriceRange) (*models.CatalogProduct, error) {
	query := `SELECT ` + productColumns + `
		FROM products
		WHERE category_id = $1 AND in_stock = true
		  AND price BETWEEN $2 AND $3
		ORDER BY rating DESC NULLS LAST, review_count DESC NULLS LAST
		LIMIT 1`

	products, err := r.queryProducts(ctx, query, categoryID, priceRange.Min, priceRange.Max)
	if err != nil {
		return nil, fmt.Errorf("failed to find product in price range: %w", err)
	}
	return firstProduct(products), nil
}

// InvalidateCategory drops cached listings for a category.
func (r *CatalogRepository) InvalidateCategory(ctx context.Context, categoryID uuid.UUID) error {
	if r.redis == nil {
		return nil
	}

	pattern := fmt.Sprintf("catalog:category:%s*", categoryID)
	iter := r.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete cache key %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

func (r *CatalogRepository) queryProducts(ctx context.Context, query string, args ...interface{}) ([]models.CatalogProduct, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []models.CatalogProduct
	for rows.Next() {
		var p models.CatalogProduct
		if err := rows.Scan(
			&p.ID, &p.CategoryID, &p.Name, &p.Description, &p.FeaturesText,
			&p.Price, &p.Rating, &p.ReviewCount,
		); err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	return products, rows.Err()
}

func firstProduct(products []models.CatalogProduct) *models.CatalogProduct {
	if len(products) == 0 {
		return nil
	}
	return &products[0]
}

func categoryCacheKey(categoryID uuid.UUID, priceRange *models.PriceRange) string {
	if priceRange == nil {
		return fmt.Sprintf("catalog:category:%s", categoryID)
	}
	return fmt.Sprintf("catalog:category:%s:price:%g-%g", categoryID, priceRange.Min, priceRange.Max)
}

func (r *CatalogRepository) getCachedProducts(ctx context.Context, key string) ([]models.CatalogProduct, error) {
	cached, err := r.redis.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.WithError(err).WithField("cache_key", key).Debug("Catalog cache read failed")
		}
		return nil, fmt.Errorf("cache miss")
	}

	var products []models.CatalogProduct
	if err := json.Unmarshal([]byte(cached), &products); err != nil {
		return nil, err
	}

	return products, nil
}

func (r *CatalogRepository) cacheProducts(ctx context.Context, key string, products []models.CatalogProduct, ttl time.Duration) error {
	data, err := json.Marshal(products)
	if err != nil {
		return err
	}

	return r.redis.Set(ctx, key, data, ttl).Err()
}

var _ CatalogReader = (*CatalogRepository)(nil)
