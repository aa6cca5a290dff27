package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/pkg/models"
)

// MockCatalog is a testify mock of CatalogReader.
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) FindProductsInCategory(ctx context.Context, categoryID uuid.UUID, priceRange *models.PriceRange) ([]models.CatalogProduct, error) {
	args := m.Called(ctx, categoryID, priceRange)
	products, _ := args.Get(0).([]models.CatalogProduct)
	return products, args.Error(1)
}

func (m *MockCatalog) FindByKeywords(ctx context.Context, categoryID uuid.UUID, keywords []string, limit int) ([]models.CatalogProduct, error) {
	args := m.Called(ctx, categoryID, keywords, limit)
	products, _ := args.Get(0).([]models.CatalogProduct)
	return products, args.Error(1)
}

func (m *MockCatalog) FindPopularInCategory(ctx context.Context, categoryID uuid.UUID) (*models.CatalogProduct, error) {
	args := m.Called(ctx, categoryID)
	product, _ := args.Get(0).(*models.CatalogProduct)
	return product, args.Error(1)
}

func (m *MockCatalog) FindByPriceRangeInCategory(ctx context.Context, categoryID uuid.UUID, priceRange models.PriceRange) (*models.CatalogProduct, error) {
	args := m.Called(ctx, categoryID, priceRange)
	product, _ := args.Get(0).(*models.CatalogProduct)
	return product, args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testConfig() *config.Config {
	return config.Default()
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func strPtr(v string) *string     { return &v }
