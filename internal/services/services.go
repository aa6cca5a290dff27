package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/internal/database"
	"github.com/temcen/prodmatch/internal/messaging"
	"github.com/temcen/prodmatch/internal/validation"
)

type Services struct {
	Auth             *AuthService
	RateLimiter      *RateLimiter
	Health           *HealthService
	Metrics          *MappingMetrics
	Schemas          *validation.SchemaValidator
	Catalog          *CatalogRepository
	Store            *RecommendationStore
	Analyzer         *ResponseAnalyzer
	Fallback         *FallbackMatcher
	Mapper           *ProductMapper
	Pipeline         *RecommendationPipeline
	MessageBus       *messaging.MessageBus
	Submissions      *SubmissionTracker
	ResponseConsumer *ResponseConsumer
}

func New(cfg *config.Config, logger *logrus.Logger, db *database.Database) (*Services, error) {
	schemas, err := validation.NewDefaultSchemaValidator()
	if err != nil {
		return nil, err
	}

	authService := NewAuthService(&cfg.Auth, logger)
	healthService := NewHealthService(logger, prometheus.DefaultRegisterer, db)
	metrics := NewMappingMetrics(prometheus.DefaultRegisterer)

	catalog := NewCatalogRepository(db.PG, db.Redis, &cfg.Mapping, &cfg.Fallback, logger)
	store := NewRecommendationStore(db.PG, logger)

	analyzer := NewResponseAnalyzer(schemas, &cfg.Analysis, logger)
	fallback := NewFallbackMatcher(catalog, &cfg.Fallback, cfg.Mapping.RelaxedSearchLimit, logger)
	mapper := NewProductMapper(catalog, fallback, &cfg.Mapping, logger)
	pipeline := NewRecommendationPipeline(analyzer, mapper, store, metrics, cfg.Mapping.Concurrency, logger)

	svc := &Services{
		Auth:     authService,
		Health:   healthService,
		Metrics:  metrics,
		Schemas:  schemas,
		Catalog:  catalog,
		Store:    store,
		Analyzer: analyzer,
		Fallback: fallback,
		Mapper:   mapper,
		Pipeline: pipeline,
	}

	if cfg.Security.RateLimit.Enabled {
		svc.RateLimiter = NewRateLimiter(db.Redis, &cfg.Security.RateLimit, logger)
	}

	if cfg.Kafka.Enabled {
		messageBus, err := messaging.NewMessageBus(cfg, logger)
		if err != nil {
			return nil, err
		}
		svc.MessageBus = messageBus
		healthService.WithMessageBus(messageBus)

		// A nil tracker must not become a non-nil interface value.
		var status StatusRecorder
		if db.Redis != nil {
			svc.Submissions = NewSubmissionTracker(db.Redis, cfg.Kafka.StatusTTL, logger)
			status = svc.Submissions
		}
		svc.ResponseConsumer = NewResponseConsumer(messageBus, pipeline, status, cfg.Kafka.MaxRetries, logger)
	}

	return svc, nil
}
