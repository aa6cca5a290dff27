package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/internal/database"
	"github.com/temcen/prodmatch/internal/handlers"
	"github.com/temcen/prodmatch/internal/middleware"
	"github.com/temcen/prodmatch/internal/services"
)

const scopeRecommendationsWrite = "recommendations:write"

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	db       *database.Database
	services *services.Services
	handlers *handlers.Handlers
	router   *gin.Engine
	cancel   context.CancelFunc
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config: cfg,
		logger: NewLogger(&cfg.Logging),
	}

	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	svc, err := services.New(cfg, app.logger, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = svc

	app.handlers = handlers.New(app.logger, svc)
	app.setupRouter()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func (a *App) Logger() *logrus.Logger {
	return a.logger
}

// Start launches the health collectors and, when Kafka is enabled, the AI response consumer.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.services.Health.Start(ctx)
	if a.services.ResponseConsumer != nil {
		a.services.ResponseConsumer.Start(ctx)
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if a.services.ResponseConsumer != nil {
		done := make(chan struct{})
		go func() {
			a.services.ResponseConsumer.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("consumer did not stop: %w", ctx.Err()))
		}
	}

	if a.services.MessageBus != nil {
		if err := a.services.MessageBus.Close(); err != nil {
			a.logger.WithError(err).Error("Error closing message bus")
			errs = append(errs, err)
		}
	}

	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(&a.config.Security.CORS))

	router.GET("/health", a.handlers.Health.Check)

	if a.config.Monitoring.Enabled {
		router.GET(a.config.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	validator := middleware.NewValidationMiddleware(a.services.Schemas)

	api := router.Group("/api/v1")
	api.Use(validator.ValidateJSONContentType())

	// Writes need the scope only when tokens are checked at all.
	var requireWrite gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if a.config.Auth.Enabled {
		api.Use(middleware.Auth(a.services.Auth, a.logger))
		requireWrite = middleware.RequireScope(scopeRecommendationsWrite)
	}
	if a.services.RateLimiter != nil {
		api.Use(middleware.RateLimit(a.services.RateLimiter, a.logger))
	}

	recommendations := api.Group("/recommendations")
	{
		recommendations.POST("/analyze", a.handlers.Recommendation.Analyze)
		recommendations.POST("/map", validator.ValidateMapRequest(), a.handlers.Recommendation.Map)
		recommendations.POST("/process", requireWrite, validator.ValidateProcessRequest(), a.handlers.Recommendation.Process)
		recommendations.POST("/submit", requireWrite, validator.ValidateProcessRequest(), a.handlers.Recommendation.Submit)
		recommendations.GET("/submissions/:session_id", a.handlers.Recommendation.SubmissionStatus)
	}

	a.router = router
}
