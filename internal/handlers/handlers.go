package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/services"
)

type Handlers struct {
	Health         *HealthHandler
	Recommendation *RecommendationHandler
}

func New(logger *logrus.Logger, svc *services.Services) *Handlers {
	// Nil pointers must not become non-nil interface values.
	var publisher AIResponsePublisher
	if svc.MessageBus != nil {
		publisher = svc.MessageBus
	}
	var submissions SubmissionTracker
	if svc.Submissions != nil {
		submissions = svc.Submissions
	}

	return &Handlers{
		Health:         NewHealthHandler(logger, svc.Health),
		Recommendation: NewRecommendationHandler(svc.Pipeline, publisher, submissions, logger),
	}
}
