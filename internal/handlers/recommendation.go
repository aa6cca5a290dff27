package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/messaging"
	"github.com/temcen/prodmatch/internal/services"
	"github.com/temcen/prodmatch/pkg/models"
)

// AIResponsePublisher enqueues AI responses for asynchronous processing
type AIResponsePublisher interface {
	PublishAIResponse(ctx context.Context, message messaging.AIResponseMessage) error
}

// SubmissionTracker stores the status of queued submissions
type SubmissionTracker interface {
	Queued(ctx context.Context, sessionID uuid.UUID) error
	Failed(ctx context.Context, sessionID uuid.UUID, cause error) error
	Get(ctx context.Context, sessionID uuid.UUID) (*models.SubmissionStatus, error)
}

type RecommendationHandler struct {
	processor   services.RecommendationProcessor
	publisher   AIResponsePublisher
	submissions SubmissionTracker
	validate    *validator.Validate
	logger      *logrus.Logger
}

// NewRecommendationHandler builds the handler. publisher and submissions may be
// nil when Kafka or redis is disabled.
func NewRecommendationHandler(
	processor services.RecommendationProcessor,
	publisher AIResponsePublisher,
	submissions SubmissionTracker,
	logger *logrus.Logger,
) *RecommendationHandler {
	return &RecommendationHandler{
		processor:   processor,
		publisher:   publisher,
		submissions: submissions,
		validate:    validator.New(),
		logger:      logger,
	}
}

// Analyze normalizes a raw AI response and reports its quality.
func (h *RecommendationHandler) Analyze(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, "BODY_READ_ERROR", "Failed to read request body", nil)
		return
	}

	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", gin.H{
			"parseError": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, h.processor.Analyze(raw))
}

// Map maps one canonical candidate to a catalog product.
func (h *RecommendationHandler) Map(c *gin.Context) {
	var req models.MapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body format", gin.H{
			"error": err.Error(),
		})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", gin.H{
			"error": err.Error(),
		})
		return
	}
	if req.Candidate.Features == nil {
		req.Candidate.Features = []string{}
	}

	match, err := h.processor.MapCandidate(c.Request.Context(), req.Candidate, req.CategoryID)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"category_id":  req.CategoryID,
			"product_name": req.Candidate.ProductName,
		}).Error("Failed to map candidate")
		respondError(c, http.StatusInternalServerError, "MAPPING_FAILED", "Failed to map candidate to a product", nil)
		return
	}
	if match == nil {
		respondError(c, http.StatusNotFound, "NO_MATCH", "No catalog product matches the candidate", gin.H{
			"category_id": req.CategoryID,
		})
		return
	}

	c.JSON(http.StatusOK, match)
}

// Process analyzes and maps a whole AI response, optionally saving it to the session.
func (h *RecommendationHandler) Process(c *gin.Context) {
	var req models.ProcessRecommendationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body format", gin.H{
			"error": err.Error(),
		})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", gin.H{
			"error": err.Error(),
		})
		return
	}

	result, err := h.processor.Process(c.Request.Context(), services.ProcessRequest{
		SessionID:  req.SessionID,
		CategoryID: req.CategoryID,
		Payload:    req.Payload,
		Persist:    req.Persist,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidResponse):
			var analysis *models.ResponseAnalysisResult
			if result != nil {
				analysis = result.Analysis
			}
			respondError(c, http.StatusUnprocessableEntity, "INVALID_AI_RESPONSE", "AI response failed analysis", gin.H{
				"analysis": analysis,
			})
		case errors.Is(err, services.ErrSessionNotFound):
			respondError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", gin.H{"session_id": req.SessionID})
		case errors.Is(err, services.ErrSessionCompleted):
			respondError(c, http.StatusConflict, "SESSION_COMPLETED", "Recommendations were already saved for this session", gin.H{"session_id": req.SessionID})
		default:
			h.logger.WithError(err).WithField("session_id", req.SessionID).Error("Failed to process recommendations")
			respondError(c, http.StatusInternalServerError, "PROCESSING_FAILED", "Failed to process recommendations", nil)
		}
		return
	}

	c.JSON(http.StatusOK, models.ProcessRecommendationsResponse{
		SessionID:       result.SessionID,
		Analysis:        result.Analysis,
		Recommendations: result.Recommendations,
		Statistics:      result.Statistics,
		Persisted:       result.Persisted,
		GeneratedAt:     time.Now(),
	})
}

// Submit queues an AI response for the Kafka consumer and returns immediately.
func (h *RecommendationHandler) Submit(c *gin.Context) {
	if h.publisher == nil {
		respondError(c, http.StatusServiceUnavailable, "ASYNC_DISABLED", "Asynchronous processing is not enabled", nil)
		return
	}

	var req models.ProcessRecommendationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body format", gin.H{
			"error": err.Error(),
		})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", gin.H{
			"error": err.Error(),
		})
		return
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "Payload could not be encoded", nil)
		return
	}

	// Recorded before publishing so the consumer's updates are never overwritten.
	if h.submissions != nil {
		if err := h.submissions.Queued(c.Request.Context(), req.SessionID); err != nil {
			h.logger.WithError(err).WithField("session_id", req.SessionID).Warn("Failed to record submission status")
		}
	}

	err = h.publisher.PublishAIResponse(c.Request.Context(), messaging.AIResponseMessage{
		SessionID:  req.SessionID,
		CategoryID: req.CategoryID,
		Payload:    payload,
		Persist:    req.Persist,
	})
	if err != nil {
		h.logger.WithError(err).WithField("session_id", req.SessionID).Error("Failed to queue AI response")
		if h.submissions != nil {
			if statusErr := h.submissions.Failed(c.Request.Context(), req.SessionID, err); statusErr != nil {
				h.logger.WithError(statusErr).WithField("session_id", req.SessionID).Warn("Failed to record submission status")
			}
		}
		respondError(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "Failed to queue AI response", nil)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": req.SessionID,
		"status":     services.SubmissionQueued,
	})
}

// SubmissionStatus reports the progress of a queued submission.
func (h *RecommendationHandler) SubmissionStatus(c *gin.Context) {
	if h.submissions == nil {
		respondError(c, http.StatusServiceUnavailable, "ASYNC_DISABLED", "Submission tracking is not enabled", nil)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SESSION_ID", "Session id must be a UUID", nil)
		return
	}

	status, err := h.submissions.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, services.ErrSubmissionNotFound) {
			respondError(c, http.StatusNotFound, "SUBMISSION_NOT_FOUND", "No submission recorded for this session", nil)
			return
		}
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to load submission status")
		respondError(c, http.StatusInternalServerError, "STATUS_UNAVAILABLE", "Failed to load submission status", nil)
		return
	}

	c.JSON(http.StatusOK, status)
}

func respondError(c *gin.Context, status int, code, message string, details gin.H) {
	body := gin.H{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	c.JSON(status, gin.H{"error": body})
}
