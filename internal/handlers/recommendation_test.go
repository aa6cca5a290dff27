package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/temcen/prodmatch/internal/messaging"
	"github.com/temcen/prodmatch/internal/services"
	"github.com/temcen/prodmatch/pkg/models"
)

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Analyze(raw interface{}) *models.ResponseAnalysisResult {
	args := m.Called(raw)
	return args.Get(0).(*models.ResponseAnalysisResult)
}

func (m *MockProcessor) MapCandidate(ctx context.Context, candidate models.RecommendationCandidate, categoryID uuid.UUID) (*models.ProductMatch, error) {
	args := m.Called(ctx, candidate, categoryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProductMatch), args.Error(1)
}

func (m *MockProcessor) Process(ctx context.Context, req services.ProcessRequest) (*services.PipelineResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.PipelineResult), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishAIResponse(ctx context.Context, message messaging.AIResponseMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

type MockTracker struct {
	mock.Mock
}

func (m *MockTracker) Queued(ctx context.Context, sessionID uuid.UUID) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockTracker) Failed(ctx context.Context, sessionID uuid.UUID, cause error) error {
	args := m.Called(ctx, sessionID, cause)
	return args.Error(0)
}

func (m *MockTracker) Get(ctx context.Context, sessionID uuid.UUID) (*models.SubmissionStatus, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SubmissionStatus), args.Error(1)
}

// memoryTracker keeps statuses in a map and the order they were written.
type memoryTracker struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
	history  []string
}

func newMemoryTracker() *memoryTracker {
	return &memoryTracker{statuses: make(map[uuid.UUID]string)}
}

func (m *memoryTracker) set(sessionID uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[sessionID] = status
	m.history = append(m.history, status)
}

func (m *memoryTracker) Queued(ctx context.Context, sessionID uuid.UUID) error {
	m.set(sessionID, services.SubmissionQueued)
	return nil
}

func (m *memoryTracker) Failed(ctx context.Context, sessionID uuid.UUID, cause error) error {
	m.set(sessionID, services.SubmissionFailed)
	return nil
}

func (m *memoryTracker) Get(ctx context.Context, sessionID uuid.UUID) (*models.SubmissionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[sessionID]
	if !ok {
		return nil, services.ErrSubmissionNotFound
	}
	return &models.SubmissionStatus{SessionID: sessionID, Status: status}, nil
}

func setupRouter(handler *RecommendationHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/analyze", handler.Analyze)
	router.POST("/map", handler.Map)
	router.POST("/process", handler.Process)
	router.POST("/submit", handler.Submit)
	router.GET("/submissions/:session_id", handler.SubmissionStatus)
	return router
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func perform(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestRecommendationHandler_Analyze(t *testing.T) {
	t.Run("returns analysis", func(t *testing.T) {
		processor := new(MockProcessor)
		router := setupRouter(NewRecommendationHandler(processor, nil, nil, testLogger()))

		processor.On("Analyze", mock.Anything).Return(&models.ResponseAnalysisResult{
			IsValid:      true,
			QualityScore: 0.73,
			Issues:       []models.ResponseIssue{},
		})

		w := perform(router, "/analyze", `{"recommendations":[{"productName":"iPhone 15","reason":"fits","score":0.9,"features":[]}]}`)

		assert.Equal(t, http.StatusOK, w.Code)
		var result models.ResponseAnalysisResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.True(t, result.IsValid)
		assert.InDelta(t, 0.73, result.QualityScore, 1e-9)
		processor.AssertExpectations(t)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		processor := new(MockProcessor)
		router := setupRouter(NewRecommendationHandler(processor, nil, nil, testLogger()))

		w := perform(router, "/analyze", `{"recommendations":`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_JSON", errorCode(t, w))
		processor.AssertNotCalled(t, "Analyze", mock.Anything)
	})
}

func TestRecommendationHandler_Map(t *testing.T) {
	categoryID := uuid.New()
	productID := uuid.New()

	tests := []struct {
		name           string
		body           string
		setupMock      func(*MockProcessor)
		expectedStatus int
		expectedCode   string
	}{
		{
			name: "match found",
			body: fmt.Sprintf(`{"category_id":"%s","candidate":{"productName":"iPhone 15 Pro","reason":"camera","score":0.9,"features":["camera"]}}`, categoryID),
			setupMock: func(p *MockProcessor) {
				p.On("MapCandidate", mock.Anything, mock.MatchedBy(func(c models.RecommendationCandidate) bool {
					return c.ProductName == "iPhone 15 Pro" && len(c.Features) == 1
				}), categoryID).Return(&models.ProductMatch{
					ProductID:    productID,
					Confidence:   0.9,
					MatchReasons: []string{"strong name similarity"},
				}, nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "no match",
			body: fmt.Sprintf(`{"category_id":"%s","candidate":{"productName":"Nothing","reason":"r","score":0.5}}`, categoryID),
			setupMock: func(p *MockProcessor) {
				p.On("MapCandidate", mock.Anything, mock.MatchedBy(func(c models.RecommendationCandidate) bool {
					return c.Features != nil
				}), categoryID).Return(nil, nil)
			},
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NO_MATCH",
		},
		{
			name: "catalog failure",
			body: fmt.Sprintf(`{"category_id":"%s","candidate":{"productName":"X","reason":"r","score":0.5,"features":[]}}`, categoryID),
			setupMock: func(p *MockProcessor) {
				p.On("MapCandidate", mock.Anything, mock.Anything, categoryID).Return(nil, errors.New("connection refused"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "MAPPING_FAILED",
		},
		{
			name:           "missing category",
			body:           `{"candidate":{"productName":"X","reason":"r","score":0.5,"features":[]}}`,
			setupMock:      func(p *MockProcessor) {},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "VALIDATION_ERROR",
		},
		{
			name:           "invalid category id",
			body:           `{"category_id":"not-a-uuid","candidate":{"productName":"X"}}`,
			setupMock:      func(p *MockProcessor) {},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_REQUEST_BODY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := new(MockProcessor)
			tt.setupMock(processor)
			router := setupRouter(NewRecommendationHandler(processor, nil, nil, testLogger()))

			w := perform(router, "/map", tt.body)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, errorCode(t, w))
			} else {
				var match models.ProductMatch
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &match))
				assert.Equal(t, productID, match.ProductID)
			}
			processor.AssertExpectations(t)
		})
	}
}

func TestRecommendationHandler_Process(t *testing.T) {
	sessionID := uuid.New()
	categoryID := uuid.New()
	body := fmt.Sprintf(`{"session_id":"%s","category_id":"%s","persist":true,"payload":{"recommendations":[]}}`, sessionID, categoryID)

	matchesRequest := mock.MatchedBy(func(req services.ProcessRequest) bool {
		return req.SessionID == sessionID && req.CategoryID == categoryID && req.Persist
	})

	t.Run("success", func(t *testing.T) {
		processor := new(MockProcessor)
		processor.On("Process", mock.Anything, matchesRequest).Return(&services.PipelineResult{
			SessionID:       sessionID,
			CategoryID:      categoryID,
			Analysis:        &models.ResponseAnalysisResult{IsValid: true, QualityScore: 0.8},
			Recommendations: []models.MappedRecommendation{},
			Statistics:      models.MatchingStatistics{},
			Persisted:       0,
		}, nil)
		router := setupRouter(NewRecommendationHandler(processor, nil, nil, testLogger()))

		w := perform(router, "/process", body)

		assert.Equal(t, http.StatusOK, w.Code)
		var response models.ProcessRecommendationsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, sessionID, response.SessionID)
		assert.False(t, response.GeneratedAt.IsZero())
		processor.AssertExpectations(t)
	})

	errorCases := []struct {
		name           string
		result         *services.PipelineResult
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "invalid response",
			result:         &services.PipelineResult{Analysis: &models.ResponseAnalysisResult{IsValid: false}},
			err:            services.ErrInvalidResponse,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedCode:   "INVALID_AI_RESPONSE",
		},
		{
			name:           "session not found",
			err:            fmt.Errorf("failed to save recommendations: %w", services.ErrSessionNotFound),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "SESSION_NOT_FOUND",
		},
		{
			name:           "session completed",
			err:            fmt.Errorf("failed to save recommendations: %w", services.ErrSessionCompleted),
			expectedStatus: http.StatusConflict,
			expectedCode:   "SESSION_COMPLETED",
		},
		{
			name:           "unexpected failure",
			err:            errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "PROCESSING_FAILED",
		},
	}

	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			processor := new(MockProcessor)
			processor.On("Process", mock.Anything, matchesRequest).Return(tt.result, tt.err)
			router := setupRouter(NewRecommendationHandler(processor, nil, nil, testLogger()))

			w := perform(router, "/process", body)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedCode, errorCode(t, w))
			processor.AssertExpectations(t)
		})
	}
}

func TestRecommendationHandler_Submit(t *testing.T) {
	sessionID := uuid.New()
	categoryID := uuid.New()
	body := fmt.Sprintf(`{"session_id":"%s","category_id":"%s","payload":[{"productName":"A"}]}`, sessionID, categoryID)

	t.Run("queues message and records status", func(t *testing.T) {
		publisher := new(MockPublisher)
		publisher.On("PublishAIResponse", mock.Anything, mock.MatchedBy(func(msg messaging.AIResponseMessage) bool {
			return msg.SessionID == sessionID && msg.CategoryID == categoryID && string(msg.Payload) == `[{"productName":"A"}]`
		})).Return(nil)
		tracker := new(MockTracker)
		tracker.On("Queued", mock.Anything, sessionID).Return(nil)
		router := setupRouter(NewRecommendationHandler(new(MockProcessor), publisher, tracker, testLogger()))

		w := perform(router, "/submit", body)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.JSONEq(t, fmt.Sprintf(`{"session_id":"%s","status":"queued"}`, sessionID), w.Body.String())
		publisher.AssertExpectations(t)
		tracker.AssertExpectations(t)
	})

	t.Run("status failure does not fail the request", func(t *testing.T) {
		publisher := new(MockPublisher)
		publisher.On("PublishAIResponse", mock.Anything, mock.Anything).Return(nil)
		tracker := new(MockTracker)
		tracker.On("Queued", mock.Anything, sessionID).Return(errors.New("redis down"))
		router := setupRouter(NewRecommendationHandler(new(MockProcessor), publisher, tracker, testLogger()))

		w := perform(router, "/submit", body)

		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("queue unavailable marks the submission failed", func(t *testing.T) {
		publishErr := errors.New("broker down")
		publisher := new(MockPublisher)
		publisher.On("PublishAIResponse", mock.Anything, mock.Anything).Return(publishErr)
		tracker := new(MockTracker)
		tracker.On("Queued", mock.Anything, sessionID).Return(nil)
		tracker.On("Failed", mock.Anything, sessionID, publishErr).Return(nil)
		router := setupRouter(NewRecommendationHandler(new(MockProcessor), publisher, tracker, testLogger()))

		w := perform(router, "/submit", body)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "QUEUE_UNAVAILABLE", errorCode(t, w))
		tracker.AssertExpectations(t)
	})

	t.Run("fast consumer result is kept", func(t *testing.T) {
		tracker := newMemoryTracker()
		publisher := new(MockPublisher)
		publisher.On("PublishAIResponse", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				// The consumer finishes before the handler returns.
				tracker.set(sessionID, services.SubmissionCompleted)
			}).
			Return(nil)
		router := setupRouter(NewRecommendationHandler(new(MockProcessor), publisher, tracker, testLogger()))

		w := perform(router, "/submit", body)
		require.Equal(t, http.StatusAccepted, w.Code)

		status, err := tracker.Get(context.Background(), sessionID)
		require.NoError(t, err)
		assert.Equal(t, services.SubmissionCompleted, status.Status)
		assert.Equal(t, []string{services.SubmissionQueued, services.SubmissionCompleted}, tracker.history)
	})

	t.Run("async disabled", func(t *testing.T) {
		router := setupRouter(NewRecommendationHandler(new(MockProcessor), nil, nil, testLogger()))

		w := perform(router, "/submit", body)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "ASYNC_DISABLED", errorCode(t, w))
	})
}

func TestRecommendationHandler_SubmissionStatus(t *testing.T) {
	sessionID := uuid.New()

	get := func(router *gin.Engine, id string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/submissions/"+id, nil))
		return w
	}

	t.Run("returns stored status", func(t *testing.T) {
		tracker := new(MockTracker)
		tracker.On("Get", mock.Anything, sessionID).Return(&models.SubmissionStatus{
			SessionID:  sessionID,
			Status:     services.SubmissionCompleted,
			Statistics: &models.MatchingStatistics{TotalAttempts: 3, SuccessfulMatches: 2},
			Persisted:  2,
		}, nil)
		router := setupRouter(NewRecommendationHandler(new(MockProcessor), nil, tracker, testLogger()))

		w := get(router, sessionID.String())

		assert.Equal(t, http.StatusOK, w.Code)
		var status models.SubmissionStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.Equal(t, services.SubmissionCompleted, status.Status)
		assert.Equal(t, 2, status.Statistics.SuccessfulMatches)
	})

	tests := []struct {
		name           string
		id             string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"unknown session", sessionID.String(), services.ErrSubmissionNotFound, http.StatusNotFound, "SUBMISSION_NOT_FOUND"},
		{"store failure", sessionID.String(), errors.New("redis down"), http.StatusInternalServerError, "STATUS_UNAVAILABLE"},
		{"malformed id", "abc", nil, http.StatusBadRequest, "INVALID_SESSION_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := new(MockTracker)
			if tt.err != nil {
				tracker.On("Get", mock.Anything, sessionID).Return(nil, tt.err)
			}
			router := setupRouter(NewRecommendationHandler(new(MockProcessor), nil, tracker, testLogger()))

			w := get(router, tt.id)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedCode, errorCode(t, w))
			tracker.AssertExpectations(t)
		})
	}

	t.Run("tracking disabled", func(t *testing.T) {
		router := setupRouter(NewRecommendationHandler(new(MockProcessor), nil, nil, testLogger()))

		w := get(router, sessionID.String())

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "ASYNC_DISABLED", errorCode(t, w))
	})
}
