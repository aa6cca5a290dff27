package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/temcen/prodmatch/internal/validation"
)

// ValidationMiddleware checks request bodies against the embedded JSON schemas
type ValidationMiddleware struct {
	validator *validation.SchemaValidator
}

func NewValidationMiddleware(validator *validation.SchemaValidator) *ValidationMiddleware {
	return &ValidationMiddleware{
		validator: validator,
	}
}

func (vm *ValidationMiddleware) ValidateMapRequest() gin.HandlerFunc {
	return vm.validateRequestBody(vm.validator.ValidateMapRequest)
}

func (vm *ValidationMiddleware) ValidateProcessRequest() gin.HandlerFunc {
	return vm.validateRequestBody(vm.validator.ValidateProcessRequest)
}

// ValidateJSONContentType rejects bodies that are not declared as JSON.
func (vm *ValidationMiddleware) ValidateJSONContentType() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut {
			c.Next()
			return
		}

		contentType := c.GetHeader("Content-Type")
		if contentType == "" {
			vm.sendValidationError(c, "MISSING_HEADER", "Content-Type header is required", nil)
			return
		}
		if !strings.Contains(contentType, "application/json") {
			vm.sendValidationError(c, "INVALID_HEADER", "Content-Type must be application/json", map[string]interface{}{
				"value": contentType,
			})
			return
		}

		c.Next()
	}
}

func (vm *ValidationMiddleware) validateRequestBody(validate func(data interface{}) *validation.ValidationResult) gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			vm.sendValidationError(c, "BODY_READ_ERROR", "Failed to read request body", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		// Downstream handlers bind the body again.
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		if len(bodyBytes) == 0 {
			vm.sendValidationError(c, "EMPTY_BODY", "Request body is required", nil)
			return
		}

		if !json.Valid(bodyBytes) {
			vm.sendValidationError(c, "INVALID_JSON", "Request body must be valid JSON", nil)
			return
		}

		result := validate(bodyBytes)
		if !result.Valid {
			apiError := result.ToAPIError()
			if errorObj, ok := apiError["error"].(map[string]interface{}); ok {
				vm.decorate(c, errorObj)
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, apiError)
			return
		}

		c.Next()
	}
}

func (vm *ValidationMiddleware) sendValidationError(c *gin.Context, code, message string, details map[string]interface{}) {
	errorObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if details != nil {
		errorObj["details"] = details
	}
	vm.decorate(c, errorObj)

	c.AbortWithStatusJSON(http.StatusBadRequest, map[string]interface{}{"error": errorObj})
}

func (vm *ValidationMiddleware) decorate(c *gin.Context, errorObj map[string]interface{}) {
	errorObj["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	errorObj["path"] = c.Request.URL.Path
	errorObj["method"] = c.Request.Method
	if requestID := c.GetString(ContextRequestID); requestID != "" {
		errorObj["requestId"] = requestID
	}
}
