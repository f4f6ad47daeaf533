package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrTenantRequired     = errors.New("tenant_required")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationDetail(err, code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrTenantRequired):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "tenant is required"}
	case errors.Is(err, balancedomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{Type: "insufficient_balance", Message: "insufficient balance"}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "resource not found"}
	case errors.Is(err, generationdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "rate limit exceeded"}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{Type: "payload_too_large", Message: "image exceeds upload limit"}
	case errors.Is(err, generationdomain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "provider_unavailable", Message: "generation provider unavailable"}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	case errors.Is(err, generationdomain.ErrConfiguration):
		return http.StatusInternalServerError, errorPayload{Type: "configuration_error", Message: "service misconfigured"}
	case errors.Is(err, balancedomain.ErrConcurrentUpdate):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: "balance busy, retry"}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog returns the (type, code) pair logged with failed requests.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if payload.Type == "validation_error" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError {
		return "server", code
	}
	return "client", code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, generationdomain.ErrInvalidInput),
		errors.Is(err, generationdomain.ErrInvalidModel),
		errors.Is(err, generationdomain.ErrInvalidTenant),
		errors.Is(err, generationdomain.ErrInvalidJobID),
		errors.Is(err, generationdomain.ErrInvalidPageToken),
		errors.Is(err, generationdomain.ErrInvalidState),
		errors.Is(err, balancedomain.ErrInvalidScope),
		errors.Is(err, balancedomain.ErrInvalidAmount),
		errors.Is(err, balancedomain.ErrUnknownAction):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, generationdomain.ErrJobNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

var validationCodes = []error{
	generationdomain.ErrInvalidInput,
	generationdomain.ErrInvalidModel,
	generationdomain.ErrInvalidTenant,
	generationdomain.ErrInvalidJobID,
	generationdomain.ErrInvalidPageToken,
	generationdomain.ErrInvalidState,
	balancedomain.ErrInvalidScope,
	balancedomain.ErrInvalidAmount,
	balancedomain.ErrUnknownAction,
}

func validationErrorCode(err error) string {
	for _, target := range validationCodes {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_model":
		return "model"
	case "invalid_tenant":
		return "tenant_id"
	case "invalid_job_id":
		return "job_id"
	case "invalid_page_token":
		return "page_token"
	case "invalid_state":
		return "state"
	case "invalid_scope":
		return "scope"
	case "invalid_amount":
		return "amount"
	case "unknown_action":
		return "action"
	default:
		return "request"
	}
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_model":
		return "model must be fast or quality"
	case "invalid_tenant":
		return "tenant is required"
	case "invalid_job_id":
		return "job_id is required"
	case "invalid_page_token":
		return "page_token is invalid"
	case "invalid_state":
		return "state is invalid"
	case "invalid_scope":
		return "scope is invalid for this action"
	case "invalid_amount":
		return "amount must be positive"
	case "unknown_action":
		return "action is not priced"
	case "invalid_input":
		return "generation input is invalid"
	default:
		return "invalid request"
	}
}

// validationDetail keeps the wrapped reason of input errors, e.g. "photo_id requires order_id".
func validationDetail(err error, code string) string {
	if code == "invalid_input" {
		if detail := strings.TrimPrefix(err.Error(), code+": "); detail != err.Error() && detail != "" {
			return detail
		}
	}
	return validationErrorMessage(code)
}
