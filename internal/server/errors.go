package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sagepilot/billing-engine/internal/gateway/adapters"
	"github.com/sagepilot/billing-engine/internal/idempotency"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/ledgerevents"
	reconciliationdomain "github.com/sagepilot/billing-engine/internal/reconciliation/domain"
	usagedomain "github.com/sagepilot/billing-engine/internal/usage/domain"
	"github.com/sagepilot/billing-engine/internal/workspace"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

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

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, adapters.ErrInvalidSignature),
		errors.Is(err, ledgerevents.ErrUnverifiedEvent),
		ledgerdomain.Classify(err) == ledgerdomain.ClassAuthentication:
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "signature verification failed",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, reconciliationdomain.ErrAmountMismatch):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isUnavailableError(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, usagedomain.ErrUnknownEventType),
		errors.Is(err, usagedomain.ErrInvalidValue),
		errors.Is(err, usagedomain.ErrMissingWorkspace),
		errors.Is(err, usagedomain.ErrMissingIdempotencyKey),
		errors.Is(err, reconciliationdomain.ErrInvalidTask),
		errors.Is(err, adapters.ErrInvalidPayload):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, adapters.ErrProviderNotFound),
		errors.Is(err, reconciliationdomain.ErrInvoiceNotFound),
		ledgerdomain.Classify(err) == ledgerdomain.ClassNotFound:
		return true
	default:
		return false
	}
}

func isUnavailableError(err error) bool {
	switch {
	case errors.Is(err, idempotency.ErrUnavailable),
		errors.Is(err, reconciliationdomain.ErrStoreUnavailable),
		ledgerdomain.IsTransient(err):
		return true
	default:
		return false
	}
}
