package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	reconciliationdomain "github.com/sagepilot/billing-engine/internal/reconciliation/domain"
)

// SubmitReconciliation accepts a manual reconciliation command, e.g. a
// bank transfer an operator matched by hand.
func (s *Server) SubmitReconciliation(c *gin.Context) {
	var task reconciliationdomain.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if task.Gateway == "" {
		task.Gateway = reconciliationdomain.GatewayManualTransfer
	}
	if err := task.Validate(); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.reconciliation.Submit(c.Request.Context(), task); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) ListFailedReconciliations(c *gin.Context) {
	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	records, err := s.reconciliation.ListFailed(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if records == nil {
		records = []reconciliationdomain.Record{}
	}

	c.JSON(http.StatusOK, gin.H{"records": records})
}
