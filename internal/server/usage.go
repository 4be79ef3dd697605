package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	usagedomain "github.com/sagepilot/billing-engine/internal/usage/domain"
)

// RecordUsage runs the ingestion pipeline synchronously and reports the
// terminal outcome.
func (s *Server) RecordUsage(c *gin.Context) {
	var event usagedomain.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	outcome, err := s.usage.Record(c.Request.Context(), event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// PublishUsage enqueues the event for asynchronous processing.
func (s *Server) PublishUsage(c *gin.Context) {
	var event usagedomain.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.usage.Publish(c.Request.Context(), event); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) GetUsageReport(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("workspace_id"))
	if workspaceID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	summaries, err := s.usage.Report(c.Request.Context(), workspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"meters": summaries})
}
