package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetEntitlements(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("workspace_id"))
	if workspaceID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	snapshot, err := s.entitlements.Resolve(c.Request.Context(), workspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) CheckFeature(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("workspace_id"))
	feature := strings.TrimSpace(c.Param("feature"))
	if workspaceID == "" || feature == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	enabled, err := s.entitlements.CheckFeature(c.Request.Context(), workspaceID, feature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"feature": feature, "enabled": enabled})
}

func (s *Server) CheckUsageLimit(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("workspace_id"))
	meter := strings.TrimSpace(c.Param("meter"))
	if workspaceID == "" || meter == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	check, err := s.entitlements.CheckUsageLimit(c.Request.Context(), workspaceID, meter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, check)
}
