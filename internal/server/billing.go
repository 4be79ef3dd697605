package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
)

func (s *Server) GetSubscription(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("workspace_id"))
	if workspaceID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	customerID, err := s.directory.CustomerID(c.Request.Context(), workspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.gateway.GetSubscription(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, sub)
}

type cancelSubscriptionRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

func (s *Server) CancelSubscription(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("workspace_id"))
	if workspaceID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	customerID, err := s.directory.CustomerID(c.Request.Context(), workspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.gateway.GetSubscription(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	canceled, err := s.gateway.CancelSubscription(c.Request.Context(), sub.ID, req.AtPeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// The ledger emits the matching subscription event; the cache catches
	// up through the event processor. Invalidate eagerly anyway.
	if err := s.entitlements.Invalidate(c.Request.Context(), workspaceID); err != nil {
		s.log.Warn("entitlement invalidation after cancel failed",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusOK, canceled)
}

func (s *Server) GetInvoice(c *gin.Context) {
	invoiceID := strings.TrimSpace(c.Param("invoice_id"))
	if invoiceID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	inv, err := s.gateway.GetInvoice(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, inv)
}

func (s *Server) ListOverdueInvoices(c *gin.Context) {
	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	invoices, err := s.gateway.ListOverdueInvoices(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

type checkoutRequest struct {
	WorkspaceID    string `json:"workspace_id"`
	CustomerEmail  string `json:"customer_email"`
	PriceID        string `json:"price_id"`
	OrderReference string `json:"order_reference"`
	SuccessURL     string `json:"success_url"`
	CancelURL      string `json:"cancel_url"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.WorkspaceID) == "" || strings.TrimSpace(req.PriceID) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	customerID, err := s.directory.CustomerID(c.Request.Context(), req.WorkspaceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.gateway.CreateCheckoutSession(c.Request.Context(), ledgerdomain.CheckoutRequest{
		WorkspaceID:    req.WorkspaceID,
		CustomerID:     customerID,
		CustomerEmail:  req.CustomerEmail,
		PriceID:        req.PriceID,
		OrderReference: req.OrderReference,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}
