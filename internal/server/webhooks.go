package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sagepilot/billing-engine/internal/gateway/adapters"
)

// HandleLedgerWebhook verifies a ledger event delivery and hands it to
// the event pipeline. Only verified events ever reach the queue.
func (s *Server) HandleLedgerWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	event, err := s.gateway.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		s.log.Warn("ledger webhook rejected", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	if s.queues.LedgerEvents == nil {
		if err := s.ledgerEvents.Process(c.Request.Context(), *event); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "processed"})
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.queues.LedgerEvents.Send(c.Request.Context(), body, map[string]string{"type": event.Type}); err != nil {
		s.metrics.RecordQueueMessage(c.Request.Context(), s.queues.LedgerEvents.Name(), "send_failed")
		AbortWithError(c, err)
		return
	}
	s.metrics.RecordQueueMessage(c.Request.Context(), s.queues.LedgerEvents.Name(), "sent")

	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

// HandleGatewayWebhook verifies a payment gateway delivery through its
// adapter and submits the capture for reconciliation.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := adapter.Verify(c.Request.Context(), payload, c.Request.Header); err != nil {
		s.log.Warn("gateway webhook rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	task, err := adapter.Parse(c.Request.Context(), payload)
	if err != nil {
		if errors.Is(err, adapters.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	if err := s.reconciliation.Submit(c.Request.Context(), *task); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
