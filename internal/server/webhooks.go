package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rowglow/rowledger/internal/webhook"
)

func (s *Server) PaymentWebhook(c *gin.Context) {
	var event webhook.PaymentEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ack, err := s.webhookSvc.HandlePaymentEvent(c.Request.Context(), event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(ack)})
}
