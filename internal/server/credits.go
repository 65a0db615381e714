package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetBalance(c *gin.Context) {
	userID, ok := userFromHeader(c)
	if !ok {
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription_credits": balance.SubscriptionCredits,
		"addon_credits":        balance.AddonCredits,
		"total":                balance.Total(),
	})
}
