package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/complaint-desk-api/internal/middleware"
	"github.com/noah-isme/complaint-desk-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext builds the service actor for the authenticated caller. An
// unauthenticated request yields an empty actor, which services reject.
func actorFromContext(c *gin.Context) models.Actor {
	actor := claimsFromContext(c).Actor()
	actor.IP = c.ClientIP()
	actor.UserAgent = c.Request.UserAgent()
	return actor
}
