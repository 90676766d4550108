package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"drivingschool-backend/internal/config"
)

const (
	generalGroup  = "general"
	checkoutGroup = "checkout"
	callbackGroup = "callback"
)

// RateLimitMiddleware limits request rate per client IP using the configured
// general limits. Health and metrics probes are never limited.
func RateLimitMiddleware(manager *RateLimitManager, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if manager == nil || shouldBypassRateLimit(c.Request) {
			c.Next()
			return
		}

		limiter := manager.Limiter(generalGroup, c.ClientIP(), cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitBurst)
		if limiter != nil && !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, please try again later",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func shouldBypassRateLimit(r *http.Request) bool {
	if r == nil || r.URL == nil {
		return false
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	switch r.URL.Path {
	case "/health", "/metrics":
		return true
	}

	return false
}
