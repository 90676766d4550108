package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"drivingschool-backend/internal/config"
)

// CheckoutRateLimitMiddleware limits checkout creation per IP.
// Default: 10 requests per 60 seconds
func CheckoutRateLimitMiddleware(manager *RateLimitManager, cfg *config.Config) gin.HandlerFunc {
	requestsPerWindow := cfg.CheckoutRateLimitRequests
	if requestsPerWindow <= 0 {
		requestsPerWindow = 10
	}
	windowSeconds := cfg.CheckoutRateLimitWindow
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	return criticalOperationLimit(manager, checkoutGroup, "checkout rate limit exceeded", "Too many checkout attempts. Please try again later.", requestsPerWindow, windowSeconds)
}

// CallbackRateLimitMiddleware limits provider callbacks per IP.
// Default: 120 requests per 60 seconds
func CallbackRateLimitMiddleware(manager *RateLimitManager, cfg *config.Config) gin.HandlerFunc {
	requestsPerWindow := cfg.CallbackRateLimitRequests
	if requestsPerWindow <= 0 {
		requestsPerWindow = 120
	}
	windowSeconds := cfg.CallbackRateLimitWindow
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	return criticalOperationLimit(manager, callbackGroup, "callback rate limit exceeded", "Too many callback requests.", requestsPerWindow, windowSeconds)
}

func criticalOperationLimit(manager *RateLimitManager, group, errMessage, message string, requestsPerWindow, windowSeconds int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if manager == nil {
			c.Next()
			return
		}

		limiter := manager.Limiter(group, c.ClientIP(), requestsPerWindow, windowSeconds, requestsPerWindow)
		if limiter != nil && !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":          errMessage,
				"message":        message,
				"retry_after":    windowSeconds,
				"max_requests":   requestsPerWindow,
				"window_seconds": windowSeconds,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
