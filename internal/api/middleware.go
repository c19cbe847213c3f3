package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/classla/ide-orchestrator/internal/metrics"
	"github.com/classla/ide-orchestrator/pkg/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// APIKeyAuth returns a middleware that validates API key authentication.
// It checks for the API key in the X-API-Key header first, then falls back
// to the api_key query parameter.
//
// If apiKey is empty, the middleware allows all requests through (for development).
// Uses constant-time comparison to prevent timing attacks.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// If no API key is configured, allow all requests
		if apiKey == "" {
			c.Next()
			return
		}

		// Check header first
		key := c.GetHeader("X-API-Key")
		if key == "" {
			// Fall back to query parameter
			key = c.Query("api_key")
		}

		// Use constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "unauthorized",
				Code:  "UNAUTHORIZED",
			})
			return
		}

		c.Next()
	}
}

// RequestID assigns each request an ID, carried in the context for log
// correlation and echoed in the X-Request-ID response header. An inbound
// X-Request-ID is honored so upstream proxies can thread their own IDs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}

		ctx := logging.ContextWithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)

		c.Next()
	}
}

// Observe times each request and records it in the request log and the
// HTTP duration histogram, labeled by the route pattern rather than the
// raw path to keep cardinality bounded.
func Observe(m *metrics.Collector, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		elapsed := time.Since(start)
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()

		m.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(status),
		).Observe(elapsed.Seconds())

		logger.WithContext(c.Request.Context()).Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"durationMs", elapsed.Milliseconds(),
		)
	}
}
