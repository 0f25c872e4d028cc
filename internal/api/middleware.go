package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fetchd-project/fetchd/internal/logger"
	"github.com/fetchd-project/fetchd/internal/types"
)

// RequestID middleware adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.New().String()
		c.Set("requestId", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ErrorHandler middleware converts errors attached to the context into the
// response envelope
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last()
			log.Errorf("request error: %s", err.Error())

			switch e := err.Err.(type) {
			case *types.ErrorInfo:
				c.JSON(e.Code.HTTPStatusCode(), types.NewErrorResponse(
					e.Code,
					e.Message,
					getRequestID(c),
				))
			default:
				ErrorWithDetails(c, types.ErrInternalError, "internal server error", err.Error())
			}
		}
	}
}

// RecoveryMiddleware handles panics and converts them to error responses
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("panic recovered: %v", r)
				ErrorWithDetails(c, types.ErrInternalError, "internal server error", "a panic occurred")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// CORSMiddleware adds CORS headers for cross-origin requests
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowOrigin := ""

		allowed := false
		for _, allowedOrigin := range allowedOrigins {
			if allowedOrigin == "*" {
				allowed = true
				allowOrigin = "*"
				break
			}
			if allowedOrigin == origin {
				allowed = true
				allowOrigin = origin
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// LoggerMiddleware logs request information
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		latency := time.Since(start)

		log.Infof("request: method=%s path=%s status=%d latency=%v",
			c.Request.Method,
			path,
			c.Writer.Status(),
			latency,
		)

		if meta, exists := c.Get("responseMeta"); exists {
			if respMeta, ok := meta.(*types.ResponseMeta); ok {
				respMeta.Latency = latency.Milliseconds()
			}
		}
	}
}
