// internal/api/middleware/request_logger.middleware.go
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/causeway/pkg/logger"
)

// RequestLogger logs HTTP requests through the structured logger
func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		statusCode := param.StatusCode

		fields := []interface{}{
			"method", param.Method,
			"path", param.Path,
			"status", statusCode,
			"latency", param.Latency,
			"client_ip", param.ClientIP,
			"user_agent", param.Request.UserAgent(),
			"request_id", param.Request.Header.Get("X-Request-ID"),
			"content_length", param.Request.ContentLength,
		}

		if param.ErrorMessage != "" {
			fields = append(fields, "error", param.ErrorMessage)
		}

		switch {
		case statusCode >= 500:
			log.Error("HTTP Request", fields...)
		case statusCode >= 400:
			log.Warn("HTTP Request", fields...)
		default:
			log.Info("HTTP Request", fields...)
		}

		return ""
	})
}
