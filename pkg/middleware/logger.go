// Package middleware provides the gin middleware shared by the preview
// servers.
package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger returns a gin middleware for logging
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

// Traffic reports every completed request to fn with its final status
// and requested URL. Observers use this to surface server activity.
func Traffic(fn func(status int, url string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		uri := c.Request.URL.RequestURI()

		c.Next()

		fn(c.Writer.Status(), uri)
	}
}
