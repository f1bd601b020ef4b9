package middleware

import (
	"net/http"

	"meshroom/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns errors attached to the gin context into
// structured HTTP responses. Handlers report failures with c.Error and
// leave the response body to this middleware.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr := errors.GetAppError(err); appErr != nil {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("request failed with unclassified error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		writeInternalError(c)
	}
}

// RecoveryMiddleware recovers from handler panics so a single bad request
// cannot take the signaling server down.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Errorw("panic recovered",
				"error", r,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			writeInternalError(c)
			c.Abort()
		}()

		c.Next()
	}
}

func writeInternalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   string(errors.ErrCodeInternal),
		"message": "Internal server error",
	})
}
