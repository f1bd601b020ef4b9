package middleware

import (
	"time"

	"meshroom/pkg/logger"
	"meshroom/pkg/utils"

	"github.com/gin-gonic/gin"
)

// RequestLogMiddleware tags every request with an id and logs it with its
// latency and whatever identity fields upstream middleware put on the context.
func RequestLogMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set("request_id", utils.GenerateTraceID())
		c.Next()
		cl.LogRequest(c, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
