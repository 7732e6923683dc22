package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/idsync/internal/common/errors"
)

// Recovery turns a handler panic into a 500 error response. The query string
// is never logged since legacy token credentials travel there.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			fields := []zap.Field{
				zap.String("request_id", GetRequestID(c)),
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()),
				zap.ByteString("stack", debug.Stack()),
			}
			if userID := c.GetString("user_id"); userID != "" {
				fields = append(fields, zap.String("user_id", userID))
			}
			logger.Error("Panic recovered", fields...)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			apperrors.AbortWithError(c, apperrors.Internal("Internal server error", fmt.Errorf("panic: %v", r)))
		}()

		c.Next()
	}
}
