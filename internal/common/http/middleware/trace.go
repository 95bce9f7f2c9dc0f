package middleware

import (
	"context"
	"strings"

	"codejudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
)

// TraceContextMiddleware ensures trace and request ids are in the request
// context and echoed in response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := headerOrNew(c, traceIDHeader)
		requestID := headerOrNew(c, requestIDHeader)

		c.Set(traceIDContextKey, traceID)
		c.Set(requestIDContextKey, requestID)

		ctx := context.WithValue(c.Request.Context(), contextkey.TraceID, traceID)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Writer.Header().Set(traceIDHeader, traceID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		c.Next()
	}
}

func headerOrNew(c *gin.Context, name string) string {
	value := strings.TrimSpace(c.GetHeader(name))
	if value == "" {
		value = uuid.NewString()
	}
	return value
}
