// Package middleware provides the HTTP middleware shared by the idsync endpoints
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXRequestID carries the correlation id of a request
const HeaderXRequestID = "X-Request-ID"

type contextKey string

// RequestIDKey is the gin and context.Context key of the request id
const RequestIDKey contextKey = "request_id"

// maxRequestIDLen bounds client supplied ids before they reach the logs
const maxRequestIDLen = 128

// GetRequestID returns the request id stored by RequestID
func GetRequestID(c *gin.Context) string {
	return c.GetString(string(RequestIDKey))
}

// RequestIDFromContext returns the request id carried by ctx
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// RequestID assigns every request a correlation id. A well-formed
// X-Request-ID from the client is kept, anything else is replaced by a UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if !validRequestID(requestID) {
			requestID = uuid.New().String()
		}

		c.Set(string(RequestIDKey), requestID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), RequestIDKey, requestID))
		c.Request.Header.Set(HeaderXRequestID, requestID)
		c.Header(HeaderXRequestID, requestID)

		c.Next()
	}
}

// validRequestID admits printable ASCII without spaces
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}
