// Package errors provides structured HTTP error handling for the idsync service
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrBadRequest   ErrorCode = "BAD_REQUEST"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"

	// Authentication pipeline
	ErrAccountLocked     ErrorCode = "ACCOUNT_LOCKED"
	ErrTwoFactorRequired ErrorCode = "TWO_FACTOR_REQUIRED"
	ErrInvalidTwoFactor  ErrorCode = "INVALID_TWO_FACTOR_CODE"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"

	// Directory sync
	ErrDirectoryNotConfigured ErrorCode = "DIRECTORY_NOT_CONFIGURED"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Unauthorized creates an unauthorized error. The message never says which
// part of a credential was wrong.
func Unauthorized() *AppError {
	return &AppError{
		Code:       ErrUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrForbidden,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// AccountLocked creates the lockout rejection for a throttled caller
func AccountLocked(retryAfter time.Duration) *AppError {
	return (&AppError{
		Code:       ErrAccountLocked,
		Message:    "Too many failed login attempts",
		StatusCode: http.StatusForbidden,
	}).WithMetadata("retry_after_seconds", retryAfterSeconds(retryAfter))
}

// RateLimited creates the rejection of a client over its request budget
func RateLimited(retryAfter time.Duration) *AppError {
	return (&AppError{
		Code:       ErrRateLimited,
		Message:    "Too many requests",
		StatusCode: http.StatusTooManyRequests,
	}).WithMetadata("retry_after_seconds", retryAfterSeconds(retryAfter))
}

// TwoFactorRequired creates the 2FA challenge instruction
func TwoFactorRequired(redirect string) *AppError {
	return (&AppError{
		Code:       ErrTwoFactorRequired,
		Message:    "Two-factor authentication required",
		StatusCode: http.StatusUnauthorized,
	}).WithMetadata("redirect", redirect)
}

// InvalidTwoFactorCode creates the rejection for a wrong TOTP code
func InvalidTwoFactorCode() *AppError {
	return &AppError{
		Code:       ErrInvalidTwoFactor,
		Message:    "Invalid two-factor code",
		StatusCode: http.StatusUnauthorized,
	}
}

// DirectoryNotConfigured creates the error for operations on a missing directory target
func DirectoryNotConfigured(target string) *AppError {
	return (&AppError{
		Code:       ErrDirectoryNotConfigured,
		Message:    "Directory is not configured",
		StatusCode: http.StatusNotFound,
	}).WithMetadata("target", target)
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	if appErr.Code == ErrAccountLocked || appErr.Code == ErrRateLimited {
		if secs, ok := appErr.Metadata["retry_after_seconds"].(int64); ok {
			c.Header("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	if appErr.StatusCode == http.StatusUnauthorized && appErr.Code == ErrUnauthorized {
		c.Header("WWW-Authenticate", `Basic realm="idsync"`)
	}

	c.JSON(appErr.StatusCode, ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	})
}

// AbortWithError sends the error response and stops the handler chain
func AbortWithError(c *gin.Context, err error) {
	HandleError(c, err)
	c.Abort()
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
