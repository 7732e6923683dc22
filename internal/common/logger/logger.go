// Package logger provides structured logging utilities for the idsync service
package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// level is shared by every logger built with New so SetLevel can adjust it
// once the configuration is loaded
var level = zap.NewAtomicLevel()

// New creates the process logger. APP_ENV selects JSON output for
// production, LOG_LEVEL the initial level.
func New() *zap.Logger {
	env := os.Getenv("APP_ENV")

	var config zap.Config
	if isProduction(env) {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if err := SetLevel(os.Getenv("LOG_LEVEL")); err != nil {
		level.SetLevel(defaultLevel(env))
	}
	config.Level = level

	logger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger
}

// SetLevel changes the level of all loggers made by New
func SetLevel(s string) error {
	if s == "" {
		return fmt.Errorf("empty log level")
	}
	l, err := zapcore.ParseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

func isProduction(env string) bool {
	return env == "production" || env == "prod"
}

func defaultLevel(env string) zapcore.Level {
	if isProduction(env) {
		return zap.InfoLevel
	}
	return zap.DebugLevel
}

// GinMiddleware returns a Gin middleware that logs HTTP requests.
// Credentials never appear in the log: only the path is recorded, not the query string,
// because calendar subscriptions carry their token as a query parameter.
func GinMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("ip", c.ClientIP()),
			zap.String("user-agent", c.Request.UserAgent()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("body_size", c.Writer.Size()),
		}

		if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}

		// Set by the auth pipeline before it clears the request context
		if username := c.GetString("log_username"); username != "" {
			fields = append(fields, zap.String("username", username))
		}

		log := WithTraceContext(logger, c.Request.Context())
		switch {
		case status >= 500:
			log.Error("Server error", fields...)
		case status >= 400:
			log.Warn("Client error", fields...)
		case status >= 300:
			log.Info("Redirect", fields...)
		default:
			log.Info("Request completed", fields...)
		}
	}
}

// WithTraceContext returns a logger with OpenTelemetry trace context fields
// for log-trace correlation
func WithTraceContext(logger *zap.Logger, ctx context.Context) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)
}
