// Package middleware holds the gin middleware every HTTP surface shares.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"vitalsync/internal/logger"
	"vitalsync/pkg/errors"
	"vitalsync/pkg/logging"
	"vitalsync/pkg/tracing"
)

const RequestIDHeader = "X-Request-ID"

// quietPaths are logged only when they fail.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		statusCode := c.Writer.Status()
		if _, quiet := quietPaths[path]; quiet && statusCode < 500 {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		logFields := []interface{}{
			"status", statusCode,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"request_id", c.GetString("request_id"),
		}
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logFields = append(logFields, "error", errorMessage)
		}

		ctx := c.Request.Context()
		switch {
		case statusCode >= 500:
			log.ErrorwCtx(ctx, "HTTP Request", logFields...)
		case statusCode >= 400:
			log.WarnwCtx(ctx, "HTTP Request", logFields...)
		default:
			log.InfowCtx(ctx, "HTTP Request", logFields...)
		}
	}
}

func RecoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err := errors.RecoverPanic(recovered)
		log.ErrorwCtx(c.Request.Context(), "Panic recovered",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(errors.ErrInternal.Status, errors.ToErrorResponse(errors.ErrInternal.WithCause(err)))
	})
}

// RequestIDMiddleware echoes or assigns X-Request-ID and puts the request's
// trace id and subject into the context so handler logs carry them. When a
// span is active its trace id wins over the request id.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		ctx := c.Request.Context()
		traceID := tracing.TraceID(trace.SpanFromContext(ctx))
		if traceID == "" {
			traceID = requestID
		}
		ctx = logging.WithTraceID(ctx, traceID)
		if subjectID := c.Param("subject"); subjectID != "" {
			ctx = logging.WithSubjectID(ctx, subjectID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
