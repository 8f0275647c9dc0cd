package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware traces API requests. Health checks, scrapes and the docs are left
// out.
func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName, otelgin.WithFilter(func(r *http.Request) bool {
		return !untracedPath(r.URL.Path)
	}))
}

func untracedPath(path string) bool {
	return path == "/health" || path == "/metrics" || strings.HasPrefix(path, "/swagger/")
}

// TraceID returns the active span's trace id, empty when there is none.
func TraceID(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
