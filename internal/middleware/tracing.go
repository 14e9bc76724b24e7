package middleware

import (
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/transfer-saga/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Pattern to normalize paths with transfer IDs
var transferIDPattern = regexp.MustCompile(`/sagas/[^/]+`)

// unmatchedRoute labels requests no route matched, so scanners cannot blow
// up label cardinality
const unmatchedRoute = "unmatched"

// normalizePath converts high-cardinality paths to low-cardinality patterns
func normalizePath(path string) string {
	return transferIDPattern.ReplaceAllString(path, "/sagas/{transfer_id}")
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return normalizePath(path)
	}
	return unmatchedRoute
}

// Tracing middleware continues the caller's trace, if any, and records one
// server span per request.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		if telemetry.Tracer == nil {
			c.Next()
			return
		}

		route := routeOf(c)
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", c.Request.URL.Path),
		}
		if transferID := c.Param("transfer_id"); transferID != "" {
			attrs = append(attrs, attribute.String("transfer_id", transferID))
		}

		ctx, span := telemetry.Tracer.Start(ctx, "HTTP "+c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, "HTTP server error")
		}
	}
}
