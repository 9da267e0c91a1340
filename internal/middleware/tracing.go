package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kenneth/zk-share/internal/middleware"

// TracingMiddleware wraps handlers with OpenTelemetry server spans. A nil
// provider means the global one.
func TracingMiddleware(tp trace.TracerProvider, redactSensitive bool) func(http.Handler) http.Handler {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := RouteLabel(r.URL.Path)
			ctx, span := tracer.Start(ctx, getSpanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPRoute(route),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", ClientIP(r)),
				),
			)

			if id := blobIDFromPath(r.URL.Path); id != "" {
				span.SetAttributes(attribute.String("blob.id", id))
			}

			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			r = r.WithContext(ctx)

			defer func() {
				status := rw.statusCode
				if status == 0 {
					status = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(status))
				if status >= 500 {
					span.SetStatus(codes.Error, http.StatusText(status))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// blobIDFromPath returns the id segment of a blob route, or "".
func blobIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/v1/blobs/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

// getSpanName names a span after the blob operation the route maps to.
func getSpanName(method, route string) string {
	switch route {
	case "/api/v1/blobs":
		if method == http.MethodPut || method == http.MethodPost {
			return "blob.put"
		}
	case "/api/v1/blobs/{id}":
		if method == http.MethodGet || method == http.MethodHead {
			return "blob.get"
		}
	case "/api/v1/blobs/{id}/metadata":
		if method == http.MethodGet {
			return "blob.metadata"
		}
	}
	return "HTTP " + method
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"x-request-id",
		"x-encryption-metadata",
	}

	sensitiveHeaders = []string{
		"authorization",
		"cookie",
		"x-api-key",
		"referer",
	}
)

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones.
// The encryption metadata header is public by construction.
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		} else {
			value = stripFragment(value)
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
