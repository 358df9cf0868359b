// Package reqctx carries per-request metadata (client address, user agent,
// trace id) from the HTTP edge down to the lifecycle and webhook audit records.
package reqctx

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader is echoed back and reused as the trace id when no span is active.
const RequestIDHeader = "X-Request-ID"

// RequestMetadata describes the caller of one inbound request.
type RequestMetadata struct {
	IPAddress string
	UserAgent string
	TraceID   string
}

type metadataKey struct{}

// NewTraceID returns the active span's trace id, or a fresh uuid when ctx has no sampled span.
func NewTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// FromRequest extracts metadata from a raw request. The first X-Forwarded-For
// hop wins over RemoteAddr.
func FromRequest(r *http.Request) RequestMetadata {
	md := RequestMetadata{UserAgent: r.UserAgent()}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		md.IPAddress = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		md.IPAddress = host
	} else {
		md.IPAddress = r.RemoteAddr
	}
	md.TraceID = r.Header.Get(RequestIDHeader)
	if md.TraceID == "" {
		md.TraceID = NewTraceID(r.Context())
	}
	return md
}

// FromGin extracts metadata using gin's trusted-proxy aware ClientIP.
func FromGin(c *gin.Context) RequestMetadata {
	md := FromRequest(c.Request)
	if ip := c.ClientIP(); ip != "" {
		md.IPAddress = ip
	}
	return md
}

// WithMetadata stores md on ctx.
func WithMetadata(ctx context.Context, md RequestMetadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// FromContext returns the metadata stored by WithMetadata.
func FromContext(ctx context.Context) (RequestMetadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(RequestMetadata)
	return md, ok
}

// Middleware attaches RequestMetadata to every request context and echoes the
// trace id in the response headers.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		md := FromGin(c)
		c.Request = c.Request.WithContext(WithMetadata(c.Request.Context(), md))
		c.Header(RequestIDHeader, md.TraceID)
		c.Next()
	}
}
