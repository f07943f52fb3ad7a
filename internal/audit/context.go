package audit

import (
	"context"
	"strings"
)

// RequestMeta carries per-request details recorded on audit entries.
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type metaKey struct{}

// WithRequestMeta attaches request details to the context for audit logging.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	meta.RequestID = strings.TrimSpace(meta.RequestID)
	meta.IPAddress = strings.TrimSpace(meta.IPAddress)
	meta.UserAgent = strings.TrimSpace(meta.UserAgent)
	if meta == (RequestMeta{}) {
		return ctx
	}
	return context.WithValue(ctx, metaKey{}, meta)
}

// RequestMetaFromContext extracts request details if present.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	if v, ok := ctx.Value(metaKey{}).(RequestMeta); ok {
		return v
	}
	return RequestMeta{}
}
