// Package requestctx carries the verified caller of a request through context.
package requestctx

import (
	"context"
	"strings"
)

// Access is the identity verified at the transport boundary.
type Access struct {
	UserID string
	Role   string
	Name   string
}

// Verified reports whether the access carries a user id.
func (a Access) Verified() bool {
	return strings.TrimSpace(a.UserID) != ""
}

type accessContextKey struct{}

// WithAccess stores a verified identity in context.
func WithAccess(ctx context.Context, access Access) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, accessContextKey{}, access)
}

// AccessFromContext returns the identity stored in context. The second result
// is false for anonymous requests.
func AccessFromContext(ctx context.Context) (Access, bool) {
	if ctx == nil {
		return Access{}, false
	}
	access, ok := ctx.Value(accessContextKey{}).(Access)
	if !ok || !access.Verified() {
		return Access{}, false
	}
	return access, true
}

// UserIDFromContext returns the verified user id, or empty for anonymous
// requests.
func UserIDFromContext(ctx context.Context) string {
	access, _ := AccessFromContext(ctx)
	return access.UserID
}
