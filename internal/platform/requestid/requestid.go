// Package requestid issues and carries per-request correlation ids.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

type ctxKey struct{}

func New() string {
	return uuid.NewString()
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}
