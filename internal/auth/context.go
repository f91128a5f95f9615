package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches the authenticated Principal to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal middleware bound to the request.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, errors.New("no principal in context")
	}
	return p, nil
}

// MustGetEmail panics if no principal is bound; use only where middleware
// guarantees one (i.e. not on public routes).
func MustGetEmail(ctx context.Context) string {
	p, err := GetPrincipal(ctx)
	if err != nil {
		panic(err)
	}
	return p.Email
}
