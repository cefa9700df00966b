// Package middleware carries the HTTP cross-cutting concerns of the control
// plane: admin authentication, the actor context and CORS.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// contextKey is a strict type for context keys to prevent collisions.
type contextKey string

// actorKey is the context key for the authenticated administrator id.
const actorKey contextKey = "actor"

// WithActor returns a context carrying the authenticated actor id.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext retrieves the authenticated actor id.
func ActorFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(actorKey)
	if val == nil {
		return "", errors.New("middleware: actor not found in context")
	}
	actor, ok := val.(string)
	if !ok || actor == "" {
		return "", errors.New("middleware: actor in context is not a string")
	}
	return actor, nil
}

// ClientIP extracts the caller address for audit entries. The first
// X-Forwarded-For hop wins when a proxy fronts the control plane.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
