// ABOUTME: Carries the authenticated API caller through request handlers
// ABOUTME: WithCaller/CallerFromContext wrap context.WithValue

package auth

import "context"

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller name.
func WithCaller(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, callerKey{}, subject)
}

// CallerFromContext returns the caller name, or "" for anonymous requests.
func CallerFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(callerKey{}).(string)
	return subject
}
