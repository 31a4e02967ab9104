// Package appctx holds the request-scoped context keys. It has no imports from this
// module so config, utils and middlewares can all depend on it.
package appctx

import "context"

type ContextKey string

func (c ContextKey) String() string { return "docflow." + string(c) }

const (
	ContextKeyToken         ContextKey = "token"
	ContextKeyUsername      ContextKey = "username"
	ContextKeyActor         ContextKey = "actor"
	ContextKeyCorrelationId ContextKey = "correlation_id"
	ContextKeyJobId         ContextKey = "job_id"
	// ContextKeyIsAdmin is true for ops users allowed to retry jobs and repost ledgers.
	ContextKeyIsAdmin ContextKey = "is_admin"
)

// Get returns the value under key when it has type T.
func Get[T any](ctx context.Context, key ContextKey) (T, bool) {
	v, ok := ctx.Value(key).(T)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
