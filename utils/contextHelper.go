package utils

import (
	"context"

	"github.com/mmdatafocus/docflow_backend/appctx"
)

// SystemActor is recorded on evidence produced by background workers.
const SystemActor = "system"

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.Get[string](ctx, appctx.ContextKeyToken)
}

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return appctx.Get[string](ctx, appctx.ContextKeyUsername)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Get[string](ctx, appctx.ContextKeyCorrelationId)
}

func GetJobIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Get[string](ctx, appctx.ContextKeyJobId)
}

// GetActorFromContext returns the acting user or agent, falling back to the username
// and then to SystemActor.
func GetActorFromContext(ctx context.Context) string {
	for _, key := range []appctx.ContextKey{appctx.ContextKeyActor, appctx.ContextKeyUsername} {
		if v, ok := appctx.Get[string](ctx, key); ok && v != "" {
			return v
		}
	}
	return SystemActor
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.Get[bool](ctx, appctx.ContextKeyIsAdmin)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyToken, token)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyUsername, username)
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyActor, actor)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}

func SetJobIdInContext(ctx context.Context, jobId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyJobId, jobId)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyIsAdmin, isAdmin)
}
