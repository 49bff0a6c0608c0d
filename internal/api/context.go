package api

import (
	"context"

	"github.com/org/secretflow/pkg/models"
)

type contextKey string

const (
	ctxKeyActor     contextKey = "actor"
	ctxKeyRequestID contextKey = "request_id"
)

func withActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, a)
}

func actorFromCtx(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(ctxKeyActor).(models.Actor)
	return a, ok
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
