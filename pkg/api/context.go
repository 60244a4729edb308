package api

import (
	"context"

	"github.com/nexmdm/nexmdm/pkg/types"
)

type ctxKey int

const (
	ctxKeyDevice ctxKey = iota
	ctxKeyRequestID
)

func withDevice(ctx context.Context, d *types.Device) context.Context {
	return context.WithValue(ctx, ctxKeyDevice, d)
}

func deviceFromContext(ctx context.Context) *types.Device {
	d, _ := ctx.Value(ctxKeyDevice).(*types.Device)
	return d
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
