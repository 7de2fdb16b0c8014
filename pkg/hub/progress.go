package hub

import (
	"context"

	"go.uber.org/zap"
)

// Progress subscribes the caller to streaming updates for one Emit. Pass it
// as args[0]: OnProgress stays on this side of the boundary and Value is
// what the peer receives in its place. Broadcast emits cannot subscribe.
type Progress struct {
	OnProgress func(data any)
	Value      any
}

type progressKey struct{}

func withProgress(ctx context.Context, emit func(data any)) context.Context {
	return context.WithValue(ctx, progressKey{}, emit)
}

// ProgressFunc returns the emitter a handler uses to stream progress back
// to the caller, or nil when the request did not subscribe. Updates sent
// through it never settle the caller's emit; only the handler's return
// does.
func ProgressFunc(ctx context.Context) func(data any) {
	fn, _ := ctx.Value(progressKey{}).(func(data any))
	return fn
}

// invokeProgress shields the protocol from a throwing progress callback:
// the panic is logged locally and never reaches the remote peer.
func (h *Hub) invokeProgress(fn func(data any), data any) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("progress callback panicked", zap.Any("panic", r))
		}
	}()
	fn(data)
}
