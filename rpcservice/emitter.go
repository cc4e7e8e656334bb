package rpcservice

import (
	"context"

	"github.com/relaykit/streamrpc/protocol"
)

// Emitter lets a handler send notifications back to the client while a
// request is in flight, and keeps working after the request's own
// stream is gone; deliveries then fall back to the session's durable
// standalone channel.
type Emitter interface {
	// Notify sends an arbitrary notification tied to the originating
	// request.
	Notify(ctx context.Context, method string, params any) error
	// Progress reports incremental progress for the originating request.
	Progress(ctx context.Context, token string, progress, total float64) error
}

type emitterKey struct{}

// WithEmitter attaches an emitter to ctx. The dispatch layer installs
// one for every request; tests install fakes.
func WithEmitter(ctx context.Context, e Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, e)
}

// EmitterFrom returns the emitter attached to ctx, or nil outside a
// request scope.
func EmitterFrom(ctx context.Context) Emitter {
	e, _ := ctx.Value(emitterKey{}).(Emitter)
	return e
}

type boundEmitter struct {
	inst      *Instance
	requestID string
}

func (b *boundEmitter) Notify(ctx context.Context, method string, params any) error {
	return b.inst.Notify(ctx, method, params, b.requestID)
}

func (b *boundEmitter) Progress(ctx context.Context, token string, progress, total float64) error {
	return b.inst.Notify(ctx, string(protocol.ProgressNotificationMethod), &protocol.ProgressNotificationParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
	}, b.requestID)
}
