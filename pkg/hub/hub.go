// Package hub layers request/response/progress correlation on top of a
// fire-and-forget transport adapter.
//
// Each hub owns a random instance id and a monotonic message sequence.
// Outstanding emits live in a pending table keyed by message id; a terminal
// response settles exactly one entry, progress updates keep it alive. A call
// with no matching response stays pending until its context is cancelled;
// the protocol itself has no timeout or cancel message.
//
// Inbound requests resolve either through per-target handler registrations
// (the point-to-point variant) or through an attached composer with the
// method name as the channel (the routing variant).
package hub

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/panta82/duplex-message/pkg/composer"
	"github.com/panta82/duplex-message/pkg/identity"
	"github.com/panta82/duplex-message/pkg/message"
	"github.com/panta82/duplex-message/pkg/transport"
)

type result struct {
	ok   bool
	data any
}

type pendingCall struct {
	target   string
	done     chan result
	progress func(data any)
}

// Hub is one endpoint of the correlation protocol.
type Hub struct {
	id   string
	seq  identity.Sequencer
	tr   transport.Adapter
	comp *composer.Composer
	log  *zap.Logger

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	regs    map[string]*registration
}

// Option configures a Hub.
type Option func(*Hub)

// WithComposer switches inbound dispatch to the routing variant: requests
// run through c with the method name as the channel, and the chain's
// response becomes the reply.
func WithComposer(c *composer.Composer) Option {
	return func(h *Hub) { h.comp = c }
}

// WithLogger overrides the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithInstanceID overrides the generated instance id. Meant for tests and
// for transports that negotiate identities out of band.
func WithInstanceID(id string) Option {
	return func(h *Hub) { h.id = id }
}

// New creates a hub bound to tr and starts inbound delivery.
func New(tr transport.Adapter, opts ...Option) *Hub {
	h := &Hub{
		id:      identity.NewInstanceID(),
		tr:      tr,
		log:     zap.L(),
		pending: make(map[uint64]*pendingCall),
		regs:    make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(h)
	}
	tr.Bind(h.onMessage)
	return h
}

// InstanceID returns this hub's correlation identity. Transports may use it
// for handshake and readiness probing; the hub itself only stamps it on
// outgoing envelopes.
func (h *Hub) InstanceID() string { return h.id }

// Emit sends a request to target and blocks until the matching terminal
// response arrives or ctx is done. A failure response surfaces as a
// *RemoteError. Cancelling ctx abandons the wait and forgets the call
// locally; the peer is not informed.
//
// When args[0] is a Progress (or *Progress) and target is not the broadcast
// wildcard, its callback stays local: the peer receives Value in its place
// and every progress update for this call invokes the callback.
func (h *Hub) Emit(ctx context.Context, target, method string, args ...any) (any, error) {
	id := h.seq.Next()

	var progressFn func(data any)
	if len(args) > 0 && target != message.Broadcast {
		switch p := args[0].(type) {
		case Progress:
			progressFn = p.OnProgress
			args[0] = p.Value
		case *Progress:
			if p != nil {
				progressFn = p.OnProgress
				args[0] = p.Value
			}
		}
	}

	to := target
	if to == message.Broadcast {
		to = ""
	}
	env := message.NewRequest(h.id, to, id, method, args)
	env.Progress = progressFn != nil

	pc := &pendingCall{target: target, done: make(chan result, 1), progress: progressFn}
	h.mu.Lock()
	h.pending[id] = pc
	h.mu.Unlock()

	if err := h.tr.SendMessage(ctx, target, env); err != nil {
		h.forget(id)
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		h.forget(id)
		return nil, ctx.Err()
	case r := <-pc.done:
		if !r.ok {
			return nil, &RemoteError{Data: r.data}
		}
		return r.data, nil
	}
}

func (h *Hub) forget(id uint64) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// onMessage is the single inbound delivery callback.
func (h *Hub) onMessage(env *message.Envelope) {
	switch env.Type {
	case message.TypeRequest:
		if !env.ValidRequest(h.id) {
			h.log.Debug("ignoring request not meant for this instance",
				zap.String("from", env.From), zap.String("to", env.To))
			return
		}
		// Requests dispatch independently; responses go out whenever each
		// handler settles, with no ordering between concurrent requests.
		go h.dispatch(env)
	case message.TypeResponse, message.TypeProgress:
		h.settle(env)
	default:
		h.log.Warn("envelope with unrecognized type ignored", zap.String("type", string(env.Type)))
	}
}

// settle routes a response or progress envelope to its pending call.
func (h *Hub) settle(env *message.Envelope) {
	h.mu.Lock()
	pc := h.pending[env.MessageID]
	if pc == nil || !env.ValidReply(h.id, pc.target, env.MessageID) {
		h.mu.Unlock()
		h.log.Warn("unowned message",
			zap.String("type", string(env.Type)),
			zap.String("from", env.From),
			zap.Uint64("messageID", env.MessageID))
		return
	}
	if env.Type == message.TypeProgress {
		fn := pc.progress
		h.mu.Unlock()
		if fn != nil {
			h.invokeProgress(fn, env.Data)
		}
		return
	}
	delete(h.pending, env.MessageID)
	h.mu.Unlock()
	pc.done <- result{ok: env.IsSuccess, data: env.Data}
}

// dispatch runs one inbound request to completion and sends the terminal
// response.
func (h *Hub) dispatch(env *message.Envelope) {
	ctx := context.Background()
	if env.Progress {
		ctx = withProgress(ctx, func(data any) {
			p := message.NewProgress(env, h.id, data)
			if err := h.tr.SendMessage(context.Background(), env.From, p); err != nil {
				h.log.Warn("send progress failed", zap.String("to", env.From), zap.Error(err))
			}
		})
	}

	data, err := h.invoke(ctx, env)
	resp := message.NewResponse(env, h.id, err == nil, data)
	if err != nil {
		resp.Data = err.Error()
	}
	if err := h.tr.SendMessage(context.Background(), env.From, resp); err != nil {
		h.log.Warn("send response failed", zap.String("to", env.From), zap.Error(err))
	}
}

// invoke runs the handler for env, recovering panics at the dispatch
// boundary so a broken handler never takes the hub down.
func (h *Hub) invoke(ctx context.Context, env *message.Envelope) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panicked", zap.String("method", env.Method), zap.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if h.comp != nil {
		return h.comp.Run(env.Method, env.Args)
	}

	fn, prepend := h.resolve(env.From, env.Method)
	if fn == nil {
		h.log.Warn("no handler for method", zap.String("method", env.Method), zap.String("from", env.From))
		return nil, fmt.Errorf("no handler for method %q", env.Method)
	}
	args := env.Args
	if prepend {
		args = append([]any{env.Method}, args...)
	}
	return fn(ctx, args)
}
