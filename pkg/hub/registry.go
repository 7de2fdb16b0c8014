package hub

import (
	"context"

	"github.com/panta82/duplex-message/pkg/message"
)

// Handler serves one inbound method call. Args arrive as decoded by the
// transport codec; the returned value crosses back inside the terminal
// response.
type Handler func(ctx context.Context, args []any) (any, error)

// registration binds a peer target to either a catch-all function or a
// method map. Exactly one of the two is set.
type registration struct {
	catchAll Handler
	methods  map[string]Handler
}

func (r *registration) lookup(method string) (Handler, bool) {
	if r.catchAll != nil {
		return r.catchAll, true
	}
	return r.methods[method], false
}

// On registers fn for method calls from target. Use message.Broadcast as
// the target to serve the method for any peer.
func (h *Hub) On(target, method string, fn Handler) {
	h.OnMap(target, map[string]Handler{method: fn})
}

// OnAll registers fn as target's catch-all handler: it receives every
// method addressed to target, with the method name prepended to args. A
// catch-all replaces any existing registration for the target.
func (h *Hub) OnAll(target string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regs[target] = &registration{catchAll: fn}
}

// OnMap merges handlers into target's method map: the union of both maps,
// newer entries winning per method. A map replaces an existing catch-all.
func (h *Hub) OnMap(target string, handlers map[string]Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.regs[target]
	if r == nil || r.catchAll != nil {
		r = &registration{methods: make(map[string]Handler, len(handlers))}
		h.regs[target] = r
	}
	for method, fn := range handlers {
		r.methods[method] = fn
	}
}

// Off removes the named methods from target's registration, or the whole
// registration when no methods are given. Emptying the method map drops the
// registration too.
func (h *Hub) Off(target string, methods ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(methods) == 0 {
		delete(h.regs, target)
		return
	}
	r := h.regs[target]
	if r == nil || r.methods == nil {
		return
	}
	for _, method := range methods {
		delete(r.methods, method)
	}
	if len(r.methods) == 0 {
		delete(h.regs, target)
	}
}

// resolve picks the handler for a request from a peer. The broadcast
// registration is consulted first, then the exact peer registration; the
// first one that can serve the method wins. The boolean reports whether the
// handler is a catch-all and expects the method name prepended.
func (h *Hub) resolve(from, method string) (Handler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, target := range []string{message.Broadcast, from} {
		if r := h.regs[target]; r != nil {
			if fn, prepend := r.lookup(method); fn != nil {
				return fn, prepend
			}
		}
	}
	return nil, false
}
