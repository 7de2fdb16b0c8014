// Package composer dispatches channel payloads through middleware selected
// by scope matching, then through terminal handlers registered for the exact
// channel name.
//
// Middleware scopes live in a compressed prefix trie: each node's key is a
// prefix of every scope reachable below it, and inserting a scope that
// prefixes an existing key re-parents that key beneath the new node. A
// per-instance wildcard scope sits at the root and always matches first.
package composer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/panta82/duplex-message/pkg/compose"
)

// Context carries one dispatch through the middleware chain. Handlers read
// Request and set Response; Run returns whatever Response holds once the
// chain settles.
type Context struct {
	Channel  string
	Request  any
	Response any
}

// Middleware participates in a Run chain.
type Middleware = compose.Handler[*Context]

// Composer holds the middleware trie and the flat route table.
type Composer struct {
	mu       sync.RWMutex
	wildcard *node
	routes   map[string][]Middleware
	log      *zap.Logger
}

// node keys one trie level. Children are kept in insertion order so that
// lookups and restructuring stay deterministic.
type node struct {
	key      string
	fns      []Middleware
	children []*node
}

// New returns an empty Composer with a freshly generated wildcard scope.
func New() *Composer {
	return &Composer{
		wildcard: &node{key: fmt.Sprintf("*%s*", uuid.NewString())},
		routes:   make(map[string][]Middleware),
		log:      zap.L(),
	}
}

// Wildcard returns this instance's wildcard scope. Middleware registered
// under it runs for every channel, ahead of scope-matched middleware.
func (c *Composer) Wildcard() string { return c.wildcard.key }

// UseGlobal registers middleware under the wildcard scope.
func (c *Composer) UseGlobal(fns ...Middleware) {
	for _, fn := range fns {
		c.Use(c.wildcard.key, fn)
	}
}

// Use registers fn under scope. Sibling keys at any trie level keep a strict
// prefix hierarchy: for a new scope versus an existing key exactly one of
// equal / descends / re-parents applies, checked in that order.
func (c *Composer) Use(scope string, fn Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope == c.wildcard.key {
		c.wildcard.fns = append(c.wildcard.fns, fn)
		return
	}
	insert(c.wildcard, scope, fn)
}

func insert(parent *node, scope string, fn Middleware) {
	for i, ch := range parent.children {
		switch {
		case ch.key == scope:
			ch.fns = append(ch.fns, fn)
			return
		case strings.HasPrefix(scope, ch.key):
			insert(ch, scope, fn)
			return
		case strings.HasPrefix(ch.key, scope):
			// The existing, more specific key moves beneath the new scope.
			parent.children[i] = &node{key: scope, fns: []Middleware{fn}, children: []*node{ch}}
			return
		}
	}
	parent.children = append(parent.children, &node{key: scope, fns: []Middleware{fn}})
}

// Middlewares returns the ordered chain for channel: the wildcard list
// first, then the list of each matching node walking down the trie.
//
// Lookup accepts a key occurring anywhere inside channel, which is looser
// than the prefix discipline Use enforces on insert. The asymmetry is kept
// for compatibility with existing registrations that rely on it.
func (c *Composer) Middlewares(channel string) []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := append([]Middleware(nil), c.wildcard.fns...)
	cur := c.wildcard
	for cur != nil {
		var next *node
		for _, ch := range cur.children {
			if strings.Contains(channel, ch.key) {
				out = append(out, ch.fns...)
				next = ch
				break
			}
		}
		cur = next
	}
	return out
}

// Route registers terminal handlers for an exact channel name. Terminal
// handlers run after all scope-matched middleware.
func (c *Composer) Route(channel string, handlers ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[channel] = append(c.routes[channel], handlers...)
}

// RouteMap registers terminal handlers for several channels at once.
func (c *Composer) RouteMap(m map[string][]Middleware) {
	for channel, handlers := range m {
		c.Route(channel, handlers...)
	}
}

// Run dispatches payload down channel's chain and returns the context
// response. An empty chain is not an error: it is logged and Run returns
// nil. Any error from a handler aborts the chain and is returned as-is.
func (c *Composer) Run(channel string, payload any) (any, error) {
	chain := c.Middlewares(channel)
	c.mu.RLock()
	chain = append(chain, c.routes[channel]...)
	c.mu.RUnlock()
	if len(chain) == 0 {
		c.log.Warn("no corresponding route", zap.String("channel", channel))
		return nil, nil
	}
	ctx := &Context{Channel: channel, Request: payload}
	if err := compose.Chain(chain)(ctx, nil); err != nil {
		return nil, err
	}
	return ctx.Response, nil
}
