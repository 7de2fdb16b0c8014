// Package transport defines the boundary the correlation hub speaks
// through. A transport delivers opaque envelopes at most once, with no
// ordering between independent sends and no built-in correlation; the hub
// layers request/response semantics on top.
//
// Concrete adapters live in subpackages:
//   - mem:  an in-process linked pair crossing a real codec boundary
//   - ws:   a WebSocket connection (one frame per envelope)
//   - quic: a QUIC stream with length-prefixed frames
package transport

import (
	"context"

	"github.com/panta82/duplex-message/pkg/message"
)

// Adapter is one side of a duplex channel between two hub instances.
type Adapter interface {
	// SendMessage hands one envelope to the transport for delivery to
	// target. The transport does not retry; target may be ignored by
	// point-to-point adapters.
	SendMessage(ctx context.Context, target string, env *message.Envelope) error

	// Bind installs the inbound delivery callback and starts delivery.
	// Exactly one decoded envelope is delivered per physical message;
	// frames that fail to decode are logged and dropped. Bind must be
	// called once, before any traffic is expected.
	Bind(deliver func(env *message.Envelope))

	Close() error
}
