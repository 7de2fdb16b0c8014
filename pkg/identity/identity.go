// Package identity provides per-hub instance identifiers and the message
// sequence numbers that correlate requests with their responses.
package identity

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// NewInstanceID returns a random instance identifier. Uniqueness is
// probabilistic; two hubs drawing the same id is an accepted residual risk,
// the same trade-off as any coordination-free random label.
func NewInstanceID() string {
	return uuid.NewString()
}

// Sequencer hands out monotonically increasing message ids. The zero value
// is ready to use. The first id is 1 so ids are never zero on the wire.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next message id.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}
