// Package mem links two in-process endpoints through a real encode/decode
// boundary. Useful for tests and for two realms hosted in one process.
package mem

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/panta82/duplex-message/pkg/message"
	"github.com/panta82/duplex-message/pkg/message/codec"
)

// Endpoint is one side of a linked pair. Frames cross as encoded bytes so
// the pair behaves like a genuine serialization boundary: values that cannot
// be marshaled do not cross.
type Endpoint struct {
	reg    *codec.Registry
	format message.Format
	out    chan<- []byte
	in     <-chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	deliver func(env *message.Envelope)
}

// Pair returns two linked endpoints encoding with format.
func Pair(reg *codec.Registry, format message.Format) (*Endpoint, *Endpoint) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &Endpoint{reg: reg, format: format, out: ab, in: ba, done: make(chan struct{})}
	b := &Endpoint{reg: reg, format: format, out: ba, in: ab, done: make(chan struct{})}
	return a, b
}

func (e *Endpoint) Bind(deliver func(env *message.Envelope)) {
	e.mu.Lock()
	e.deliver = deliver
	e.mu.Unlock()
	go e.readLoop()
}

func (e *Endpoint) SendMessage(ctx context.Context, _ string, env *message.Envelope) error {
	frame, err := message.Encode(e.reg, e.format, env)
	if err != nil {
		return err
	}
	select {
	case <-e.done:
		return errors.New("mem: endpoint closed")
	default:
	}
	select {
	case e.out <- frame:
		return nil
	case <-e.done:
		return errors.New("mem: endpoint closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func (e *Endpoint) readLoop() {
	for {
		select {
		case <-e.done:
			return
		case frame := <-e.in:
			env, err := message.Decode(e.reg, frame)
			if err != nil {
				zap.L().Warn("mem: dropping undecodable frame", zap.Error(err))
				continue
			}
			e.mu.Lock()
			deliver := e.deliver
			e.mu.Unlock()
			if deliver != nil {
				deliver(env)
			}
		}
	}
}
