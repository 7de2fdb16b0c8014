// Package compose executes an ordered handler chain in onion order with
// explicit continuation control, in the manner of server middleware stacks.
package compose

import "errors"

// ErrNextCalledTwice reports a handler invoking its continuation more than
// once. It is a programming error in that handler and fatal to the single
// chain it occurred in.
var ErrNextCalledTwice = errors.New("compose: next() called more than once")

// Next resumes the chain at the following handler. A handler that never
// calls it short-circuits the remainder of the chain without error.
type Next func() error

// Handler processes ctx and decides whether the chain continues.
type Handler[T any] func(ctx T, next Next) error

// Runner executes a composed chain over ctx. The terminal handler, when
// non-nil, runs after the last composed handler.
type Runner[T any] func(ctx T, terminal Handler[T]) error

// Chain composes handlers into a single Runner. Execution is strictly
// sequential: each continuation may advance the chain exactly once.
func Chain[T any](handlers []Handler[T]) Runner[T] {
	return func(ctx T, terminal Handler[T]) error {
		index := -1
		var dispatch func(i int) error
		dispatch = func(i int) error {
			if i <= index {
				return ErrNextCalledTwice
			}
			index = i
			var h Handler[T]
			switch {
			case i < len(handlers):
				h = handlers[i]
			case i == len(handlers):
				h = terminal
			}
			if h == nil {
				return nil
			}
			return h(ctx, func() error { return dispatch(i + 1) })
		}
		return dispatch(0)
	}
}
