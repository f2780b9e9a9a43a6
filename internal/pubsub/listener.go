package pubsub

import "context"

// Listener wraps a broker subscription for callers that prefer a value over
// a bare channel (the log tap and metrics collector use this).
type Listener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewListener subscribes to the broker. The subscription is cleaned up when
// ctx is cancelled.
func NewListener[T any](ctx context.Context, broker *Broker[T]) *Listener[T] {
	return &Listener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until an event arrives, the subscription closes, or ctx is
// cancelled. The second return is false when no further events will arrive.
func (l *Listener[T]) Next() (Event[T], bool) {
	select {
	case <-l.ctx.Done():
		var zero Event[T]
		return zero, false
	case event, ok := <-l.ch:
		return event, ok
	}
}

// Events exposes the underlying channel for select loops.
func (l *Listener[T]) Events() <-chan Event[T] {
	return l.ch
}
