// Package queue provides an unbounded FIFO channel between one producer and one consumer.
package queue

import "sync"

// Unbounded moves values from In to Out through an internal buffer, so a send on In
// only waits for the pump goroutine, never for the consumer.
type Unbounded[T any] struct {
	in       chan T
	out      chan T
	stop     chan struct{}
	stopOnce sync.Once
}

func NewUnbounded[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		in:   make(chan T),
		out:  make(chan T),
		stop: make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *Unbounded[T]) In() chan<- T {
	return q.in
}

func (q *Unbounded[T]) Out() <-chan T {
	return q.out
}

// Close stops accepting values. Buffered values are still delivered before Out closes.
func (q *Unbounded[T]) Close() {
	close(q.in)
}

// Stop drops buffered values and closes Out. Sends on In after Stop block forever, so
// producers must select on their own shutdown signal.
func (q *Unbounded[T]) Stop() {
	q.stopOnce.Do(func() {
		close(q.stop)
	})
}

func (q *Unbounded[T]) pump() {
	defer close(q.out)

	var buffer []T
	in := q.in
	for in != nil || len(buffer) > 0 {
		var out chan T
		var next T
		if len(buffer) > 0 {
			out = q.out
			next = buffer[0]
		}
		select {
		case <-q.stop:
			return
		case v, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			buffer = append(buffer, v)
		case out <- next:
			var zero T
			buffer[0] = zero
			buffer = buffer[1:]
		}
	}
}
