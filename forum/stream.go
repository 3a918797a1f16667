package forum

import (
	"context"
	"sync"

	"github.com/hupe1980/agentforum/core"
)

// streamable is an ordered, append-closed, multi-consumer broadcast buffer.
// A single producer sends zero or more input items and eventually closes the
// stream; a pump goroutine converts each input, in send order, into zero or
// more output items that are appended to a shared backlog. Any number of
// independent consumers may iterate concurrently: each one observes the full
// backlog plus the live tail in the exact order items were appended, so late
// subscribers miss nothing.
//
// The input queue is unbounded, which decouples the producer's send rate from
// both conversion and consumption rates.
type streamable[IN any, OUT any] struct {
	mu         sync.Mutex
	wake       chan struct{}
	inputs     []IN
	sendClosed bool
	items      []OUT
	done       bool

	convert func(in IN, emit func(OUT))
}

// newStreamable starts the conversion pump immediately. convert is invoked
// serially, one input at a time, preserving send order.
func newStreamable[IN any, OUT any](convert func(in IN, emit func(OUT))) *streamable[IN, OUT] {
	s := &streamable[IN, OUT]{
		wake:    make(chan struct{}),
		convert: convert,
	}
	go s.pump()
	return s
}

// signal wakes everything blocked on the current generation of the wake
// channel. Callers must hold mu.
func (s *streamable[IN, OUT]) signal() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// send enqueues an input item. Returns ErrSendClosed once closeSend was called.
func (s *streamable[IN, OUT]) send(in IN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return core.ErrSendClosed
	}
	s.inputs = append(s.inputs, in)
	s.signal()
	return nil
}

// closeSend marks the producer side closed. Idempotent.
func (s *streamable[IN, OUT]) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		s.signal()
	}
}

// completed reports whether all items are already in the backlog: iterating to
// the end will not block.
func (s *streamable[IN, OUT]) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *streamable[IN, OUT]) append(out OUT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, out)
	s.signal()
}

func (s *streamable[IN, OUT]) pump() {
	for {
		s.mu.Lock()
		for len(s.inputs) == 0 && !s.sendClosed {
			ch := s.wake
			s.mu.Unlock()
			<-ch
			s.mu.Lock()
		}
		if len(s.inputs) == 0 {
			s.done = true
			s.signal()
			s.mu.Unlock()
			return
		}
		in := s.inputs[0]
		s.inputs = s.inputs[1:]
		s.mu.Unlock()

		s.convert(in, s.append)
	}
}

// streamIterator is an independent cursor over a streamable's backlog and live
// tail. The zero-context pattern of SDK stream iterators is followed: Next
// advances (blocking for the tail if necessary), Current returns the item and
// Err reports why iteration stopped early, if it did.
type streamIterator[IN any, OUT any] struct {
	ctx context.Context
	s   *streamable[IN, OUT]
	idx int
	cur OUT
	err error
}

func (s *streamable[IN, OUT]) iterate(ctx context.Context) *streamIterator[IN, OUT] {
	return &streamIterator[IN, OUT]{ctx: ctx, s: s}
}

// Next advances to the next item, blocking until one is available, the stream
// completes or the context is cancelled. It returns false at the end of the
// stream or on cancellation (check Err to distinguish).
func (it *streamIterator[IN, OUT]) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		it.s.mu.Lock()
		if it.idx < len(it.s.items) {
			it.cur = it.s.items[it.idx]
			it.idx++
			it.s.mu.Unlock()
			return true
		}
		if it.s.done {
			it.s.mu.Unlock()
			return false
		}
		ch := it.s.wake
		it.s.mu.Unlock()

		select {
		case <-it.ctx.Done():
			it.err = it.ctx.Err()
			return false
		case <-ch:
		}
	}
}

// Current returns the item Next advanced to.
func (it *streamIterator[IN, OUT]) Current() OUT { return it.cur }

// Err returns the error that terminated iteration early, or nil if the stream
// simply ended.
func (it *streamIterator[IN, OUT]) Err() error { return it.err }
