package fork

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/roach88/branchline/internal/record"
)

var errQueueClosed = errors.New("branch queue closed")

// branchQueue is a bounded FIFO between the fork producer and one branch
// consumer.
//
// Waiting uses buffered signal channels of size 1 so both sides can select
// on their context. Close closes notEmpty to wake every waiting consumer.
type branchQueue[D any] struct {
	mu       sync.Mutex
	items    []*record.Envelope[D]
	capacity int
	closed   bool
	err      error // terminal error reported after drain; nil means EOF

	notEmpty chan struct{}
	notFull  chan struct{}
}

func newBranchQueue[D any](capacity int) *branchQueue[D] {
	return &branchQueue[D]{
		items:    make([]*record.Envelope[D], 0, capacity),
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push appends e, blocking while the queue is full.
func (q *branchQueue[D]) Push(ctx context.Context, e *record.Envelope[D]) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errQueueClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, e)
			signal(q.notEmpty)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notFull:
		}
	}
}

// Pop removes the front envelope, blocking while the queue is empty. Once the
// queue is closed and drained it returns io.EOF or the close error.
func (q *branchQueue[D]) Pop(ctx context.Context) (*record.Envelope[D], error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = nil
			if len(q.items) == 1 {
				q.items = q.items[:0]
			} else {
				q.items = q.items[1:]
			}
			if len(q.items) > 0 && !q.closed {
				signal(q.notEmpty)
			}
			signal(q.notFull)
			q.mu.Unlock()
			return e, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notEmpty:
		}
	}
}

// Len returns the number of queued envelopes.
func (q *branchQueue[D]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further pushes. Consumers drain what is queued and then see
// err, or io.EOF when err is nil.
func (q *branchQueue[D]) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	close(q.notEmpty)
	signal(q.notFull)
}
