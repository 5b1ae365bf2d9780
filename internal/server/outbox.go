package server

import "sync"

// outbox is a connection's outbound FIFO. Pushing never blocks the caller;
// the write pump is woken through ready and drains the whole queue at once.
type outbox struct {
	mu     sync.Mutex
	queue  [][]byte
	size   int
	limit  int
	closed bool
	ready  chan struct{}
}

// newOutbox creates an outbox. limit caps the pending byte count;
// zero means unbounded.
func newOutbox(limit int) *outbox {
	return &outbox{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

func (o *outbox) push(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrConnClosed
	}
	if o.limit > 0 && o.size+len(p) > o.limit {
		return ErrOutboxFull
	}

	o.queue = append(o.queue, p)
	o.size += len(p)

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

// drain takes every queued chunk in FIFO order.
func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	batch := o.queue
	o.queue = nil
	o.size = 0
	return batch
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// close rejects further pushes and releases anything still queued.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
	o.queue = nil
	o.size = 0
}
