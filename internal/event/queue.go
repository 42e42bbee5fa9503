package event

import (
	"context"
	"sync"
)

// Queue decouples event producers from the Bus. Publish never blocks and
// never drops; a single delivery goroutine started by Run hands events to
// the Bus strictly in publish order. Producers on latency-sensitive
// goroutines (the scan result loop) publish here instead of calling
// Bus.Publish so slow UI handlers cannot stall them.
type Queue struct {
	bus *Bus

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []Event
	published uint64
	delivered uint64
	running   bool
	closed    bool
	done      chan struct{}
}

// NewQueue creates a Queue delivering into bus.
func NewQueue(bus *Bus) *Queue {
	if bus == nil {
		panic("event.NewQueue: bus must not be nil")
	}
	q := &Queue{bus: bus, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Bus returns the bus the queue delivers into.
func (q *Queue) Bus() *Bus {
	return q.bus
}

// Publish enqueues e for delivery. Events published after Close are dropped.
func (q *Queue) Publish(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.pending = append(q.pending, e)
	q.published++
	q.cond.Broadcast()
}

// Run delivers events until ctx is cancelled or Close is called, then
// delivers whatever is still pending and returns. Run must be called at
// most once.
func (q *Queue) Run(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		panic("event.Queue: Run called twice")
	}
	q.running = true
	q.mu.Unlock()

	defer close(q.done)

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, e := range batch {
			q.bus.Publish(e)
		}

		q.mu.Lock()
		q.delivered += uint64(len(batch))
		q.cond.Broadcast()
		q.mu.Unlock()

		if closed && len(batch) == 0 {
			return
		}
	}
}

// Flush blocks until every event published before the call has been
// delivered, or ctx is done. It returns ctx.Err() in the latter case.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	target := q.published
	q.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.delivered < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Close stops accepting events and waits for Run to deliver the backlog.
// Close is idempotent and returns immediately when Run was never started.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	running := q.running
	q.cond.Broadcast()
	q.mu.Unlock()

	if running {
		<-q.done
	}
}

// Len returns the number of events waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
