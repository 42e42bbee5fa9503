package scan

import (
	"context"
	"sync"

	"github.com/ionlab/pmtscan/internal/errors"
)

// RequestChannel hands exactly one Request to the worker and one Result
// back. A second Submit before the first Result has been received is a
// *errors.ChannelMisuseError, so results always arrive in submission order.
type RequestChannel struct {
	requests chan Request
	results  chan Result

	mu          sync.Mutex
	outstanding bool
	current     Request
}

// NewRequestChannel creates an empty channel.
func NewRequestChannel() *RequestChannel {
	return &RequestChannel{
		requests: make(chan Request, 1),
		results:  make(chan Result, 1),
	}
}

// Submit places req in the slot. It never blocks.
func (c *RequestChannel) Submit(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outstanding {
		return errors.NewChannelMisuseError(c.current.String())
	}
	c.outstanding = true
	c.current = req
	c.requests <- req
	return nil
}

// Outstanding reports whether a request has been submitted whose result has
// not been received yet.
func (c *RequestChannel) Outstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Take blocks until a request is available or ctx is done. A pending
// request wins over cancellation, so a submitted job is never lost to a
// racing stop.
func (c *RequestChannel) Take(ctx context.Context) (Request, error) {
	select {
	case req := <-c.requests:
		return req, nil
	default:
	}

	select {
	case req := <-c.requests:
		return req, nil
	case <-ctx.Done():
		select {
		case req := <-c.requests:
			return req, nil
		default:
			return Request{}, ctx.Err()
		}
	}
}

// Deliver places res in the return slot. The slot is free whenever the
// protocol is followed; Deliver only waits on ctx if it is not.
func (c *RequestChannel) Deliver(ctx context.Context, res Result) error {
	select {
	case c.results <- res:
		return nil
	default:
	}

	select {
	case c.results <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a result is available or ctx is done, and clears
// the outstanding mark. A delivered result wins over cancellation.
func (c *RequestChannel) Receive(ctx context.Context) (Result, error) {
	select {
	case res := <-c.results:
		c.received()
		return res, nil
	case <-ctx.Done():
		if res, ok := c.TryReceive(); ok {
			return res, nil
		}
		return Result{}, ctx.Err()
	}
}

// TryReceive returns a delivered result without waiting.
func (c *RequestChannel) TryReceive() (Result, bool) {
	select {
	case res := <-c.results:
		c.received()
		return res, true
	default:
		return Result{}, false
	}
}

func (c *RequestChannel) received() {
	c.mu.Lock()
	c.outstanding = false
	c.mu.Unlock()
}
