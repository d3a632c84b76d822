package queue

import (
	"context"
	"sync"
	"time"
)

// Handler processes one payload. It is supplied per item at enqueue time.
type Handler func(ctx context.Context, payload interface{}) (interface{}, error)

// ErrorHandler observes failed items. It must not block for long; panics are recovered.
type ErrorHandler func(item *Item, err error)

// Item is one unit of pending work.
type Item struct {
	ID         string
	Payload    interface{}
	EnqueuedAt time.Time

	handler    Handler
	completion *Completion
}

// Completion is the caller's handle on an item's eventual outcome.
type Completion struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result interface{}
	err    error
}

func newCompletion(id string) *Completion {
	return &Completion{id: id, done: make(chan struct{})}
}

// ID returns the item ID.
func (c *Completion) ID() string {
	return c.id
}

// Done is closed once the item settles.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Completion) Result() (interface{}, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, nil
	}
}

// Wait blocks until the item settles or ctx ends.
func (c *Completion) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Completion) settle(result interface{}, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		settled = true
		close(c.done)
	})
	return settled
}
