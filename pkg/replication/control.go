package replication

import (
	"sync"

	"github.com/zmigrate/zmigrate/pkg/proc"
)

// Control lets another goroutine cancel a transfer that is already in
// flight. The zero value is ready to use; cancelling before the pipeline
// exists poisons the handle so the next attach terminates immediately,
// which also stops a resume retry from outliving its cancellation.
type Control struct {
	mu        sync.Mutex
	handle    *proc.Handle
	cancelled bool
}

func (c *Control) attach(h *proc.Handle) {
	c.mu.Lock()
	c.handle = h
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled {
		h.Terminate()
	}
}

// Cancel terminates the running pipeline, if any.
func (c *Control) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	h := c.handle
	c.mu.Unlock()
	if h != nil {
		h.Terminate()
	}
}

// Cancelled reports whether Cancel has been called.
func (c *Control) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}
