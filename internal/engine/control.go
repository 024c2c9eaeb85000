package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// runControl carries out-of-band stop requests into a running instance
// loop. While the loop runs it holds the instance lock, so
// Suspend/Cancel/Terminate set a pending stop here instead of blocking, and
// the loop applies it at the next step boundary. Idle instances are mutated
// directly, under the lock.
type runControl struct {
	running atomic.Bool

	mu     sync.Mutex
	stop   api.InstanceStatus // zero value means no stop requested
	reason string
	cancel context.CancelFunc // interrupts the in-flight step while running
}

// requestStop records the desired status. Cancel and Terminate also
// interrupt the in-flight step; Suspend lets it finish.
func (c *runControl) requestStop(status api.InstanceStatus, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A terminal request wins over a pending suspend.
	if c.stop == "" || c.stop == api.StatusSuspended {
		c.stop = status
		c.reason = reason
	}
	if status != api.StatusSuspended && c.cancel != nil {
		c.cancel()
	}
}

// takeStop consumes the pending stop request, if any.
func (c *runControl) takeStop() (api.InstanceStatus, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop == "" {
		return "", "", false
	}
	status, reason := c.stop, c.reason
	c.stop, c.reason = "", ""
	return status, reason, true
}

// takeTerminalStop consumes the pending stop only when it is a terminal one
// (cancel/terminate). The loop calls it right after a step returns, so an
// interrupted step's outcome is discarded instead of failing the instance; a
// pending suspend stays put until the step's result has been applied.
func (c *runControl) takeTerminalStop() (api.InstanceStatus, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != api.StatusCancelled && c.stop != api.StatusTerminated {
		return "", "", false
	}
	status, reason := c.stop, c.reason
	c.stop, c.reason = "", ""
	return status, reason, true
}

// setCancel publishes the cancel func of the loop's current context.
func (c *runControl) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = cancel
}
