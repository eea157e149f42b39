// Package shareddata holds the read/write-locked resource container shared
// between the main loop, worker threads, and plugin-registered systems.
//
// Mutations are not applied in place: callers submit them as requests that
// accumulate during a frame, and the application flushes the batch at one
// well-defined point per pass. Readers therefore never observe a frame's
// mutations half-applied.
package shareddata

import "sync"

// Resources is the mutable view handed to pending requests during Flush.
type Resources map[string]any

// Request mutates the shared resources. It runs under the container's write
// lock, so it must be short and must not call back into the container.
type Request func(res Resources)

// Container is the opaque shared-data store.
type Container struct {
	mu  sync.RWMutex
	res Resources

	pmu     sync.Mutex
	pending []Request
}

func New() *Container {
	return &Container{res: Resources{}}
}

// Read returns the named resource, if present.
func (c *Container) Read(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.res[name]
	return v, ok
}

// Len reports the number of stored resources.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.res)
}

// Submit queues a mutation request for the next Flush. It never blocks on
// readers and may be called from any goroutine, including job closures.
func (c *Container) Submit(req Request) {
	if req == nil {
		return
	}
	c.pmu.Lock()
	c.pending = append(c.pending, req)
	c.pmu.Unlock()
}

// Pending reports how many requests are waiting for the next Flush.
func (c *Container) Pending() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return len(c.pending)
}

// Flush applies all pending requests, in submission order, under the write
// lock, and reports how many were applied. Requests submitted while a flush
// is in progress land in the next batch.
func (c *Container) Flush() int {
	c.pmu.Lock()
	batch := c.pending
	c.pending = nil
	c.pmu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range batch {
		req(c.res)
	}
	return len(batch)
}
