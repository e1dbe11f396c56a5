package coordinator

import (
	"context"
	"sync"
	"time"

	"agora/internal/domain"
)

// Coordinator provides operation-level mutual exclusion per negotiation id.
// Every state transition on a session or its settlement runs inside
// WithSession, so two concurrent operations can never interleave on the
// same negotiation.
type Coordinator struct {
	mu      sync.Mutex
	locks   map[string]*idMutex
	maxWait time.Duration
}

type idMutex struct {
	mu       sync.Mutex
	refCount int
}

// New creates a Coordinator. maxWait bounds how long an operation waits for
// a contended lock before failing with domain.ErrBusy.
func New(maxWait time.Duration) *Coordinator {
	return &Coordinator{
		locks:   make(map[string]*idMutex),
		maxWait: maxWait,
	}
}

// WithSession runs fn while holding the lock for the given negotiation id.
// If the lock cannot be acquired within the configured wait it returns
// domain.ErrBusy; if ctx is cancelled first it returns ctx.Err wrapped.
func (c *Coordinator) WithSession(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	unlock, err := c.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

func (c *Coordinator) acquire(ctx context.Context, id string) (func(), error) {
	c.mu.Lock()
	im, ok := c.locks[id]
	if !ok {
		im = &idMutex{}
		c.locks[id] = im
	}
	im.refCount++
	c.mu.Unlock()

	release := func() {
		im.mu.Unlock()
		c.mu.Lock()
		im.refCount--
		if im.refCount == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}

	acquired := make(chan struct{})
	go func() {
		im.mu.Lock()
		close(acquired)
	}()

	timer := time.NewTimer(c.maxWait)
	defer timer.Stop()

	select {
	case <-acquired:
		return release, nil

	case <-timer.C:
		// Abandon the acquisition: once the background goroutine eventually
		// gets the mutex it must release it, or the id stays locked forever.
		go func() {
			<-acquired
			release()
		}()
		return nil, domain.NewDomainError("Coordinator.WithSession", domain.ErrBusy, "negotiation "+id+" is locked")

	case <-ctx.Done():
		go func() {
			<-acquired
			release()
		}()
		return nil, domain.WrapOp("Coordinator.WithSession", ctx.Err())
	}
}

// ActiveCount returns the number of ids with active or pending locks.
// Intended for testing.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
