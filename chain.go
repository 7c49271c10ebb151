// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import (
	"context"
	"sync"
)

// A Handler executes a call and returns its response.
type Handler func(context.Context, *Call) (Response, error)

// A Middleware intercepts a call. It may pass the call to next, possibly
// after modifying it, return a response of its own, or report an error.
type Middleware func(ctx context.Context, call *Call, next Handler) (Response, error)

// A Chain is an ordered sequence of middleware. Middleware can be added
// until the chain is frozen; after that the chain is read-only and safe for
// concurrent use by multiple goroutines. A zero Chain is ready for use.
type Chain struct {
	μ      sync.Mutex
	mws    []Middleware
	frozen bool
}

// Use adds mw to the end of c. It reports ErrChainFrozen without modifying
// the chain if c has been frozen.
func (c *Chain) Use(mw Middleware) error {
	if mw == nil {
		panic("nil middleware")
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.frozen {
		return ErrChainFrozen
	}
	c.mws = append(c.mws, mw)
	return nil
}

// Freeze prevents further modification of c. It is safe to call Freeze more
// than once.
func (c *Chain) Freeze() {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.frozen = true
}

// Frozen reports whether c has been frozen.
func (c *Chain) Frozen() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.frozen
}

// Len reports the number of middleware in c.
func (c *Chain) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.mws)
}

// Call invokes the middleware of c in the order they were added, with final
// as the innermost handler. If c is empty, final is called directly.
func (c *Chain) Call(ctx context.Context, call *Call, final Handler) (Response, error) {
	c.μ.Lock()
	mws := c.mws[:len(c.mws):len(c.mws)]
	c.μ.Unlock()

	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], h
		h = func(ctx context.Context, call *Call) (Response, error) {
			return mw(ctx, call, next)
		}
	}
	return h(ctx, call)
}
