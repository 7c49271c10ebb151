// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/channel"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// A Caller is the edge side of a WS-RPC connection. It issues calls to a
// connected Client and matches each response to its call by call ID.
//
// Call Start with a connection to start the service routine. When the client
// sends its connect envelope, the caller echoes it back and the client
// begins serving calls. A caller runs until Stop is called, the connection
// closes, or a protocol fatal error occurs.
//
// The methods of a started Caller are safe for concurrent use by multiple
// goroutines.
type Caller struct {
	in  channel.Conn
	out struct {
		// Must hold the lock to send to or set conn.
		sync.Mutex
		conn channel.Conn
	}
	tasks *taskgroup.Group

	μ     sync.Mutex
	err   error              // protocol fatal error
	ocall map[string]pending // outbound calls pending responses
	ready chan struct{}      // closed when the client has connected
	hello bool               // whether ready is closed
}

type pending chan *Envelope

// NewCaller constructs a new unstarted caller.
func NewCaller() *Caller { return new(Caller) }

// Start starts the caller running on conn. It does not block; call Wait to
// wait for the caller to exit and report its status.
func (c *Caller) Start(conn channel.Conn) *Caller {
	if c.in != nil {
		panic("caller is already started")
	}
	c.in = conn
	c.out.conn = conn
	c.err = nil
	c.ocall = make(map[string]pending)
	c.ready = make(chan struct{})
	c.hello = false
	c.tasks = taskgroup.New(nil)

	ctx := context.Background()
	c.tasks.Go(func() error {
		for {
			msg, err := c.in.Recv(ctx)
			if err != nil {
				c.fail(err)
				return nil
			}
			var env Envelope
			if err := env.Decode(msg); err != nil {
				c.fail(err)
				return nil
			}
			if err := c.dispatch(&env); err != nil {
				c.fail(err)
				return nil
			}
		}
	})
	return c
}

// Ready returns a channel that is closed once the client has connected.
func (c *Caller) Ready() <-chan struct{} { return c.ready }

func (c *Caller) dispatch(env *Envelope) error {
	switch {
	case env.Type == TypeConnect:
		c.μ.Lock()
		first := !c.hello
		if first {
			c.hello = true
			close(c.ready)
		}
		c.μ.Unlock()
		if first {
			return c.send(ConnectEnvelope())
		}
		return nil

	case env.IsResponse():
		c.μ.Lock()
		defer c.μ.Unlock()
		pc, ok := c.ocall[env.CallID]
		if !ok {
			return nil // discard responses to unknown or abandoned calls
		}
		delete(c.ocall, env.CallID)
		pc <- env // buffered, does not block
		return nil

	default:
		return fmt.Errorf("unexpected envelope %v", env)
	}
}

// Call sends req to the client and blocks until ctx ends or the response is
// received. If ctx ends first, the call is abandoned and a late response is
// discarded.
func (c *Caller) Call(ctx context.Context, req cablerpc.Request, meta cablerpc.Meta) (cablerpc.Response, error) {
	id := uuid.NewString()
	env, err := CommandEnvelope(id, req, meta)
	if err != nil {
		return nil, err
	}

	c.μ.Lock()
	if err := c.err; err != nil {
		c.μ.Unlock()
		return nil, fmt.Errorf("call %s: %w", req.Method(), err)
	} else if c.ocall == nil {
		c.μ.Unlock()
		return nil, errors.New("caller is not running")
	}
	pc := make(pending, 1)
	c.ocall[id] = pc
	c.μ.Unlock()

	// N.B. Do not hold the state lock while sending, as that would block the
	// receiver from delivering responses.
	if err := c.send(env); err != nil {
		c.release(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.release(id)
		return nil, ctx.Err()
	case rsp, ok := <-pc:
		if !ok {
			c.μ.Lock()
			defer c.μ.Unlock()
			return nil, fmt.Errorf("call terminated: %w", c.err)
		}
		return decodeResponse(req.Method(), rsp)
	}
}

func decodeResponse(m cablerpc.Method, env *Envelope) (cablerpc.Response, error) {
	var rsp cablerpc.Response
	switch m {
	case cablerpc.MethodConnect:
		rsp = new(cablerpc.ConnectionResponse)
	case cablerpc.MethodDisconnect:
		rsp = new(cablerpc.DisconnectResponse)
	default:
		rsp = new(cablerpc.CommandResponse)
	}
	if err := env.DecodeResponse(rsp); err != nil {
		return nil, err
	}
	return rsp, nil
}

// Disconnect sends a disconnect envelope to the client and stops the caller.
func (c *Caller) Disconnect(reason string, reconnect bool) error {
	if err := c.send(DisconnectEnvelope(reason, reconnect)); err != nil {
		return err
	}
	return c.Stop()
}

// Stop closes the connection and terminates the caller. It blocks until the
// caller has exited and returns its status.
func (c *Caller) Stop() error { c.closeOut(); return c.Wait() }

// Wait blocks until c terminates and reports the error that caused it to
// stop. It returns nil if c is not running or stopped because its
// connection closed.
func (c *Caller) Wait() error {
	if c.tasks == nil {
		return nil
	}
	c.tasks.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	if errors.Is(c.err, io.EOF) || errors.Is(c.err, net.ErrClosed) {
		return nil
	}
	return c.err
}

// fail terminates all pending calls and records the failure status.
func (c *Caller) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	defer c.μ.Unlock()
	for _, pc := range c.ocall {
		close(pc)
	}
	c.ocall = nil
	c.err = err
}

func (c *Caller) release(id string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.ocall, id)
}

func (c *Caller) send(env *Envelope) error {
	c.out.Lock()
	defer c.out.Unlock()
	return c.out.conn.Send(context.Background(), env.Encode())
}

func (c *Caller) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.conn != nil {
		c.out.conn.Close()
	}
}
