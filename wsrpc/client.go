// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/channel"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/juju/loggo"
	"golang.org/x/sync/semaphore"
)

// ErrUnauthorized is reported by a client whose credentials were rejected by
// the edge server.
var ErrUnauthorized = channel.ErrUnauthorized

// State is the connection state of a Client.
type State int

// Client connection states.
const (
	Disconnected State = iota // no connection
	Connecting                // connection open, awaiting the edge handshake
	Connected                 // handshake complete, serving calls
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DisconnectError reports that the edge server terminated the connection.
type DisconnectError struct {
	Reason    string
	Reconnect bool
}

func (d *DisconnectError) Error() string {
	return fmt.Sprintf("disconnected by server: %s (reconnect=%v)", d.Reason, d.Reconnect)
}

// Is reports whether target is ErrUnauthorized and d has that reason.
func (d *DisconnectError) Is(target error) bool {
	return target == ErrUnauthorized && d.Reason == ReasonUnauthorized
}

// ReconnectError reports that a client gave up after exceeding its maximum
// number of consecutive reconnect attempts.
type ReconnectError struct {
	Attempts int   // the number of attempts made
	Err      error // the last connection failure
}

func (r *ReconnectError) Error() string {
	return fmt.Sprintf("giving up after %d reconnect attempts: %v", r.Attempts, r.Err)
}

// Unwrap reports the last connection failure.
func (r *ReconnectError) Unwrap() error { return r.Err }

// Defaults for Options.
const (
	DefaultMaxReconnects = 10
	DefaultBackoffCap    = 30 * time.Second
	DefaultQueueSize     = 256
)

// Options are optional settings for a Client. A nil *Options is ready for
// use and provides default values as described.
type Options struct {
	// ID identifies the client in log messages. If empty, a random UUID is
	// assigned.
	ID string

	// MaxReconnects is the number of consecutive reconnect attempts the
	// client makes before giving up. If zero, DefaultMaxReconnects is used;
	// if negative, the client does not reconnect.
	MaxReconnects int

	// BackoffCap bounds the exponential part of the reconnect delay. If zero,
	// DefaultBackoffCap is used.
	BackoffCap time.Duration

	// Jitter returns the random part of the delay before reconnect attempt n
	// (starting from 1). If nil, the jitter is a random duration in [0, n)
	// seconds.
	Jitter func(n int) time.Duration

	// QueueSize bounds the number of outbound envelopes awaiting delivery.
	// If zero, DefaultQueueSize is used.
	QueueSize int

	// Concurrency is the number of calls the client may execute at once.
	// If less than 2, calls are executed one at a time in the order
	// received.
	Concurrency int

	// Logger is used for diagnostic output. If zero, nothing is logged.
	Logger loggo.Logger

	// Metrics, if set, records reconnects and dropped envelopes.
	Metrics *cablerpc.Metrics
}

func (o *Options) id() string {
	if o == nil || o.ID == "" {
		return uuid.NewString()
	}
	return o.ID
}

func (o *Options) maxReconnects() int {
	if o == nil || o.MaxReconnects == 0 {
		return DefaultMaxReconnects
	} else if o.MaxReconnects < 0 {
		return 0
	}
	return o.MaxReconnects
}

func (o *Options) backoffCap() time.Duration {
	if o == nil || o.BackoffCap <= 0 {
		return DefaultBackoffCap
	}
	return o.BackoffCap
}

func (o *Options) jitter() func(int) time.Duration {
	if o == nil || o.Jitter == nil {
		return func(n int) time.Duration {
			return time.Duration(float64(n) * rand.Float64() * float64(time.Second))
		}
	}
	return o.Jitter
}

func (o *Options) queueSize() int {
	if o == nil || o.QueueSize <= 0 {
		return DefaultQueueSize
	}
	return o.QueueSize
}

func (o *Options) concurrency() int {
	if o == nil {
		return 1
	}
	return o.Concurrency
}

func (o *Options) logger() loggo.Logger {
	if o == nil || o.Logger == (loggo.Logger{}) {
		return cablerpc.Discard()
	}
	return o.Logger
}

func (o *Options) metrics() *cablerpc.Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// A Client serves RPC calls from an edge server over a persistent
// connection. The edge sends command envelopes, each tagged with a call ID;
// the client executes each call with its Dispatcher and replies with a
// response envelope carrying the same call ID.
//
// Call Start to connect and begin serving. The client runs until Stop is
// called, its context ends, the edge rejects it, or it exceeds its
// reconnect limit. Use Wait to wait for the client to exit and report its
// status.
//
// When the connection drops unexpectedly, or the edge disconnects it with
// permission to reconnect, the client waits and reconnects. The delay
// before attempt n is min(2^n seconds, BackoffCap) plus jitter. The attempt
// counter is reset once the edge sends its first envelope on a new
// connection. The edge may echo the connect envelope to confirm the
// connection early, but need not.
type Client struct {
	dialer channel.Dialer
	disp   *cablerpc.Dispatcher
	id     string
	log    loggo.Logger
	mets   *cablerpc.Metrics

	maxReconnects int
	backoffCap    time.Duration
	jitter        func(int) time.Duration
	queueSize     int
	concurrency   int

	μ       sync.Mutex
	tasks   *taskgroup.Group
	cancel  context.CancelFunc
	conn    channel.Conn // the current connection, or nil
	state   State
	attempt int  // consecutive reconnect attempts
	closed  bool // set by Stop; suppresses reconnects
	err     error
}

// NewClient constructs a new unstarted client that dials the edge with d
// and executes calls with disp.
func NewClient(d channel.Dialer, disp *cablerpc.Dispatcher, opts *Options) *Client {
	return &Client{
		dialer:        d,
		disp:          disp,
		id:            opts.id(),
		log:           opts.logger(),
		mets:          opts.metrics(),
		maxReconnects: opts.maxReconnects(),
		backoffCap:    opts.backoffCap(),
		jitter:        opts.jitter(),
		queueSize:     opts.queueSize(),
		concurrency:   opts.concurrency(),
	}
}

// ID returns the identifier of c.
func (c *Client) ID() string { return c.id }

// State reports the current connection state of c.
func (c *Client) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

// Attempts reports the number of consecutive reconnect attempts made since
// the last confirmed connection.
func (c *Client) Attempts() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.attempt
}

// Start starts the client running. It does not block; call Wait to wait for
// the client to exit and report its status. Start panics if c is already
// running.
func (c *Client) Start(ctx context.Context) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.tasks != nil {
		panic("client is already started")
	}
	rctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.closed = false
	c.attempt = 0
	c.err = nil
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(func() error {
		defer cancel()
		err := c.run(rctx)
		c.μ.Lock()
		defer c.μ.Unlock()
		c.err = err
		c.state = Disconnected
		return nil
	})
	return c
}

// Run starts c and blocks until it exits, returning its status.
func (c *Client) Run(ctx context.Context) error { return c.Start(ctx).Wait() }

// Wait blocks until c exits and reports the error that caused it to stop.
// It returns nil if c is not running, or stopped because of a call to Stop
// or the end of its context.
func (c *Client) Wait() error {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return nil
	}
	t.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	c.tasks = nil
	return c.err
}

// Stop closes the connection and terminates the client without
// reconnecting. It blocks until the client has exited and returns its
// status. After Stop completes it is safe to restart the client.
func (c *Client) Stop() error {
	c.μ.Lock()
	c.closed = true
	conn, cancel := c.conn, c.cancel
	c.μ.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	return c.Wait()
}

func (c *Client) isClosed(ctx context.Context) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.closed || ctx.Err() != nil
}

// run is the reconnect loop.
func (c *Client) run(ctx context.Context) error {
	for {
		retry, err := c.session(ctx)
		if !retry {
			return err
		}

		c.μ.Lock()
		c.attempt++
		n := c.attempt
		c.μ.Unlock()
		if n > c.maxReconnects {
			c.log.Errorf("client %s: giving up after %d reconnect attempts: %v", c.id, n-1, err)
			return &ReconnectError{Attempts: n - 1, Err: err}
		}
		c.mets.Reconnected()

		delay := c.backoff(n)
		c.log.Infof("client %s: connection lost (%v), reconnecting in %v (attempt %d)", c.id, err, delay, n)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// backoff returns the delay before reconnect attempt n.
func (c *Client) backoff(n int) time.Duration {
	d := c.backoffCap
	if n < 31 {
		d = min(time.Duration(1<<n)*time.Second, c.backoffCap)
	}
	return d + c.jitter(n)
}

// sleep waits for d to elapse or ctx to end, and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// session runs a single connection to the edge. It reports whether the
// client should reconnect, and the error that ended the connection.
// If retry is false and err == nil, the client was closed.
func (c *Client) session(ctx context.Context) (retry bool, _ error) {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		if c.isClosed(ctx) {
			return false, nil
		} else if errors.Is(err, ErrUnauthorized) {
			c.log.Errorf("client %s: connection rejected: %v", c.id, err)
			return false, &DisconnectError{Reason: ReasonUnauthorized}
		}
		return true, fmt.Errorf("dial: %w", err)
	}

	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		conn.Close()
		return false, nil
	}
	c.conn = conn
	c.state = Connecting
	c.μ.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, c.queueSize)
	g := taskgroup.New(nil)
	defer func() {
		cancel()
		conn.Close()
		g.Wait()

		c.μ.Lock()
		c.conn = nil
		c.state = Disconnected
		c.μ.Unlock()
	}()

	// The drain loop is the only sender on conn.
	g.Go(func() error {
		for {
			select {
			case <-sctx.Done():
				return nil
			case msg := <-out:
				if err := conn.Send(sctx, msg); err != nil {
					c.log.Debugf("client %s: send failed: %v", c.id, err)
					cancel() // unblock enqueue and the read loop
					conn.Close()
					return nil
				}
			}
		}
	})
	enqueue := func(e *Envelope) {
		select {
		case <-sctx.Done():
			c.log.Debugf("client %s: dropped %v after disconnect", c.id, e)
		case out <- e.Encode():
		}
	}

	var sem *semaphore.Weighted
	if c.concurrency > 1 {
		sem = semaphore.NewWeighted(int64(c.concurrency))
	}

	enqueue(ConnectEnvelope())
	confirmed := false
	for {
		msg, err := conn.Recv(sctx)
		if err != nil {
			if c.isClosed(ctx) {
				return false, nil
			}
			return true, fmt.Errorf("receive: %w", err)
		}
		var env Envelope
		if err := env.Decode(msg); err != nil {
			c.log.Warningf("client %s: %v", c.id, err)
			c.mets.Dropped()
			continue
		}

		// Any envelope other than a disconnect shows the edge has accepted
		// the connection.
		if !confirmed && env.Type != TypeDisconnect {
			confirmed = true
			c.μ.Lock()
			c.state = Connected
			c.attempt = 0
			c.μ.Unlock()
			c.log.Infof("client %s: connected", c.id)
		}

		switch env.Type {
		case TypeConnect:
			// Optional confirmation from the edge; handled above.

		case TypeDisconnect:
			c.log.Infof("client %s: %v", c.id, &env)
			derr := &DisconnectError{Reason: env.Reason, Reconnect: env.Reconnect}
			if env.Reason == ReasonUnauthorized || !env.Reconnect {
				return false, derr
			}
			return true, derr

		case TypeCommand:
			if sem == nil {
				enqueue(c.handle(ctx, &env))
				continue
			}
			if err := sem.Acquire(sctx, 1); err != nil {
				continue // the session is ending
			}
			g.Go(func() error {
				defer sem.Release(1)
				enqueue(c.handle(ctx, &env))
				return nil
			})

		default:
			c.log.Debugf("client %s: discarding unexpected %v", c.id, &env)
			c.mets.Dropped()
		}
	}
}

// handle executes the call carried by a command envelope and returns the
// response envelope to send. Calls run to completion on ctx regardless of
// the state of the connection.
func (c *Client) handle(ctx context.Context, env *Envelope) *Envelope {
	m, err := cablerpc.ParseMethod(env.Command)
	if err != nil {
		m = cablerpc.MethodCommand
	}
	var rsp cablerpc.Response
	if req, err := env.Request(); err != nil {
		c.log.Warningf("client %s: call %q: %v", c.id, env.CallID, err)
		c.mets.Dropped()
		rsp = cablerpc.ErrorResponse(m, err.Error())
	} else {
		rsp = c.disp.Call(ctx, &cablerpc.Call{Request: req, Meta: env.Meta})
	}
	out, err := ResponseEnvelope(env.CallID, rsp)
	if err != nil {
		out, _ = ResponseEnvelope(env.CallID, cablerpc.ErrorResponse(m, err.Error()))
	}
	return out
}
