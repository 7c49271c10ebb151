// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"context"
	"errors"
	"sync"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/channel"
	"github.com/creachadair/taskgroup"
)

// DefaultPoolSize is the default number of clients run by a Server.
const DefaultPoolSize = 30

// ServerOptions are optional settings for a Server. A nil *ServerOptions is
// ready for use and provides default values as described.
type ServerOptions struct {
	// PoolSize is the number of clients to run. If zero, DefaultPoolSize is
	// used.
	PoolSize int

	// Client are the options for each client. The ID field is ignored; each
	// client is assigned a random ID.
	Client Options
}

func (o *ServerOptions) poolSize() int {
	if o == nil || o.PoolSize <= 0 {
		return DefaultPoolSize
	}
	return o.PoolSize
}

// A Server runs a pool of clients connected to the same edge server. Each
// client maintains its own connection, so the edge can spread calls among
// them.
type Server struct {
	clients []*Client

	μ     sync.Mutex
	tasks *taskgroup.Group
	stop  context.CancelFunc
}

// NewServer constructs an unstarted server whose clients dial with d and
// execute calls with disp. The middleware chain of disp is frozen.
func NewServer(d channel.Dialer, disp *cablerpc.Dispatcher, opts *ServerOptions) *Server {
	disp.Freeze()
	var copts Options
	if opts != nil {
		copts = opts.Client
	}
	s := &Server{clients: make([]*Client, opts.poolSize())}
	for i := range s.clients {
		copts.ID = "" // assign a fresh ID
		s.clients[i] = NewClient(d, disp, &copts)
	}
	return s
}

// Clients returns the clients of s.
func (s *Server) Clients() []*Client { return s.clients }

// Start starts all the clients of s. It does not block; call Wait to wait
// for the server to exit. If any client fails, the others are stopped.
func (s *Server) Start(ctx context.Context) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.tasks != nil {
		panic("server is already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.tasks = taskgroup.New(cancel)
	for _, c := range s.clients {
		c.Start(ctx)
		s.tasks.Go(c.Wait)
	}
	return s
}

// Wait blocks until all the clients of s have exited. It reports the first
// error that caused a client to fail, or nil.
func (s *Server) Wait() error {
	s.μ.Lock()
	t := s.tasks
	s.μ.Unlock()
	if t == nil {
		return nil
	}
	err := t.Wait()

	s.μ.Lock()
	defer s.μ.Unlock()
	s.tasks = nil
	s.stop()
	return err
}

// Stop closes the connections of all clients and waits for them to exit.
func (s *Server) Stop() error {
	var errs []error
	for _, c := range s.clients {
		errs = append(errs, c.Stop())
	}
	return errors.Join(append(errs, s.Wait())...)
}
