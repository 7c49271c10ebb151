// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package channel provides message transports for the WS-RPC protocol.
package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// A Conn is a reliable ordered stream of messages shared by two endpoints.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Conn interface {
	// Send the message to the remote endpoint.
	Send(ctx context.Context, msg []byte) error

	// Receive the next available message from the remote endpoint.
	Recv(ctx context.Context) ([]byte, error)

	// Close the connection, causing any pending send or receive operations
	// to terminate and report an error. After a connection is closed, all
	// further operations on it must report an error.
	Close() error
}

// ErrUnauthorized is reported when the remote endpoint rejects the
// credentials of the caller.
var ErrUnauthorized = errors.New("unauthorized")

// A Dialer establishes new connections to a remote endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(context.Context) (Conn, error)

// Dial implements the Dialer interface.
func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Direct constructs a connected pair of in-memory connections. Messages sent
// to A are received by B and vice versa. Closing either end closes both.
func Direct() (A, B Conn) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	done := &closer{ch: make(chan struct{})}
	A = direct{send: a2b, recv: b2a, done: done}
	B = direct{send: b2a, recv: a2b, done: done}
	return
}

type closer struct {
	once sync.Once
	ch   chan struct{}
}

type direct struct {
	send chan<- []byte
	recv <-chan []byte
	done *closer
}

// Send implements a method of the [Conn] interface.
func (d direct) Send(ctx context.Context, msg []byte) error {
	select {
	case <-d.done.ch:
		return net.ErrClosed
	default:
	}
	select {
	case <-d.done.ch:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case d.send <- msg:
		return nil
	}
}

// Recv implements a method of the [Conn] interface.
func (d direct) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-d.done.ch:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-d.recv:
		return msg, nil
	}
}

// Close implements a method of the [Conn] interface.
func (d direct) Close() error {
	d.done.once.Do(func() { close(d.done.ch) })
	return nil
}

// IO constructs a connection that receives newline-delimited messages from
// r and sends them to wc. Messages must not contain newlines; JSON encoded
// envelopes satisfy this.
func IO(r io.Reader, wc io.WriteCloser) *IOConn {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOConn{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOConn sends and receives messages on a reader and a writer.
// It does not support cancellation of a blocked Send or Recv other than by
// closing the connection.
type IOConn struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [Conn] interface.
func (c *IOConn) Send(_ context.Context, msg []byte) error {
	if bytes.IndexByte(msg, '\n') >= 0 {
		return errors.New("message contains a newline")
	}
	if _, err := c.w.Write(msg); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [Conn] interface.
func (c *IOConn) Recv(_ context.Context) ([]byte, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) != 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return line[:len(line)-1], nil
}

// Close implements a method of the [Conn] interface.
func (c *IOConn) Close() error { return c.c.Close() }
