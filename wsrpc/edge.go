// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"crypto/subtle"
	"net/http"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/channel"
	"github.com/juju/loggo"
)

// An Edge is an http.Handler that accepts WS-RPC client connections over
// websocket. Each accepted connection is served by a Caller.
type Edge struct {
	// Token, if set, must match the "token" query parameter of each
	// handshake. Mismatched handshakes are refused with status 401.
	Token string

	// Connected, if set, is called in its own goroutine with the caller for
	// each connection once the client has sent its connect envelope.
	Connected func(*Caller)

	// Logger, if set, receives connection logs.
	Logger loggo.Logger
}

// ServeHTTP implements the http.Handler interface. It blocks until the
// connection ends.
func (e *Edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.Token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(e.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := channel.Accept(w, r)
	if err != nil {
		e.logger().Warningf("accept %s: %v", r.RemoteAddr, err)
		return
	}
	c := NewCaller().Start(conn)
	done := make(chan struct{})
	defer close(done)
	if e.Connected != nil {
		go func() {
			select {
			case <-c.Ready():
				e.Connected(c)
			case <-done:
			}
		}()
	}
	if err := c.Wait(); err != nil {
		e.logger().Debugf("connection %s: %v", r.RemoteAddr, err)
	}
}

func (e *Edge) logger() loggo.Logger {
	if e.Logger == (loggo.Logger{}) {
		return cablerpc.Discard()
	}
	return e.Logger
}
