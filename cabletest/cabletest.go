// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package cabletest provides a reference application and support code for
// testing RPC transports.
package cabletest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/catalog"
	"github.com/creachadair/cablerpc/channel"
	"github.com/creachadair/cablerpc/handler"
	"github.com/creachadair/cablerpc/stream"
	"github.com/creachadair/cablerpc/wsrpc"
)

// ErrRaised is reported by Open when the request URL has a "raise" query
// parameter.
var ErrRaised = errors.New("connection raised")

// DefaultSecret is the stream signing secret used when none is given.
const DefaultSecret = "cabletest-secret"

// App is a reference cablerpc.Application.
//
// A connection is authenticated by the "username" cookie. An authenticated
// connection receives a welcome message; otherwise the client is sent an
// unauthorized notice and the connection is closed.
//
// The app serves two channels: "echo", which echoes messages and manages
// streams and state, and "test_subscribe", which accepts only the user
// "john".
type App struct {
	catalog.Catalog
	signer *stream.Signer

	μ      sync.Mutex
	events []Event
}

// An Event records a subscription lifecycle event observed by the App.
type Event struct {
	Type       string // "subscribe" or "unsubscribe"
	User       string // the current user of the session
	Identifier string // the channel identifier
}

// NewApp constructs a new App that signs streams with secret. If secret is
// empty, DefaultSecret is used.
func NewApp(secret string) *App {
	if secret == "" {
		secret = DefaultSecret
	}
	a := &App{signer: stream.NewSigner(secret)}

	echo := &catalog.Channel{
		Subscribed: func(ctx context.Context, sub *catalog.Sub) (bool, error) {
			if signed := sub.Param("signed_stream_name"); signed != "" {
				name, err := a.signer.Verify(signed)
				if err != nil {
					return false, nil
				}
				sub.StreamFrom(name)
			}
			a.record("subscribe", sub)
			return true, nil
		},
		Unsubscribed: func(ctx context.Context, sub *catalog.Sub) error {
			a.record("unsubscribe", sub)
			return nil
		},
	}
	echo.Handle("echo", handler.ParamResult(a.echo)).
		Handle("follow", handler.ParamError(follow)).
		Handle("unfollow", handler.ParamError(unfollow)).
		Handle("add", handler.ParamResult(add)).
		Handle("tick", handler.ResultError(tick(func(s *catalog.Sub) *cablerpc.State { return s.CState }))).
		Handle("itick", handler.ResultError(tick(func(s *catalog.Sub) *cablerpc.State { return s.IState }))).
		Handle("fail", handler.ParamError(func(context.Context, *catalog.Sub, json.RawMessage) error {
			return errors.New("action failed")
		}))

	gate := &catalog.Channel{
		Subscribed: func(ctx context.Context, sub *catalog.Sub) (bool, error) {
			if sub.Session.Identifier("current_user") != "john" {
				return false, nil
			}
			sub.StreamFrom("test")
			a.record("subscribe", sub)
			return true, nil
		},
		Unsubscribed: func(ctx context.Context, sub *catalog.Sub) error {
			a.record("unsubscribe", sub)
			return nil
		},
	}

	a.Catalog = catalog.New().Add("echo", echo).Add("test_subscribe", gate)
	return a
}

// Signer returns the stream signer used by a.
func (a *App) Signer() *stream.Signer { return a.signer }

// Events returns a copy of the events recorded by a, in order.
func (a *App) Events() []Event {
	a.μ.Lock()
	defer a.μ.Unlock()
	return append([]Event(nil), a.events...)
}

func (a *App) record(etype string, sub *catalog.Sub) {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.events = append(a.events, Event{
		Type:       etype,
		User:       sub.Session.Identifier("current_user"),
		Identifier: sub.Identifier,
	})
}

// Open implements a method of the cablerpc.Application interface.
func (a *App) Open(ctx context.Context, s *cablerpc.Session) error {
	u, err := url.Parse(s.Env.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	q := u.Query()
	if q.Has("raise") {
		return ErrRaised
	}

	user := cookie(s.Env.Header("cookie"), "username")
	if user == "" {
		s.Transmit(`{"type":"disconnect","reason":"unauthorized"}`)
		s.Close()
		return nil
	}
	s.Identify("current_user", user)
	s.Identify("path", u.Path)
	if tok := q.Get("token"); tok != "" {
		s.Identify("token", tok)
	} else if tok := s.Env.Header("x-api-token"); tok != "" {
		s.Identify("token", tok)
	}
	if addr := s.Env.Header("remote_addr"); addr != "" {
		s.Identify("ip", addr)
	}
	s.Transmit(`{"type":"welcome"}`)
	return nil
}

// Close implements a method of the cablerpc.Application interface.
func (a *App) Close(ctx context.Context, s *cablerpc.Session, subs []string) (bool, error) {
	if err := a.Disconnect(ctx, s, subs); err != nil {
		return false, err
	}
	return true, nil
}

// cookie returns the value of the named cookie in a Cookie header, or "".
func cookie(header, name string) string {
	if header == "" {
		return ""
	}
	req := &http.Request{Header: http.Header{"Cookie": {header}}}
	c, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (a *App) echo(_ context.Context, _ *catalog.Sub, msg map[string]any) map[string]any {
	delete(msg, "action")
	return map[string]any{"result": msg}
}

type streamParams struct {
	Name string `json:"stream"`
}

func follow(_ context.Context, sub *catalog.Sub, p streamParams) error {
	if p.Name == "" {
		return errors.New("missing stream name")
	}
	sub.StreamFrom(p.Name)
	return nil
}

func unfollow(_ context.Context, sub *catalog.Sub, p streamParams) error {
	if p.Name == "" {
		sub.StopAllStreams()
		return nil
	}
	sub.StopStreamFrom(p.Name)
	return nil
}

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

func add(_ context.Context, _ *catalog.Sub, p addParams) map[string]int {
	return map[string]int{"result": p.A + p.B}
}

// tick increments the "count" key of a session state and reports the new
// value.
func tick(state func(*catalog.Sub) *cablerpc.State) func(context.Context, *catalog.Sub) (map[string]int, error) {
	return func(_ context.Context, sub *catalog.Sub) (map[string]int, error) {
		st := state(sub)
		n := 0
		if v, ok := st.Get("count"); ok {
			var err error
			n, err = strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid count %q: %w", v, err)
			}
		}
		n++
		st.Set("count", strconv.Itoa(n))
		return map[string]int{"count": n}, nil
	}
}

// Local is a WS-RPC client connected to an in-memory edge, suitable for
// testing.
type Local struct {
	Edge   *wsrpc.Caller
	Client *wsrpc.Client
}

// NewLocal starts a client that executes calls with disp, connected to an
// in-memory edge. It blocks until the client has connected or ctx ends.
func NewLocal(ctx context.Context, disp *cablerpc.Dispatcher, opts *wsrpc.Options) (*Local, error) {
	a, b := channel.Direct()
	edge := wsrpc.NewCaller().Start(a)
	var dialed bool
	dial := channel.DialFunc(func(ctx context.Context) (channel.Conn, error) {
		if dialed {
			return nil, errors.New("local connection already used")
		}
		dialed = true
		return b, nil
	})
	disp.Freeze()
	cli := wsrpc.NewClient(dial, disp, opts).Start(ctx)
	select {
	case <-ctx.Done():
		cli.Stop()
		edge.Stop()
		return nil, ctx.Err()
	case <-edge.Ready():
		return &Local{Edge: edge, Client: cli}, nil
	}
}

// Stop shuts down both sides and blocks until both have exited.
func (p *Local) Stop() error {
	cerr := p.Client.Stop()
	eerr := p.Edge.Stop()
	return errors.Join(cerr, eerr)
}
