// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cabletest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/cabletest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestApp(t *testing.T) {
	app := cabletest.NewApp("")
	ctx := context.Background()

	newSession := func(url, cookie string) *cablerpc.Session {
		s, err := cablerpc.NewSession(&cablerpc.Env{
			URL:     url,
			Headers: map[string]string{"Cookie": cookie},
		}, "")
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		return s
	}

	t.Run("Open", func(t *testing.T) {
		s := newSession("ws://example.io/cable", "theme=dark; username=alice")
		if err := app.Open(ctx, s); err != nil {
			t.Fatalf("Open: unexpected error: %v", err)
		}
		if s.Closed() {
			t.Error("Open closed an authenticated session")
		}
		want := map[string]any{"current_user": "alice", "path": "/cable"}
		if diff := cmp.Diff(want, s.Identifiers); diff != "" {
			t.Errorf("Identifiers (-want, +got):\n%s", diff)
		}
	})

	t.Run("Unauthenticated", func(t *testing.T) {
		s := newSession("ws://example.io/cable", "theme=dark")
		if err := app.Open(ctx, s); err != nil {
			t.Fatalf("Open: unexpected error: %v", err)
		}
		if !s.Closed() {
			t.Error("Open did not close an unauthenticated session")
		}
	})

	t.Run("Raise", func(t *testing.T) {
		s := newSession("ws://example.io/cable?raise=yes", "username=alice")
		if err := app.Open(ctx, s); !errors.Is(err, cabletest.ErrRaised) {
			t.Errorf("Open: got %v, want %v", err, cabletest.ErrRaised)
		}
	})

	t.Run("Events", func(t *testing.T) {
		s, err := cablerpc.NewSession(nil, `{"current_user":"john"}`)
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		const id = `{"channel":"test_subscribe"}`
		if ok, err := app.Command(ctx, s, id, "subscribe", ""); !ok || err != nil {
			t.Fatalf("Subscribe: got %v, %v; want true, nil", ok, err)
		}
		if ok, err := app.Close(ctx, s, []string{id}); !ok || err != nil {
			t.Fatalf("Close: got %v, %v; want true, nil", ok, err)
		}
		want := []cabletest.Event{
			{Type: "subscribe", User: "john", Identifier: id},
			{Type: "unsubscribe", User: "john", Identifier: id},
		}
		if diff := cmp.Diff(want, app.Events()); diff != "" {
			t.Errorf("Events (-want, +got):\n%s", diff)
		}
	})
}

func TestLocal(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	disp := cablerpc.NewDispatcher(cabletest.NewApp(""), nil)
	loc, err := cabletest.NewLocal(ctx, disp, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if err := disp.Use(cablerpc.EnvSID()); !errors.Is(err, cablerpc.ErrChainFrozen) {
		t.Errorf("Use after NewLocal: got %v, want %v", err, cablerpc.ErrChainFrozen)
	}

	rsp, err := loc.Edge.Call(ctx, &cablerpc.DisconnectRequest{}, nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if st, msg := rsp.Result(); st != cablerpc.StatusSuccess {
		t.Errorf("Disconnect: got %v %q, want SUCCESS", st, msg)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}

	// Calls after stopping fail.
	if _, err := loc.Edge.Call(ctx, &cablerpc.DisconnectRequest{}, nil); err == nil {
		t.Error("Call after Stop: got nil error")
	}
}
