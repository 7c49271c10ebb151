// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/cablerpc"
	"github.com/creachadair/cablerpc/cabletest"
	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/juju/loggo"
)

// testApp is a cablerpc.Application whose methods are provided by functions.
// A nil function succeeds without effect.
type testApp struct {
	open    func(context.Context, *cablerpc.Session) error
	close   func(context.Context, *cablerpc.Session, []string) (bool, error)
	command func(context.Context, *cablerpc.Session, string, string, string) (bool, error)
}

func (a testApp) Open(ctx context.Context, s *cablerpc.Session) error {
	if a.open == nil {
		return nil
	}
	return a.open(ctx, s)
}

func (a testApp) Close(ctx context.Context, s *cablerpc.Session, subs []string) (bool, error) {
	if a.close == nil {
		return true, nil
	}
	return a.close(ctx, s, subs)
}

func (a testApp) Command(ctx context.Context, s *cablerpc.Session, id, cmd, data string) (bool, error) {
	if a.command == nil {
		return true, nil
	}
	return a.command(ctx, s, id, cmd, data)
}

func reply(t *testing.T, identifier, mtype string) string {
	t.Helper()
	bits, err := json.Marshal(map[string]string{"identifier": identifier, "type": mtype})
	if err != nil {
		t.Fatalf("Marshal reply: %v", err)
	}
	return string(bits)
}

func johnEnv(url string) *cablerpc.Env {
	return &cablerpc.Env{URL: url, Headers: map[string]string{"cookie": "username=john;"}}
}

var ignoreEmpty = cmpopts.EquateEmpty()

func TestConnect(t *testing.T) {
	disp := cablerpc.NewDispatcher(cabletest.NewApp(""), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		env  *cablerpc.Env
		want *cablerpc.ConnectionResponse
	}{
		{"Welcome", johnEnv("http://example.io/cable?token=abc"), &cablerpc.ConnectionResponse{
			Status:        cablerpc.StatusSuccess,
			Identifiers:   `{"current_user":"john","path":"/cable","token":"abc"}`,
			Transmissions: []string{`{"type":"welcome"}`},
		}},
		{"HeaderToken", &cablerpc.Env{
			URL: "http://example.io/cable",
			Headers: map[string]string{
				"cookie":      "username=jane",
				"x-api-token": "xyz",
				"REMOTE_ADDR": "10.0.0.1",
			},
		}, &cablerpc.ConnectionResponse{
			Status:        cablerpc.StatusSuccess,
			Identifiers:   `{"current_user":"jane","ip":"10.0.0.1","path":"/cable","token":"xyz"}`,
			Transmissions: []string{`{"type":"welcome"}`},
		}},
		{"Unauthorized", &cablerpc.Env{URL: "http://example.io/cable"}, &cablerpc.ConnectionResponse{
			Status:        cablerpc.StatusFailure,
			Transmissions: []string{`{"type":"disconnect","reason":"unauthorized"}`},
		}},
		{"Raise", johnEnv("http://example.io/cable?raise=1"), &cablerpc.ConnectionResponse{
			Status:   cablerpc.StatusError,
			ErrorMsg: cabletest.ErrRaised.Error(),
		}},
		{"NilEnv", nil, &cablerpc.ConnectionResponse{
			Status:        cablerpc.StatusFailure,
			Transmissions: []string{`{"type":"disconnect","reason":"unauthorized"}`},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := disp.Connect(ctx, &cablerpc.ConnectionRequest{Env: tc.env}, nil)
			if diff := cmp.Diff(tc.want, got, ignoreEmpty); diff != "" {
				t.Errorf("Connect (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestCommand(t *testing.T) {
	app := cabletest.NewApp("")
	disp := cablerpc.NewDispatcher(app, nil)
	ctx := context.Background()

	const echoID = `{"channel":"echo"}`
	const gateID = `{"channel":"test_subscribe"}`
	signed := app.Signer().Sign("secret_stream")
	signedID := `{"channel":"echo","signed_stream_name":"` + signed + `"}`

	tests := []struct {
		name string
		msg  *cablerpc.CommandMessage
		want *cablerpc.CommandResponse
	}{
		{"SubscribeJohn", &cablerpc.CommandMessage{
			Command:               "subscribe",
			Identifier:            gateID,
			ConnectionIdentifiers: `{"current_user":"john"}`,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusSuccess,
			Streams:       []string{"test"},
			Transmissions: []string{reply(t, gateID, "confirm_subscription")},
		}},
		{"SubscribeReject", &cablerpc.CommandMessage{
			Command:               "subscribe",
			Identifier:            gateID,
			ConnectionIdentifiers: `{"current_user":"jane"}`,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusFailure,
			Transmissions: []string{reply(t, gateID, "reject_subscription")},
		}},
		{"SubscribeSigned", &cablerpc.CommandMessage{
			Command:    "subscribe",
			Identifier: signedID,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusSuccess,
			Streams:       []string{"secret_stream"},
			Transmissions: []string{reply(t, signedID, "confirm_subscription")},
		}},
		{"SubscribeForged", &cablerpc.CommandMessage{
			Command:    "subscribe",
			Identifier: `{"channel":"echo","signed_stream_name":"bogus--00"}`,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusFailure,
			Transmissions: []string{reply(t, `{"channel":"echo","signed_stream_name":"bogus--00"}`, "reject_subscription")},
		}},
		{"Unsubscribe", &cablerpc.CommandMessage{
			Command:    "unsubscribe",
			Identifier: echoID,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusSuccess,
			StopStreams:   true,
			Transmissions: []string{reply(t, echoID, "confirm_unsubscribe")},
		}},
		{"Echo", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"echo","text":"hello"}`,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusSuccess,
			Transmissions: []string{`{"result":{"text":"hello"}}`},
		}},
		{"EchoData", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"echo","data":3}`,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusSuccess,
			Transmissions: []string{`{"result":{"data":3}}`},
		}},
		{"Add", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"add","a":2,"b":3}`,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusSuccess,
			Transmissions: []string{`{"result":5}`},
		}},
		{"Follow", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"follow","stream":"news"}`,
		}, &cablerpc.CommandResponse{
			Status:  cablerpc.StatusSuccess,
			Streams: []string{"news"},
		}},
		{"Unfollow", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"unfollow","stream":"news"}`,
		}, &cablerpc.CommandResponse{
			Status:         cablerpc.StatusSuccess,
			StoppedStreams: []string{"news"},
		}},
		{"Tick", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"tick"}`,
			Env:        &cablerpc.Env{CState: map[string]string{"count": "2", "other": "x"}},
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusSuccess,
			Transmissions: []string{`{"count":3}`},
			Env:           &cablerpc.EnvResponse{CState: map[string]string{"count": "3"}},
		}},
		{"ITick", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"itick"}`,
		}, &cablerpc.CommandResponse{
			Status:        cablerpc.StatusSuccess,
			Transmissions: []string{`{"count":1}`},
			Env:           &cablerpc.EnvResponse{IState: map[string]string{"count": "1"}},
		}},
		{"ActionFailed", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"fail"}`,
		}, &cablerpc.CommandResponse{
			Status:   cablerpc.StatusError,
			ErrorMsg: "action failed",
		}},
		{"UnknownAction", &cablerpc.CommandMessage{
			Command:    "message",
			Identifier: echoID,
			Data:       `{"action":"nonesuch"}`,
		}, &cablerpc.CommandResponse{
			Status:   cablerpc.StatusError,
			ErrorMsg: "unknown action: echo#nonesuch",
		}},
		{"UnknownCommand", &cablerpc.CommandMessage{
			Command:    "bogus",
			Identifier: echoID,
		}, &cablerpc.CommandResponse{
			Status:   cablerpc.StatusError,
			ErrorMsg: "unknown command: bogus",
		}},
		{"UnknownChannel", &cablerpc.CommandMessage{
			Command:    "subscribe",
			Identifier: `{"channel":"nonesuch"}`,
		}, &cablerpc.CommandResponse{
			Status:   cablerpc.StatusError,
			ErrorMsg: "unknown channel: nonesuch",
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := disp.Command(ctx, tc.msg, nil)
			if diff := cmp.Diff(tc.want, got, ignoreEmpty); diff != "" {
				t.Errorf("Command (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	app := cabletest.NewApp("")
	disp := cablerpc.NewDispatcher(app, nil)
	ctx := context.Background()

	got := disp.Disconnect(ctx, &cablerpc.DisconnectRequest{
		Identifiers:   `{"current_user":"john"}`,
		Subscriptions: []string{`{"channel":"test_subscribe"}`, `{"channel":"nonesuch"}`},
	}, nil)
	if got.Status != cablerpc.StatusSuccess {
		t.Errorf("Disconnect: got %v, want SUCCESS", got.Status)
	}
	want := []cabletest.Event{{
		Type:       "unsubscribe",
		User:       "john",
		Identifier: `{"channel":"test_subscribe"}`,
	}}
	if diff := cmp.Diff(want, app.Events()); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}

	t.Run("BadIdentifiers", func(t *testing.T) {
		got := disp.Disconnect(ctx, &cablerpc.DisconnectRequest{Identifiers: "{"}, nil)
		if got.Status != cablerpc.StatusError || !strings.Contains(got.ErrorMsg, "invalid connection identifiers") {
			t.Errorf("Disconnect: got %+v, want invalid identifiers error", got)
		}
	})
	t.Run("Declined", func(t *testing.T) {
		disp := cablerpc.NewDispatcher(testApp{
			close: func(context.Context, *cablerpc.Session, []string) (bool, error) { return false, nil },
		}, nil)
		got := disp.Disconnect(ctx, &cablerpc.DisconnectRequest{}, nil)
		if got.Status != cablerpc.StatusFailure {
			t.Errorf("Disconnect: got %v, want FAILURE", got.Status)
		}
	})
}

func TestClosedSocket(t *testing.T) {
	disp := cablerpc.NewDispatcher(testApp{
		open: func(_ context.Context, s *cablerpc.Session) error {
			s.Transmit("bye")
			s.CState.Set("reason", "closed")
			s.Close()
			s.Transmit("ignored")
			s.Identify("user", "nobody")
			return nil
		},
		command: func(_ context.Context, s *cablerpc.Session, _, _, _ string) (bool, error) {
			s.StreamFrom("a")
			s.Transmit("lost")
			s.Close()
			s.StreamFrom("b")
			return true, nil
		},
	}, nil)
	ctx := context.Background()

	crsp := disp.Connect(ctx, &cablerpc.ConnectionRequest{}, nil)
	if diff := cmp.Diff(&cablerpc.ConnectionResponse{
		Status:        cablerpc.StatusFailure,
		Transmissions: []string{"bye"},
		Env:           &cablerpc.EnvResponse{CState: map[string]string{"reason": "closed"}},
	}, crsp, ignoreEmpty); diff != "" {
		t.Errorf("Connect (-want, +got):\n%s", diff)
	}

	mrsp := disp.Command(ctx, &cablerpc.CommandMessage{Command: "message"}, nil)
	if diff := cmp.Diff(&cablerpc.CommandResponse{
		Status:      cablerpc.StatusSuccess,
		Disconnect:  true,
		StopStreams: true,
	}, mrsp, ignoreEmpty); diff != "" {
		t.Errorf("Command (-want, +got):\n%s", diff)
	}
}

func TestExceptions(t *testing.T) {
	type note struct {
		Err    string
		Method cablerpc.Method
	}
	var notes []note
	recordNote := cablerpc.NotifierFunc(func(_ context.Context, err error, m cablerpc.Method, _ cablerpc.Request) error {
		notes = append(notes, note{err.Error(), m})
		return nil
	})
	failNote := cablerpc.NotifierFunc(func(context.Context, error, cablerpc.Method, cablerpc.Request) error {
		return errors.New("notifier is broken")
	})
	panicNote := cablerpc.NotifierFunc(func(context.Context, error, cablerpc.Method, cablerpc.Request) error {
		panic("notifier panicked")
	})

	tw := new(loggo.TestWriter)
	lctx := loggo.NewContext(loggo.DEBUG)
	lctx.AddWriter("test", tw)

	disp := cablerpc.NewDispatcher(testApp{
		open: func(context.Context, *cablerpc.Session) error { panic("boom") },
		close: func(context.Context, *cablerpc.Session, []string) (bool, error) {
			return false, errors.New("close failed")
		},
	}, &cablerpc.Options{
		Logger:   lctx.GetLogger("test"),
		Notifier: cablerpc.Notifiers(recordNote, failNote, panicNote),
	})
	ctx := context.Background()

	crsp := disp.Connect(ctx, &cablerpc.ConnectionRequest{}, nil)
	if crsp.Status != cablerpc.StatusError || crsp.ErrorMsg != "handler panicked (recovered): boom" {
		t.Errorf("Connect: got %+v, want recovered panic", crsp)
	}
	drsp := disp.Disconnect(ctx, &cablerpc.DisconnectRequest{}, nil)
	if drsp.Status != cablerpc.StatusError || drsp.ErrorMsg != "close failed" {
		t.Errorf("Disconnect: got %+v, want close failed", drsp)
	}

	want := []note{
		{"handler panicked (recovered): boom", cablerpc.MethodConnect},
		{"close failed", cablerpc.MethodDisconnect},
	}
	if diff := cmp.Diff(want, notes); diff != "" {
		t.Errorf("Notes (-want, +got):\n%s", diff)
	}

	var warnings int
	for _, e := range tw.Log() {
		if e.Level == loggo.WARNING {
			warnings++
		}
	}
	if warnings != 2 {
		t.Errorf("Got %d warnings, want 2: %+v", warnings, tw.Log())
	}
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()

	t.Run("Order", func(t *testing.T) {
		var log []string
		disp := cablerpc.NewDispatcher(testApp{
			open: func(context.Context, *cablerpc.Session) error {
				log = append(log, "app")
				return nil
			},
		}, nil)
		for _, tag := range []string{"a", "b", "c"} {
			disp.Use(func(ctx context.Context, call *cablerpc.Call, next cablerpc.Handler) (cablerpc.Response, error) {
				log = append(log, tag)
				return next(ctx, call)
			})
		}
		disp.Connect(ctx, &cablerpc.ConnectionRequest{}, nil)
		if diff := cmp.Diff([]string{"a", "b", "c", "app"}, log); diff != "" {
			t.Errorf("Order (-want, +got):\n%s", diff)
		}
	})

	t.Run("Frozen", func(t *testing.T) {
		disp := cablerpc.NewDispatcher(testApp{}, nil)
		disp.Freeze()
		err := disp.Use(func(ctx context.Context, call *cablerpc.Call, next cablerpc.Handler) (cablerpc.Response, error) {
			return next(ctx, call)
		})
		if !errors.Is(err, cablerpc.ErrChainFrozen) {
			t.Errorf("Use after Freeze: got %v, want %v", err, cablerpc.ErrChainFrozen)
		}

		// A rejected Use leaves the chain unchanged.
		var c cablerpc.Chain
		pass := func(ctx context.Context, call *cablerpc.Call, next cablerpc.Handler) (cablerpc.Response, error) {
			return next(ctx, call)
		}
		if err := c.Use(pass); err != nil {
			t.Fatalf("Use: unexpected error: %v", err)
		}
		if c.Frozen() {
			t.Error("Chain is frozen before Freeze")
		}
		c.Freeze()
		if !c.Frozen() {
			t.Error("Chain is not frozen after Freeze")
		}
		if err := c.Use(pass); !errors.Is(err, cablerpc.ErrChainFrozen) {
			t.Errorf("Chain.Use after Freeze: got %v, want %v", err, cablerpc.ErrChainFrozen)
		}
		if got := c.Len(); got != 1 {
			t.Errorf("Len: got %d, want 1", got)
		}
	})

	t.Run("NilMiddleware", func(t *testing.T) {
		var c cablerpc.Chain
		mtest.MustPanic(t, func() { c.Use(nil) })
	})

	t.Run("ShortCircuit", func(t *testing.T) {
		disp := cablerpc.NewDispatcher(testApp{
			command: func(context.Context, *cablerpc.Session, string, string, string) (bool, error) {
				t.Error("Application should not be called")
				return false, nil
			},
		}, nil)
		disp.Use(func(context.Context, *cablerpc.Call, cablerpc.Handler) (cablerpc.Response, error) {
			return &cablerpc.CommandResponse{Status: cablerpc.StatusSuccess, Transmissions: []string{"short"}}, nil
		})
		got := disp.Command(ctx, &cablerpc.CommandMessage{}, nil)
		if diff := cmp.Diff([]string{"short"}, got.Transmissions); diff != "" {
			t.Errorf("Transmissions (-want, +got):\n%s", diff)
		}
	})

	t.Run("WrongType", func(t *testing.T) {
		disp := cablerpc.NewDispatcher(testApp{}, nil)
		disp.Use(func(context.Context, *cablerpc.Call, cablerpc.Handler) (cablerpc.Response, error) {
			return &cablerpc.DisconnectResponse{Status: cablerpc.StatusSuccess}, nil
		})
		got := disp.Connect(ctx, &cablerpc.ConnectionRequest{}, nil)
		if got.Status != cablerpc.StatusError {
			t.Errorf("Connect: got %v, want ERROR", got.Status)
		}
	})

	t.Run("NilResponse", func(t *testing.T) {
		disp := cablerpc.NewDispatcher(testApp{}, nil)
		disp.Use(func(context.Context, *cablerpc.Call, cablerpc.Handler) (cablerpc.Response, error) {
			return nil, nil
		})
		got := disp.Command(ctx, &cablerpc.CommandMessage{}, nil)
		if got.Status != cablerpc.StatusError || got.ErrorMsg != "no response for command" {
			t.Errorf("Command: got %+v, want no response error", got)
		}
	})
}

func TestCheckVersion(t *testing.T) {
	disp := cablerpc.NewDispatcher(testApp{}, nil)
	disp.Use(cablerpc.CheckVersion("v1"))
	ctx := context.Background()

	tests := []struct {
		protov string
		ok     bool
	}{
		{"v1", true},
		{"v0, v1", true},
		{"v1,v2", true},
		{"v0", false},
		{"", false},
		{"v10", false},
	}
	for _, tc := range tests {
		meta := cablerpc.Meta{}
		if tc.protov != "" {
			meta[cablerpc.VersionMetaKey] = tc.protov
		}
		got := disp.Connect(ctx, &cablerpc.ConnectionRequest{}, meta)
		if tc.ok {
			if got.Status != cablerpc.StatusSuccess {
				t.Errorf("Connect protov=%q: got %+v, want SUCCESS", tc.protov, got)
			}
			continue
		}
		client := tc.protov
		if client == "" {
			client = "unknown"
		}
		want := "Incompatible RPC client.\nCurrent server version: v1.\nClient supported versions: " + client + "."
		if got.Status != cablerpc.StatusError || got.ErrorMsg != want {
			t.Errorf("Connect protov=%q: got %+v, want version error %q", tc.protov, got, want)
		}
	}
}

func TestEnvSID(t *testing.T) {
	var sid string
	disp := cablerpc.NewDispatcher(testApp{
		command: func(_ context.Context, s *cablerpc.Session, _, _, _ string) (bool, error) {
			sid = s.Env.SID
			return true, nil
		},
	}, nil)
	disp.Use(cablerpc.EnvSID())
	ctx := context.Background()

	disp.Command(ctx, &cablerpc.CommandMessage{Env: new(cablerpc.Env)}, cablerpc.Meta{cablerpc.SIDMetaKey: "s-123"})
	if sid != "s-123" {
		t.Errorf("Session ID: got %q, want s-123", sid)
	}

	// A call without an environment still succeeds.
	got := disp.Command(ctx, &cablerpc.CommandMessage{}, cablerpc.Meta{cablerpc.SIDMetaKey: "s-456"})
	if got.Status != cablerpc.StatusSuccess {
		t.Errorf("Command: got %v, want SUCCESS", got.Status)
	}
}

func TestCall(t *testing.T) {
	disp := cablerpc.NewDispatcher(testApp{}, nil)
	ctx := context.Background()

	for _, m := range []cablerpc.Method{cablerpc.MethodConnect, cablerpc.MethodDisconnect, cablerpc.MethodCommand} {
		req, err := cablerpc.NewRequest(m)
		if err != nil {
			t.Fatalf("NewRequest(%q): %v", m, err)
		}
		rsp := disp.Call(ctx, &cablerpc.Call{Request: req})
		if st, msg := rsp.Result(); st != cablerpc.StatusSuccess {
			t.Errorf("Call %s: got %v %q, want SUCCESS", m, st, msg)
		}
	}
	if _, err := cablerpc.NewRequest("bogus"); err == nil {
		t.Error("NewRequest(bogus): got nil error, want error")
	}
}
