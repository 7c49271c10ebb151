// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import (
	"context"
	"fmt"

	"github.com/creachadair/mds/value"
	"github.com/juju/loggo"
)

// Options are optional settings for a Dispatcher. A nil *Options is ready
// for use and provides default values as described.
type Options struct {
	// Logger is used for diagnostic output. If zero, nothing is logged.
	Logger loggo.Logger

	// Notifier, if set, receives errors contained by the dispatcher.
	Notifier Notifier

	// Metrics, if set, records the outcome of each call.
	Metrics *Metrics
}

func (o *Options) logger() loggo.Logger {
	if o == nil || o.Logger == (loggo.Logger{}) {
		return Discard()
	}
	return o.Logger
}

func (o *Options) notifier() Notifier {
	if o == nil {
		return nil
	}
	return o.Notifier
}

func (o *Options) metrics() *Metrics {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// Discard returns a logger that writes nothing.
func Discard() loggo.Logger {
	return loggo.NewContext(loggo.CRITICAL).GetLogger("cablerpc")
}

// A Dispatcher executes RPC calls against an Application.
//
// Every call passes through a chain of middleware before it reaches the
// application. The outermost middleware contains errors and panics, so the
// Connect, Disconnect, Command and Call methods always return a response
// and never report an error. Additional middleware added with Use run
// inside containment, in the order they were added.
//
// Call Freeze before serving concurrent requests. The methods of a frozen
// Dispatcher are safe for concurrent use by multiple goroutines.
type Dispatcher struct {
	app   Application
	chain Chain
	log   loggo.Logger
}

// NewDispatcher constructs a Dispatcher that delivers calls to app.
func NewDispatcher(app Application, opts *Options) *Dispatcher {
	d := &Dispatcher{app: app, log: opts.logger()}
	if m := opts.metrics(); m != nil {
		d.chain.Use(m.Middleware())
	}
	d.chain.Use(Exceptions(opts.notifier(), d.log))
	return d
}

// Use adds mw to the middleware chain of d. It reports ErrChainFrozen if d
// has been frozen.
func (d *Dispatcher) Use(mw Middleware) error { return d.chain.Use(mw) }

// Freeze prevents further changes to the middleware chain of d.
func (d *Dispatcher) Freeze() { d.chain.Freeze() }

// Logger returns the logger used by d.
func (d *Dispatcher) Logger() loggo.Logger { return d.log }

// Call executes call and returns its response. The concrete type of the
// response matches the method of the request.
func (d *Dispatcher) Call(ctx context.Context, call *Call) Response {
	if call.Meta == nil {
		call.Meta = make(Meta)
	}
	rsp, err := d.chain.Call(ctx, call, d.exec)
	if err != nil {
		// Only reachable if a middleware outside containment fails.
		d.log.Errorf("%s failed outside containment: %v", call.Method(), err)
		return ErrorResponse(call.Method(), err.Error())
	}
	return rsp
}

// Connect handles a connection request.
func (d *Dispatcher) Connect(ctx context.Context, req *ConnectionRequest, meta Meta) *ConnectionResponse {
	return responseAs[*ConnectionResponse](d.Call(ctx, &Call{Request: req, Meta: meta}), MethodConnect)
}

// Disconnect handles a disconnect request.
func (d *Dispatcher) Disconnect(ctx context.Context, req *DisconnectRequest, meta Meta) *DisconnectResponse {
	return responseAs[*DisconnectResponse](d.Call(ctx, &Call{Request: req, Meta: meta}), MethodDisconnect)
}

// Command handles a channel command.
func (d *Dispatcher) Command(ctx context.Context, msg *CommandMessage, meta Meta) *CommandResponse {
	return responseAs[*CommandResponse](d.Call(ctx, &Call{Request: msg, Meta: meta}), MethodCommand)
}

// responseAs converts rsp to type T. If a middleware returned a response of
// the wrong type, it is replaced by an error response.
func responseAs[T Response](rsp Response, m Method) T {
	if v, ok := rsp.(T); ok {
		return v
	}
	return ErrorResponse(m, fmt.Sprintf("invalid response type %T for %s", rsp, m)).(T)
}

// exec is the innermost handler of the chain.
func (d *Dispatcher) exec(ctx context.Context, call *Call) (Response, error) {
	switch req := call.Request.(type) {
	case *ConnectionRequest:
		return d.connect(ctx, req)
	case *DisconnectRequest:
		return d.disconnect(ctx, req)
	case *CommandMessage:
		return d.command(ctx, req)
	default:
		return nil, fmt.Errorf("unknown request type %T", call.Request)
	}
}

func (d *Dispatcher) connect(ctx context.Context, req *ConnectionRequest) (Response, error) {
	s, err := NewSession(req.Env, "")
	if err != nil {
		return nil, err
	}
	if err := d.app.Open(ctx, s); err != nil {
		return nil, err
	}
	if s.Closed() {
		d.log.Debugf("connect declined: %s", s.Env.URL)
		return &ConnectionResponse{
			Status:        StatusFailure,
			Transmissions: s.Transmissions(),
			Env:           s.envResponse(),
		}, nil
	}
	ids, err := s.identifiersJSON()
	if err != nil {
		return nil, err
	}
	return &ConnectionResponse{
		Status:        StatusSuccess,
		Identifiers:   ids,
		Transmissions: s.Transmissions(),
		Env:           s.envResponse(),
	}, nil
}

func (d *Dispatcher) disconnect(ctx context.Context, req *DisconnectRequest) (Response, error) {
	s, err := NewSession(req.Env, req.Identifiers)
	if err != nil {
		return nil, err
	}
	ok, err := d.app.Close(ctx, s, req.Subscriptions)
	if err != nil {
		return nil, err
	}
	return &DisconnectResponse{Status: value.Cond(ok, StatusSuccess, StatusFailure)}, nil
}

func (d *Dispatcher) command(ctx context.Context, msg *CommandMessage) (Response, error) {
	s, err := NewSession(msg.Env, msg.ConnectionIdentifiers)
	if err != nil {
		return nil, err
	}
	ok, err := d.app.Command(ctx, s, msg.Identifier, msg.Command, msg.Data)
	if err != nil {
		return nil, err
	}
	if !ok {
		d.log.Debugf("command %q declined for %s", msg.Command, msg.Identifier)
	}
	rsp := &CommandResponse{
		Status:      value.Cond(ok, StatusSuccess, StatusFailure),
		Disconnect:  s.Closed(),
		StopStreams: s.StopAll(),
		Env:         s.envResponse(),
	}
	if !s.Closed() {
		rsp.Transmissions = s.Transmissions()
		rsp.Streams, rsp.StoppedStreams = s.Streams()
	}
	return rsp, nil
}
