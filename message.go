// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the outcome of an RPC call as reported to the edge server.
type Status int32

// Status values, matching the wire enumeration.
const (
	StatusError   Status = 0 // an exception was caught while handling the call
	StatusSuccess Status = 1 // the call was handled
	StatusFailure Status = 2 // the application declined the call
)

var statusStr = [...]string{
	StatusError:   "ERROR",
	StatusSuccess: "SUCCESS",
	StatusFailure: "FAILURE",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusStr) {
		return statusStr[s]
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// Method names the kind of an RPC call.
type Method string

// The methods of the RPC protocol.
const (
	MethodConnect    Method = "connect"
	MethodDisconnect Method = "disconnect"
	MethodCommand    Method = "command"
)

// ParseMethod reports the Method named by s, or an error.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodConnect, MethodDisconnect, MethodCommand:
		return m, nil
	}
	return "", fmt.Errorf("unknown method %q", s)
}

// Env is the request context sent by the edge server with every call.
// Transports construct an Env from the wire message and it is not modified
// afterward, except by middleware before dispatch.
type Env struct {
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	CState  map[string]string `json:"cstate,omitempty"`
	IState  map[string]string `json:"istate,omitempty"`
	SID     string            `json:"sid,omitempty"`
}

// Header returns the value of the named header, ignoring case.
func (e *Env) Header(name string) string {
	if e == nil {
		return ""
	}
	if v, ok := e.Headers[name]; ok {
		return v
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// EnvResponse carries the state changed during a call back to the edge.
type EnvResponse struct {
	CState map[string]string `json:"cstate,omitempty"`
	IState map[string]string `json:"istate,omitempty"`
}

// ConnectionRequest is sent when a client opens a connection.
type ConnectionRequest struct {
	Env *Env `json:"env,omitempty"`
}

// ConnectionResponse is the reply to a ConnectionRequest.
type ConnectionResponse struct {
	Status        Status       `json:"status"`
	Identifiers   string       `json:"identifiers,omitempty"`
	Transmissions []string     `json:"transmissions,omitempty"`
	ErrorMsg      string       `json:"error_msg,omitempty"`
	Env           *EnvResponse `json:"env,omitempty"`
}

// DisconnectRequest is sent when a client connection is closed.
type DisconnectRequest struct {
	Identifiers   string   `json:"identifiers,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	Env           *Env     `json:"env,omitempty"`
}

// DisconnectResponse is the reply to a DisconnectRequest.
type DisconnectResponse struct {
	Status   Status `json:"status"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// CommandMessage is sent for each channel command issued by a client.
type CommandMessage struct {
	Command               string `json:"command,omitempty"`
	Identifier            string `json:"identifier,omitempty"`
	ConnectionIdentifiers string `json:"connection_identifiers,omitempty"`
	Data                  string `json:"data,omitempty"`
	Env                   *Env   `json:"env,omitempty"`
}

// CommandResponse is the reply to a CommandMessage.
type CommandResponse struct {
	Status         Status       `json:"status"`
	Disconnect     bool         `json:"disconnect,omitempty"`
	StopStreams    bool         `json:"stop_streams,omitempty"`
	Streams        []string     `json:"streams,omitempty"`
	Transmissions  []string     `json:"transmissions,omitempty"`
	ErrorMsg       string       `json:"error_msg,omitempty"`
	Env            *EnvResponse `json:"env,omitempty"`
	StoppedStreams []string     `json:"stopped_streams,omitempty"`
}

// A Request is one of *ConnectionRequest, *DisconnectRequest, or
// *CommandMessage.
type Request interface {
	Method() Method
	env() *Env
}

func (*ConnectionRequest) Method() Method { return MethodConnect }
func (*DisconnectRequest) Method() Method { return MethodDisconnect }
func (*CommandMessage) Method() Method    { return MethodCommand }

func (r *ConnectionRequest) env() *Env { return r.Env }
func (r *DisconnectRequest) env() *Env { return r.Env }
func (r *CommandMessage) env() *Env    { return r.Env }

// A Response is one of *ConnectionResponse, *DisconnectResponse, or
// *CommandResponse.
type Response interface {
	Result() (Status, string)
}

// Result reports the status and error message of r.
func (r *ConnectionResponse) Result() (Status, string) { return r.Status, r.ErrorMsg }

// Result reports the status and error message of r.
func (r *DisconnectResponse) Result() (Status, string) { return r.Status, r.ErrorMsg }

// Result reports the status and error message of r.
func (r *CommandResponse) Result() (Status, string) { return r.Status, r.ErrorMsg }

// NewRequest returns a new empty request value for the given method.
func NewRequest(m Method) (Request, error) {
	switch m {
	case MethodConnect:
		return new(ConnectionRequest), nil
	case MethodDisconnect:
		return new(DisconnectRequest), nil
	case MethodCommand:
		return new(CommandMessage), nil
	}
	return nil, fmt.Errorf("unknown method %q", m)
}

// ErrorResponse constructs a response for method m with status ERROR and the
// given message.
func ErrorResponse(m Method, msg string) Response {
	switch m {
	case MethodConnect:
		return &ConnectionResponse{Status: StatusError, ErrorMsg: msg}
	case MethodDisconnect:
		return &DisconnectResponse{Status: StatusError, ErrorMsg: msg}
	default:
		return &CommandResponse{Status: StatusError, ErrorMsg: msg}
	}
}

// Meta carries call metadata supplied by the transport, such as the
// protocol versions supported by the caller.
type Meta map[string]string

// A Call is a single RPC invocation flowing through the middleware chain.
type Call struct {
	Request Request
	Meta    Meta
}

// Method reports the method of the call request.
func (c *Call) Method() Method { return c.Request.Method() }

// Env returns the request environment of c, or nil.
func (c *Call) Env() *Env { return c.Request.env() }
