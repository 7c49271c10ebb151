// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wsrpc

import (
	"encoding/json"
	"fmt"

	"github.com/creachadair/cablerpc"
)

// Envelope types.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeCommand    = "command"
)

// Disconnect reasons with defined meanings.
const (
	ReasonUnauthorized  = "unauthorized"
	ReasonServerRestart = "server_restart"
	ReasonShutdown      = "shutdown"
)

// An Envelope is a single WS-RPC message. A response has an empty Type.
type Envelope struct {
	Type      string        `json:"type,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Reconnect bool          `json:"reconnect,omitempty"`
	Command   string        `json:"command,omitempty"`
	Payload   string        `json:"payload,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Meta      cablerpc.Meta `json:"meta,omitempty"`
}

// IsResponse reports whether e is a call response.
func (e *Envelope) IsResponse() bool { return e.Type == "" && e.CallID != "" }

func (e *Envelope) String() string {
	switch e.Type {
	case TypeDisconnect:
		return fmt.Sprintf("disconnect(%q, reconnect=%v)", e.Reason, e.Reconnect)
	case TypeCommand:
		return fmt.Sprintf("command(%s, id=%q)", e.Command, e.CallID)
	case "":
		return fmt.Sprintf("response(id=%q)", e.CallID)
	}
	return e.Type
}

// Encode encodes e in its wire format.
func (e *Envelope) Encode() []byte {
	bits, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("encode envelope: %v", err)) // cannot happen for this type
	}
	return bits
}

// Decode decodes data as an Envelope.
func (e *Envelope) Decode(data []byte) error {
	*e = Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}

// ConnectEnvelope returns a connect envelope.
func ConnectEnvelope() *Envelope { return &Envelope{Type: TypeConnect} }

// DisconnectEnvelope returns a disconnect envelope with the given reason.
func DisconnectEnvelope(reason string, reconnect bool) *Envelope {
	return &Envelope{Type: TypeDisconnect, Reason: reason, Reconnect: reconnect}
}

// CommandEnvelope returns a command envelope carrying req under callID.
func CommandEnvelope(callID string, req cablerpc.Request, meta cablerpc.Meta) (*Envelope, error) {
	bits, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Method(), err)
	}
	return &Envelope{
		Type:    TypeCommand,
		Command: string(req.Method()),
		Payload: string(bits),
		CallID:  callID,
		Meta:    meta,
	}, nil
}

// ResponseEnvelope returns a response envelope carrying rsp under callID.
func ResponseEnvelope(callID string, rsp cablerpc.Response) (*Envelope, error) {
	bits, err := json.Marshal(rsp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return &Envelope{Payload: string(bits), CallID: callID}, nil
}

// Request decodes the request carried by a command envelope.
func (e *Envelope) Request() (cablerpc.Request, error) {
	m, err := cablerpc.ParseMethod(e.Command)
	if err != nil {
		return nil, err
	}
	req, _ := cablerpc.NewRequest(m)
	if err := json.Unmarshal([]byte(e.Payload), req); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", m, err)
	}
	return req, nil
}

// DecodeResponse decodes the payload of a response envelope into rsp.
func (e *Envelope) DecodeResponse(rsp cablerpc.Response) error {
	if err := json.Unmarshal([]byte(e.Payload), rsp); err != nil {
		return fmt.Errorf("invalid response payload: %w", err)
	}
	return nil
}
