// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// An Application implements the connection and channel logic executed on
// behalf of the edge server. The Dispatcher calls its methods with a fresh
// Session for every call; no state survives between calls except what the
// application stores in the session state or identifiers.
//
// Any error or panic from a method is reported to the edge server as a
// response with status ERROR.
type Application interface {
	// Open is called when a client connects. To reject the connection, the
	// application calls Close on the session, optionally after transmitting
	// a notice to the client.
	Open(ctx context.Context, s *Session) error

	// Close is called when a client connection has been closed, with the
	// channel identifiers the client was subscribed to. It reports whether
	// the disconnect was handled.
	Close(ctx context.Context, s *Session, subscriptions []string) (bool, error)

	// Command is called for each channel command issued by a client.  It
	// reports true if the command was handled, or false if it was declined
	// (for example, a rejected subscription).
	Command(ctx context.Context, s *Session, identifier, command, data string) (bool, error)
}

// A Session is the view of one client connection given to an Application
// during a single call. It embeds the Socket that records side effects.
type Session struct {
	*Socket

	Env    *Env   // the request environment; do not modify
	CState *State // connection state
	IState *State // channel state

	// Identifiers identify the connection. They are set by Open and are
	// restored from the request for later calls.
	Identifiers map[string]any
}

// NewSession constructs a session for the given environment, with its state
// hydrated from the snapshots in env. If identifiers is not empty, it must be
// a JSON object that populates the session identifiers.
func NewSession(env *Env, identifiers string) (*Session, error) {
	if env == nil {
		env = new(Env)
	}
	s := &Session{
		Socket:      new(Socket),
		Env:         env,
		CState:      NewState(env.CState),
		IState:      NewState(env.IState),
		Identifiers: make(map[string]any),
	}
	if identifiers != "" {
		if err := json.Unmarshal([]byte(identifiers), &s.Identifiers); err != nil {
			return nil, fmt.Errorf("invalid connection identifiers: %w", err)
		} else if s.Identifiers == nil {
			s.Identifiers = make(map[string]any) // e.g., "null"
		}
	}
	return s, nil
}

// Identify sets the identifier key to value.
func (s *Session) Identify(key string, value any) { s.Identifiers[key] = value }

// Identifier returns the string value of the identifier key, or "".
func (s *Session) Identifier(key string) string {
	switch v := s.Identifiers[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (s *Session) identifiersJSON() (string, error) {
	if len(s.Identifiers) == 0 {
		return "", nil
	}
	bits, err := json.Marshal(s.Identifiers)
	if err != nil {
		return "", fmt.Errorf("encode identifiers: %w", err)
	}
	return string(bits), nil
}

func (s *Session) envResponse() *EnvResponse {
	cs, is := s.CState.Changed(), s.IState.Changed()
	if cs == nil && is == nil {
		return nil
	}
	return &EnvResponse{CState: cs, IState: is}
}
