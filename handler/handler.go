// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the catalog.Action type for functions
// with other signatures.
//
// Parameters are decoded from the message data. A parameter may be
// []byte or string to receive the raw message, or a type whose pointer
// implements encoding.TextUnmarshaler; any other type is decoded as JSON.
//
// Results are transmitted to the client. A result may be []byte or string
// (or a pointer to these) to transmit it verbatim; any other value is
// encoded as JSON. A nil pointer result transmits nothing.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"encoding/json"
	"fmt"

	"github.com/creachadair/cablerpc/catalog"
)

// dataContextKey is a context key for the message data passed to an action.
type dataContextKey struct{}

// ContextData returns the original message data passed to the action, or nil
// if ctx has no associated message.  The context passed to an action
// returned by this package will have this value.
func ContextData(ctx context.Context) json.RawMessage {
	if v := ctx.Value(dataContextKey{}); v != nil {
		return v.(json.RawMessage)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a catalog.Action.
func ParamResultError[P, R any](f func(context.Context, *catalog.Sub, P) (R, error)) catalog.Action {
	return func(ctx context.Context, sub *catalog.Sub, data json.RawMessage) error {
		var p P
		if err := unmarshal(data, &p); err != nil {
			return err
		}
		r, err := f(context.WithValue(ctx, dataContextKey{}, data), sub, p)
		if err != nil {
			return err
		}
		return send(sub, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R, to a catalog.Action.
func ParamResult[P, R any](f func(context.Context, *catalog.Sub, P) R) catalog.Action {
	return func(ctx context.Context, sub *catalog.Sub, data json.RawMessage) error {
		var p P
		if err := unmarshal(data, &p); err != nil {
			return err
		}
		return send(sub, f(context.WithValue(ctx, dataContextKey{}, data), sub, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a catalog.Action.
func ParamError[P any](f func(context.Context, *catalog.Sub, P) error) catalog.Action {
	return func(ctx context.Context, sub *catalog.Sub, data json.RawMessage) error {
		var p P
		if err := unmarshal(data, &p); err != nil {
			return err
		}
		return f(context.WithValue(ctx, dataContextKey{}, data), sub, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a catalog.Action.
func ResultError[R any](f func(context.Context, *catalog.Sub) (R, error)) catalog.Action {
	return func(ctx context.Context, sub *catalog.Sub, data json.RawMessage) error {
		r, err := f(context.WithValue(ctx, dataContextKey{}, data), sub)
		if err != nil {
			return err
		}
		return send(sub, r)
	}
}

// unmarshal decodes data into v.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case *json.RawMessage:
		*t = bytes.Clone(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %T: %w", v, err)
		}
	}
	return nil
}

// send transmits v to the subscriber.
func send(sub *catalog.Sub, v any) error {
	switch t := v.(type) {
	case []byte:
		sub.Transmit(string(t))
	case *[]byte:
		if t != nil {
			sub.Transmit(string(*t))
		}
	case string:
		sub.Transmit(t)
	case *string:
		if t != nil {
			sub.Transmit(*t)
		}
	default:
		return sub.Send(v)
	}
	return nil
}
