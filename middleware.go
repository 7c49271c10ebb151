// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/juju/loggo"
)

// A Notifier receives errors contained by the Exceptions middleware.
type Notifier interface {
	Notify(ctx context.Context, err error, m Method, req Request) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, err error, m Method, req Request) error

// Notify implements the Notifier interface.
func (f NotifierFunc) Notify(ctx context.Context, err error, m Method, req Request) error {
	return f(ctx, err, m, req)
}

// Notifiers combines ns into a single Notifier that calls each in order.
// All the notifiers are called even if some fail; the result joins their
// errors.
func Notifiers(ns ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, err error, m Method, req Request) error {
		var errs []error
		for _, n := range ns {
			errs = append(errs, n.Notify(ctx, err, m, req))
		}
		return errors.Join(errs...)
	})
}

// Exceptions returns a middleware that contains errors and panics from the
// rest of the chain. A failed call is converted into a response of the
// matching type with status ERROR and the text of the error, and the error
// is passed to n if it is not nil. Failures of n are logged and otherwise
// ignored.
func Exceptions(n Notifier, log loggo.Logger) Middleware {
	return func(ctx context.Context, call *Call, next Handler) (Response, error) {
		rsp, err := func() (_ Response, err error) {
			defer func() {
				if x := recover(); x != nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return next(ctx, call)
		}()
		if err == nil && rsp == nil {
			err = fmt.Errorf("no response for %s", call.Method())
		}
		if err == nil {
			return rsp, nil
		}
		log.Errorf("%s failed: %v", call.Method(), err)
		notify(ctx, n, log, err, call)
		return ErrorResponse(call.Method(), err.Error()), nil
	}
}

func notify(ctx context.Context, n Notifier, log loggo.Logger, err error, call *Call) {
	if n == nil {
		return
	}
	defer func() {
		if x := recover(); x != nil {
			log.Warningf("exception notifier panicked: %v", x)
		}
	}()
	if nerr := n.Notify(ctx, err, call.Method(), call.Request); nerr != nil {
		log.Warningf("exception notifier failed: %v", nerr)
	}
}

// VersionMetaKey is the call metadata key that lists the protocol versions
// supported by the caller, separated by commas.
const VersionMetaKey = "protov"

// SupportsVersion reports whether the comma-separated version list protov
// includes version.
func SupportsVersion(protov, version string) bool {
	vs := strings.Split(protov, ",")
	for i, v := range vs {
		vs[i] = strings.TrimSpace(v)
	}
	return slices.Contains(vs, version)
}

// CheckVersion returns a middleware that rejects calls whose metadata do not
// declare support for version. A rejected call reports a *VersionError and
// is not passed to the rest of the chain.
func CheckVersion(version string) Middleware {
	return func(ctx context.Context, call *Call, next Handler) (Response, error) {
		protov := call.Meta[VersionMetaKey]
		if !SupportsVersion(protov, version) {
			return nil, &VersionError{Server: version, Client: protov}
		}
		return next(ctx, call)
	}
}

// SIDMetaKey is the call metadata key that carries the edge session ID.
const SIDMetaKey = "sid"

// EnvSID returns a middleware that copies the session ID from the call
// metadata into the request environment.
func EnvSID() Middleware {
	return func(ctx context.Context, call *Call, next Handler) (Response, error) {
		if sid := call.Meta[SIDMetaKey]; sid != "" {
			if env := call.Env(); env != nil {
				env.SID = sid
			}
		}
		return next(ctx, call)
	}
}
