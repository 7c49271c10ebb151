// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import (
	"errors"
	"fmt"
)

var (
	// ErrChainFrozen is reported by Chain.Use after the chain is frozen.
	ErrChainFrozen = errors.New("cannot modify middlewares after server started")

	// ErrUnknownCommand is reported for a channel command the application
	// does not recognize.
	ErrUnknownCommand = errors.New("unknown command")
)

// ProtocolVersion is the version of the RPC protocol implemented by this
// package.
const ProtocolVersion = "v1"

// VersionError reports that the caller does not support the protocol
// version of the server.
type VersionError struct {
	Server string // the version of the server
	Client string // the versions declared by the client, "" if none
}

func (v *VersionError) Error() string {
	client := v.Client
	if client == "" {
		client = "unknown"
	}
	return fmt.Sprintf("Incompatible RPC client.\nCurrent server version: %s.\nClient supported versions: %s.",
		v.Server, client)
}

// UnknownCommand returns an error wrapping ErrUnknownCommand for the named
// command.
func UnknownCommand(name string) error { return fmt.Errorf("%w: %s", ErrUnknownCommand, name) }
