// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package wsrpc implements the WS-RPC transport, which carries many
// concurrent RPC calls over one persistent websocket connection.
//
// The worker dials the edge server, so the roles are reversed from a
// typical RPC: the edge sends calls and the worker replies. The messages
// are JSON envelopes of four kinds:
//
//	{"type":"connect"}
//	{"type":"disconnect","reason":"...","reconnect":true}
//	{"type":"command","command":"connect","payload":"...","call_id":"...","meta":{...}}
//	{"payload":"...","call_id":"..."}
//
// A [Client] sends a connect envelope when its connection opens, and the
// edge replies with a connect envelope once it accepts the client. The edge
// then sends command envelopes, and the client answers each with exactly
// one response envelope carrying the same call ID. The payload of a command
// is the JSON encoding of a cablerpc request; the payload of a response is
// the JSON encoding of the matching response.
//
// A [Server] runs a pool of clients against the same edge.
//
// The edge side of the protocol is implemented by [Caller], which issues
// calls over a connection and matches responses to them. An [Edge] accepts
// client connections over websocket and serves each with a Caller.
package wsrpc
