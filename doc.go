// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package cablerpc implements a stateless RPC worker for a WebSocket edge
// server.
//
// The edge server owns the client sockets. For every connection lifecycle
// event (open, client command, close) it calls the worker with a snapshot of
// the connection and channel state. The worker runs the application logic
// against the snapshot and replies with the side effects: messages to
// transmit, streams to start and stop, state changes, and whether to close
// the connection. Nothing about a connection persists in the worker between
// calls.
//
// # Dispatch
//
// The core type defined by this package is the [Dispatcher]. A dispatcher
// delivers calls to an [Application]:
//
//	d := cablerpc.NewDispatcher(app, &cablerpc.Options{Logger: log})
//
// Each call receives a fresh [Session], which bundles the [Socket] that
// records side effects with the request [Env] and the [State] containers
// for connection and channel state. Only the keys written during a call are
// reported back to the edge.
//
// # Middleware
//
// Calls pass through a [Chain] of [Middleware] before reaching the
// application. The outermost middleware of a dispatcher contains errors and
// panics, converting them into responses with status ERROR so that no
// application failure crosses the RPC boundary. Other middleware may be
// added before the dispatcher is frozen:
//
//	d.Use(cablerpc.CheckVersion(cablerpc.ProtocolVersion))
//	d.Use(cablerpc.EnvSID())
//	d.Freeze()
//
// # Transports
//
// The wsrpc package carries many correlated calls over one persistent
// websocket connection to the edge. The grpcrpc and httprpc packages expose
// a dispatcher as unary gRPC and HTTP services.
package cablerpc
