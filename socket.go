// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import "slices"

// A Socket records the side effects of a single call: messages to transmit
// to the client, streams to start and stop, and whether the connection
// should be closed. A Socket is created fresh for each call and discarded
// once its response has been built.
//
// Once Close has been called, the socket ignores further changes.
type Socket struct {
	transmissions []string
	start, stop   []string // distinct from each other
	stopAll       bool
	closed        bool
}

// Transmit queues msg to be sent to the client.
func (s *Socket) Transmit(msg string) {
	if s.closed {
		return
	}
	s.transmissions = append(s.transmissions, msg)
}

// StreamFrom subscribes the client to the named stream.
func (s *Socket) StreamFrom(name string) {
	if s.closed {
		return
	}
	s.stop = remove(s.stop, name)
	s.start = insert(s.start, name)
}

// StopStreamFrom unsubscribes the client from the named stream.
func (s *Socket) StopStreamFrom(name string) {
	if s.closed {
		return
	}
	s.start = remove(s.start, name)
	s.stop = insert(s.stop, name)
}

// StopAllStreams requests that all the streams of the current channel be
// stopped.
func (s *Socket) StopAllStreams() {
	if s.closed {
		return
	}
	s.stopAll = true
}

// Close marks the connection to be closed. Stream changes are discarded and
// all streams are stopped. Messages transmitted before Close remain
// available from Transmissions.
func (s *Socket) Close() {
	s.closed = true
	s.start, s.stop = nil, nil
	s.stopAll = true
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool { return s.closed }

// Transmissions returns the messages queued by Transmit, in order.
func (s *Socket) Transmissions() []string { return s.transmissions }

// Streams returns the names of streams started and stopped, in order.
func (s *Socket) Streams() (start, stop []string) { return s.start, s.stop }

// StopAll reports whether all streams should be stopped.
func (s *Socket) StopAll() bool { return s.stopAll }

func insert(ss []string, s string) []string {
	if slices.Contains(ss, s) {
		return ss
	}
	return append(ss, s)
}

func remove(ss []string, s string) []string {
	if i := slices.Index(ss, s); i >= 0 {
		return slices.Delete(ss, i, i+1)
	}
	return ss
}
