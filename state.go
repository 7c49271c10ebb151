// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package cablerpc

import (
	"maps"

	"github.com/creachadair/mds/mapset"
)

// SessionKey is the connection state key reserved for a serialized session.
// State treats it like any other key.
const SessionKey = "_s_"

// State is a string-keyed map that tracks which keys were written.
// It holds externalized connection (cstate) or channel (istate) state for
// the duration of one call.
//
// Every Set marks its key as changed, even if the value did not change, so
// that the changed set is exactly the set of distinct keys written.
type State struct {
	values  map[string]string
	changed mapset.Set[string]
}

// NewState constructs a State initialized from a copy of snapshot.
// No keys are marked as changed.
func NewState(snapshot map[string]string) *State {
	return &State{values: maps.Clone(snapshot), changed: mapset.New[string]()}
}

// Get reports the value of key, and whether it is present.
// Reading a key never marks it as changed.
func (s *State) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set sets the value of key and marks it as changed.
func (s *State) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.changed.Add(key)
}

// Len reports the number of keys in s.
func (s *State) Len() int { return len(s.values) }

// Changed returns a map of the keys written since s was created, with their
// current values. It returns nil if no keys were written.
func (s *State) Changed() map[string]string {
	if s.changed.Len() == 0 {
		return nil
	}
	out := make(map[string]string, s.changed.Len())
	for key := range s.changed {
		out[key] = s.values[key]
	}
	return out
}

// Map returns a copy of all the keys and values in s.
func (s *State) Map() map[string]string { return maps.Clone(s.values) }
