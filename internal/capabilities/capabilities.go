// Package capabilities implements the open, JSON-typed capability maps used
// to describe browser stereotypes and incoming session requests, and the
// asymmetric matching predicate between them.
package capabilities

import "encoding/json"

// Capabilities is an open mapping from capability name to JSON-typed value.
// It is intentionally untyped: the distributor never interprets the values,
// only compares them for equality.
type Capabilities map[string]any

// Clone returns a shallow copy. Callers mutate maps returned from requests
// (e.g. when merging alwaysMatch with a firstMatch alternative) and must not
// alias a caller-owned map.
func (c Capabilities) Clone() Capabilities {
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Matches reports whether the stereotype (the receiver) can serve the
// requested capabilities. Every key present in requested must be present in
// the stereotype with an equal value; keys the stereotype has that the
// request doesn't ask about are irrelevant. An empty requested set matches
// any stereotype.
func (stereotype Capabilities) Matches(requested Capabilities) bool {
	for key, wantValue := range requested {
		haveValue, ok := stereotype[key]
		if !ok {
			return false
		}
		if !jsonEqual(haveValue, wantValue) {
			return false
		}
	}
	return true
}

// jsonEqual compares two values the way two JSON documents would compare:
// by round-tripping through their canonical encoding. This avoids subtle
// mismatches between, say, json.Number and float64 for values that arrived
// via different decode paths.
func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Merge returns a new Capabilities set containing always's entries
// overlaid by first's entries (first wins on conflict), implementing the
// NewSessionPayload "alwaysMatch + firstMatch alternative" cartesian merge
// rule from the wire format.
func Merge(always, first Capabilities) Capabilities {
	out := always.Clone()
	for k, v := range first {
		out[k] = v
	}
	return out
}

// Alternatives expands a NewSessionPayload's alwaysMatch/firstMatch pair
// into the full set of desired-capability alternatives a request may be
// satisfied by. If firstMatch is empty, alwaysMatch alone is the single
// alternative.
func Alternatives(always Capabilities, first []Capabilities) []Capabilities {
	if len(first) == 0 {
		return []Capabilities{always.Clone()}
	}
	alts := make([]Capabilities, 0, len(first))
	for _, f := range first {
		alts = append(alts, Merge(always, f))
	}
	return alts
}
