// Package factory implements the session-factory variants a slot is bound
// to: a deterministic in-memory test factory, a process-backed factory
// that launches a local driver process through a pty, and the declared
// (unimplemented) contract a container-backed launcher must satisfy.
//
// Concrete browser driver launchers are out of scope for this repository;
// these variants exist to exercise the Factory interface end to end and
// to give tests something deterministic to place sessions on.
package factory

import (
	"github.com/google/uuid"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/node"
)

// Test is a deterministic factory for unit tests: it matches a fixed
// stereotype and always succeeds, unless configured to fail.
type Test struct {
	Stereotype capabilities.Capabilities
	// FailNext, when > 0, causes that many subsequent Create calls to
	// return an error (simulating FACTORY_FAILED) before succeeding
	// again.
	FailNext int
	// URIPrefix customizes the fabricated session URI, default
	// "http://test-session/".
	URIPrefix string
}

func (f *Test) Matches(stereotype capabilities.Capabilities) bool {
	return f.Stereotype.Matches(stereotype) && stereotype.Matches(f.Stereotype)
}

func (f *Test) Create(negotiated capabilities.Capabilities) (node.Session, error) {
	if f.FailNext > 0 {
		f.FailNext--
		return node.Session{}, errFactoryFailed
	}
	prefix := f.URIPrefix
	if prefix == "" {
		prefix = "http://test-session/"
	}
	id := uuid.NewString()
	return node.Session{
		SessionID:  id,
		SessionURI: prefix + id,
	}, nil
}

type factoryError string

func (e factoryError) Error() string { return string(e) }

const errFactoryFailed = factoryError("test factory: simulated failure")
