package factory

import (
	"errors"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/node"
)

// ErrContainerLaunchersOutOfScope is returned by Container.Create. A real
// container-backed launcher (image selection, pod/container lifecycle,
// network plumbing) is out of scope for this repository; Container exists
// only to document the contract such a launcher must satisfy to plug into
// a Slot.
var ErrContainerLaunchersOutOfScope = errors.New("container factory: not implemented")

// Container is the unimplemented contract for a container-backed
// SessionFactory variant. It satisfies node.Factory so it can be wired
// into a Slot in tests that only exercise the DRAINING/NO_MATCH paths,
// but Create always fails.
type Container struct {
	Stereotype capabilities.Capabilities
}

func (c *Container) Matches(stereotype capabilities.Capabilities) bool {
	return c.Stereotype.Matches(stereotype) && stereotype.Matches(c.Stereotype)
}

func (c *Container) Create(negotiated capabilities.Capabilities) (node.Session, error) {
	return node.Session{}, ErrContainerLaunchersOutOfScope
}
