package distributor

import (
	"testing"
	"time"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/eventbus"
	"github.com/gridworks/distributor/internal/factory"
	"github.com/gridworks/distributor/internal/node"
	"github.com/gridworks/distributor/internal/reason"
)

func newTestDistributor(t *testing.T) *Distributor {
	t.Helper()
	bus := eventbus.NewInProcessBus(nil, 64)
	d := New(bus, Config{
		RegistrationSecret: "secret",
		RequestTimeout:     2 * time.Second,
		RetryInterval:      10 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
	}, nil)
	t.Cleanup(func() {
		d.Shutdown()
		bus.Close()
	})
	return d
}

func chromeNode(id string, maxSessions int, bus eventbus.Bus) *node.Node {
	n := node.New(id, "http://"+id, maxSessions, bus)
	for i := 0; i < maxSessions; i++ {
		n.AddSlot(id+"-slot", capabilities.Capabilities{"browserName": "chrome"}, &factory.Test{
			Stereotype: capabilities.Capabilities{"browserName": "chrome"},
		})
	}
	return n
}

func TestRegisterRequiresMatchingSecret(t *testing.T) {
	d := newTestDistributor(t)
	n := chromeNode("n1", 1, nil)

	if ok := d.Register(NodeRef{Node: n, Secret: "wrong"}); ok {
		t.Fatal("Register() with a wrong secret should fail")
	}
	if ok := d.Register(NodeRef{Node: n, Secret: "secret"}); !ok {
		t.Fatal("Register() with the correct secret should succeed")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	d := newTestDistributor(t)
	n := chromeNode("n1", 1, nil)

	d.Register(NodeRef{Node: n, Secret: "secret"})
	if ok := d.Register(NodeRef{Node: n, Secret: "secret"}); !ok {
		t.Fatal("re-registering an already-known node id should still succeed")
	}
	if got := len(d.GetStatus().Nodes); got != 1 {
		t.Errorf("Nodes = %d, want 1 after duplicate registration", got)
	}
}

func TestNewSessionPlacesOnRegisteredNode(t *testing.T) {
	d := newTestDistributor(t)
	n := chromeNode("n1", 1, nil)
	d.Register(NodeRef{Node: n, Secret: "secret"})

	resp, kind := d.NewSession([]capabilities.Capabilities{{"browserName": "chrome"}})
	if kind != "" {
		t.Fatalf("NewSession() kind = %q, want empty", kind)
	}
	if resp.NodeID != "n1" {
		t.Errorf("NodeID = %q, want n1", resp.NodeID)
	}
	if resp.SessionID == "" {
		t.Error("expected a non-empty session id")
	}
}

func TestNewSessionUnsupportedCapabilitiesRejectsImmediately(t *testing.T) {
	d := newTestDistributor(t)
	n := chromeNode("n1", 1, nil)
	d.Register(NodeRef{Node: n, Secret: "secret"})

	start := time.Now()
	_, kind := d.NewSession([]capabilities.Capabilities{{"browserName": "safari"}})
	elapsed := time.Since(start)

	if kind != reason.UnsupportedCapabilities {
		t.Fatalf("kind = %q, want %q", kind, reason.UnsupportedCapabilities)
	}
	if elapsed > time.Second {
		t.Errorf("rejection took %v, expected an immediate reject rather than waiting out the retry loop", elapsed)
	}
}

func TestNewSessionLightestLoadRanking(t *testing.T) {
	d := newTestDistributor(t)
	busy := chromeNode("busy", 2, nil)
	idle := chromeNode("idle", 2, nil)
	d.Register(NodeRef{Node: busy, Secret: "secret"})
	d.Register(NodeRef{Node: idle, Secret: "secret"})

	// Fill one slot on "busy" directly so it is no longer the lightest load.
	busy.NewSession(capabilities.Capabilities{"browserName": "chrome"})

	resp, kind := d.NewSession([]capabilities.Capabilities{{"browserName": "chrome"}})
	if kind != "" {
		t.Fatalf("NewSession() kind = %q, want empty", kind)
	}
	if resp.NodeID != "idle" {
		t.Errorf("NodeID = %q, want idle (lightest load)", resp.NodeID)
	}
}

func TestNewSessionTimeoutWhenNoCapacity(t *testing.T) {
	bus := eventbus.NewInProcessBus(nil, 64)
	d := New(bus, Config{
		RegistrationSecret: "secret",
		RequestTimeout:     50 * time.Millisecond,
		RetryInterval:      5 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
	}, nil)
	t.Cleanup(func() {
		d.Shutdown()
		bus.Close()
	})

	n := chromeNode("n1", 1, nil)
	d.Register(NodeRef{Node: n, Secret: "secret"})
	n.NewSession(capabilities.Capabilities{"browserName": "chrome"})

	_, kind := d.NewSession([]capabilities.Capabilities{{"browserName": "chrome"}})
	if kind != reason.Timeout {
		t.Errorf("kind = %q, want %q", kind, reason.Timeout)
	}
}

func TestNewSessionRecoversAfterCapacityFreesUp(t *testing.T) {
	bus := eventbus.NewInProcessBus(nil, 64)
	d := New(bus, Config{
		RegistrationSecret: "secret",
		RequestTimeout:     2 * time.Second,
		RetryInterval:      5 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
	}, nil)
	t.Cleanup(func() {
		d.Shutdown()
		bus.Close()
	})

	n := chromeNode("n1", 1, nil)
	d.Register(NodeRef{Node: n, Secret: "secret"})
	sess, _ := n.NewSession(capabilities.Capabilities{"browserName": "chrome"})

	go func() {
		time.Sleep(30 * time.Millisecond)
		n.Stop(sess.SessionID)
	}()

	resp, kind := d.NewSession([]capabilities.Capabilities{{"browserName": "chrome"}})
	if kind != "" {
		t.Fatalf("kind = %q, want empty once capacity freed up", kind)
	}
	if resp.NodeID != "n1" {
		t.Errorf("NodeID = %q, want n1", resp.NodeID)
	}
}

func TestDrainRemovesNodeFromAvailableSet(t *testing.T) {
	d := newTestDistributor(t)
	n := chromeNode("n1", 1, nil)
	d.Register(NodeRef{Node: n, Secret: "secret"})

	if ok := d.Drain("n1"); !ok {
		t.Fatal("Drain() on a registered node should succeed")
	}

	d.Refresh()
	if avail := d.GetAvailableNodes(); len(avail) != 0 {
		t.Errorf("GetAvailableNodes() = %v, want empty after drain", avail)
	}
}

func TestDrainUnknownNodeIsNoOp(t *testing.T) {
	d := newTestDistributor(t)
	if ok := d.Drain("missing"); ok {
		t.Error("Drain() on an unregistered node should report false")
	}
}

func TestRemoveForgetsNode(t *testing.T) {
	d := newTestDistributor(t)
	n := chromeNode("n1", 1, nil)
	d.Register(NodeRef{Node: n, Secret: "secret"})

	d.Remove("n1")
	d.Refresh()

	if got := len(d.GetStatus().Nodes); got != 0 {
		t.Errorf("Nodes = %d, want 0 after Remove", got)
	}
}
