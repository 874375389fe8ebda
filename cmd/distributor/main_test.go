package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/config"
	"github.com/gridworks/distributor/internal/eventbus"
	"github.com/gridworks/distributor/internal/httpapi"
)

func TestNodeBuilderDefaultsToOneGenericSlotPerMaxSession(t *testing.T) {
	bus := eventbus.NewInProcessBus(nil, 8)
	defer bus.Close()

	build := nodeBuilder(bus)
	n, err := build(httpapi.RegisterNodeRequest{NodeID: "n1", ExternalURI: "http://n1", MaxSessions: 3})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	status := n.GetStatus()
	if len(status.Slots) != 3 {
		t.Errorf("got %d slots, want 3 (one per MaxSessions, defaulted generic)", len(status.Slots))
	}
}

func TestNodeBuilderHonorsDeclaredSlots(t *testing.T) {
	bus := eventbus.NewInProcessBus(nil, 8)
	defer bus.Close()

	build := nodeBuilder(bus)
	n, err := build(httpapi.RegisterNodeRequest{
		NodeID:      "n1",
		ExternalURI: "http://n1",
		MaxSessions: 2,
		Slots: []httpapi.SlotDefinition{
			{Stereotype: capabilities.Capabilities{"browserName": "chrome"}, Count: 2},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	status := n.GetStatus()
	if len(status.Slots) != 2 {
		t.Errorf("got %d slots, want 2 (from the declared slot definition)", len(status.Slots))
	}
}

func TestNodeBuilderRequiresNodeID(t *testing.T) {
	bus := eventbus.NewInProcessBus(nil, 8)
	defer bus.Close()

	build := nodeBuilder(bus)
	if _, err := build(httpapi.RegisterNodeRequest{}); err == nil {
		t.Error("expected an error for a missing node id")
	}
}

func TestBuildBusWithoutRedisReturnsInProcessBus(t *testing.T) {
	logger := slog.Default()
	bus := buildBus(context.Background(), config.Config{RedisEnabled: false}, logger)
	defer bus.Close()

	if _, ok := bus.(*eventbus.InProcessBus); !ok {
		t.Errorf("buildBus without Redis enabled returned %T, want *eventbus.InProcessBus", bus)
	}
}

func TestBuildBusFallsBackWhenRedisUnreachable(t *testing.T) {
	logger := slog.Default()
	bus := buildBus(context.Background(), config.Config{
		RedisEnabled: true,
		RedisHost:    "127.0.0.1",
		RedisPort:    1,
	}, logger)
	defer bus.Close()

	if _, ok := bus.(*eventbus.InProcessBus); !ok {
		t.Errorf("buildBus should fall back to *eventbus.InProcessBus when Redis is unreachable, got %T", bus)
	}
}
