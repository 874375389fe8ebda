package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridworks/distributor/internal/distributor"
	"github.com/gridworks/distributor/internal/eventbus"
)

// TestStatusStreamPushesOnNodeStatusEventBeforeTheKeepaliveTicker publishes a
// NodeStatusEvent directly (the event a health-check tick fires, published
// here without waiting for any heartbeat cadence) and expects a snapshot on the websocket
// well before the stream's 2s keepalive interval would otherwise fire,
// proving the push is event-driven rather than the product of polling alone.
func TestStatusStreamPushesOnNodeStatusEventBeforeTheKeepaliveTicker(t *testing.T) {
	bus := eventbus.NewInProcessBus(nil, 64)
	defer bus.Close()

	dist := distributor.New(bus, distributor.Config{
		RegistrationSecret: "secret",
		RequestTimeout:     time.Second,
		HeartbeatInterval:  time.Hour,
	}, nil)
	defer dist.Shutdown()

	stream := NewWebsocketStream(bus, nil)
	srv := New(dist, nil, nil, stream, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/se/grid/distributor/status/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	bus.Publish(eventbus.TopicNodeStatus, eventbus.NodeStatusEvent{NodeID: "n1", Availability: "DOWN"})

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a status push within 500ms of a NodeStatusEvent (keepalive is 2s), got: %v", err)
	}

	var resp StatusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
