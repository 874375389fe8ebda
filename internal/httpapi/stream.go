package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridworks/distributor/internal/distributor"
	"github.com/gridworks/distributor/internal/eventbus"
)

// WebsocketStream upgrades GET .../status/stream to a websocket connection
// that pushes a StatusResponse snapshot whenever eventbus.TopicNodeStatus
// fires (the distributor publishes one per node on every health-check
// tick), plus a keepalive snapshot every Interval so a connection with a
// quiet fleet still proves it's alive. Node added, removed and drain-started
// events are not subscribed to.
type WebsocketStream struct {
	Logger   *slog.Logger
	Interval time.Duration
	Bus      eventbus.Bus
	upgrader websocket.Upgrader
}

// NewWebsocketStream constructs a stream subscribed to bus's node-status
// topic, with a 2s keepalive interval as a fallback.
func NewWebsocketStream(bus eventbus.Bus, logger *slog.Logger) *WebsocketStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketStream{
		Logger:   logger,
		Interval: 2 * time.Second,
		Bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *WebsocketStream) ServeStatusStream(w http.ResponseWriter, r *http.Request, dist *distributor.Distributor) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("status stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// nodeStatus is buffered so a burst of NodeStatusEvents (several nodes
	// changing in the same tick) coalesces into one push instead of queuing
	// one per event; the handler only needs to know "something changed",
	// GetStatus() always returns the current snapshot regardless of which
	// event triggered the wakeup.
	nodeStatus := make(chan struct{}, 1)
	var unsubscribe func()
	if s.Bus != nil {
		unsubscribe = s.Bus.Subscribe(eventbus.TopicNodeStatus, func(event any) {
			select {
			case nodeStatus <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()
	}

	// A reader goroutine exists purely to notice the client closing the
	// connection (gorilla requires draining reads to see control frames);
	// the status stream itself is send-only.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	push := func() bool {
		payload, err := json.Marshal(toStatusResponse(dist.GetStatus()))
		if err != nil {
			return true
		}
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	for {
		select {
		case <-nodeStatus:
			if !push() {
				return
			}
		case <-ticker.C:
			if !push() {
				return
			}
		case <-closed:
			return
		}
	}
}
