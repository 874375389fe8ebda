// Package httpapi exposes the distributor's HTTP surface: session creation,
// node registration/removal/drain, and status (including a live-updating
// status stream). Routing uses the standard library's net/http ServeMux;
// no example repo in this codebase's lineage runs a plain JSON REST server
// (the router and operator services are gRPC- or tunnel-based), so this is
// the one ambient concern with no third-party routing library to ground on
// — see DESIGN.md.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/distributor"
	"github.com/gridworks/distributor/internal/node"
	"github.com/gridworks/distributor/internal/reason"
)

// Server wraps a *distributor.Distributor behind HTTP handlers.
type Server struct {
	dist           *distributor.Distributor
	logger         *slog.Logger
	mux            *http.ServeMux
	buildNode      func(req RegisterNodeRequest) (*node.Node, error)
	streamUpgrader StreamUpgrader
}

// Middleware wraps an http.Handler, e.g. for authentication/authorization.
type Middleware func(http.Handler) http.Handler

// StreamUpgrader is implemented by the websocket status-stream handler; kept
// as an interface here so httpapi doesn't need a direct gorilla/websocket
// import when the stream feature is disabled in a build.
type StreamUpgrader interface {
	ServeStatusStream(w http.ResponseWriter, r *http.Request, dist *distributor.Distributor)
}

// New constructs the HTTP handler. buildNode turns a registration payload
// into a live *node.Node (slot/factory wiring is the caller's concern,
// since it depends on which Factory variant is configured for the fleet).
// adminAuth, if non-nil, wraps the node management endpoints (register,
// remove, drain) for authentication/authorization; session creation and
// status stay open since node registration secrets already gate the fleet.
func New(dist *distributor.Distributor, logger *slog.Logger, buildNode func(RegisterNodeRequest) (*node.Node, error), stream StreamUpgrader, adminAuth Middleware) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{dist: dist, logger: logger, buildNode: buildNode, streamUpgrader: stream}
	if adminAuth == nil {
		adminAuth = func(h http.Handler) http.Handler { return h }
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /se/grid/distributor/session", s.handleNewSession)
	s.mux.Handle("POST /se/grid/distributor/node", adminAuth(http.HandlerFunc(s.handleRegisterNode)))
	s.mux.Handle("DELETE /se/grid/distributor/node/{id}", adminAuth(http.HandlerFunc(s.handleRemoveNode)))
	s.mux.Handle("POST /se/grid/distributor/node/{id}/drain", adminAuth(http.HandlerFunc(s.handleDrainNode)))
	s.mux.HandleFunc("GET /se/grid/distributor/status", s.handleStatus)
	s.mux.HandleFunc("GET /se/grid/distributor/status/stream", s.handleStatusStream)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// SessionRequest is the wire payload for POST .../session: a list of
// capability alternatives, any one of which is acceptable.
type SessionRequest struct {
	Capabilities []capabilities.Capabilities `json:"capabilities"`
}

// SessionResponseEnvelope mirrors the `{"value": {"sessionId": ..., "capabilities": ...}}`
// success envelope the HTTP edge documents.
type SessionResponseEnvelope struct {
	Value SessionResponseValue `json:"value"`
}

type SessionResponseValue struct {
	SessionID  string                    `json:"sessionId,omitempty"`
	SessionURI string                    `json:"sessionUri,omitempty"`
	NodeID     string                    `json:"nodeId,omitempty"`
	Negotiated capabilities.Capabilities `json:"capabilities,omitempty"`
}

// errorEnvelope mirrors the `{"value": {"error": ..., "message": ..., "stacktrace": ""}}`
// failure envelope the HTTP edge documents. Stacktrace is always present
// (and always empty, since nothing here collects Go stack traces for wire
// exposure) rather than omitted, matching the documented shape.
type errorEnvelope struct {
	Value errorValue `json:"value"`
}

type errorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, reason.UnsupportedCapabilities, "malformed request body")
		return
	}
	if len(req.Capabilities) == 0 {
		writeJSONError(w, http.StatusBadRequest, reason.UnsupportedCapabilities, "capabilities must not be empty")
		return
	}

	resp, failure := s.dist.NewSession(req.Capabilities)
	if failure != "" {
		writeJSONError(w, failure.HTTPStatus(), failure, failure.Message())
		return
	}

	writeJSON(w, http.StatusOK, SessionResponseEnvelope{Value: SessionResponseValue{
		SessionID:  resp.SessionID,
		SessionURI: resp.SessionURI,
		NodeID:     resp.NodeID,
		Negotiated: resp.Negotiated,
	}})
}

// RegisterNodeRequest is the wire payload for POST .../node.
type RegisterNodeRequest struct {
	NodeID      string            `json:"nodeId"`
	ExternalURI string            `json:"externalUri"`
	Secret      string            `json:"secret"`
	MaxSessions int               `json:"maxSessions"`
	Slots       []SlotDefinition  `json:"slots,omitempty"`
}

// SlotDefinition describes one or more identical slots a registering node
// offers: a stereotype and how many slots share it.
type SlotDefinition struct {
	Stereotype capabilities.Capabilities `json:"stereotype"`
	Count      int                       `json:"count"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, reason.NodeRejected, "malformed request body")
		return
	}

	n, err := s.buildNode(req)
	if err != nil {
		s.logger.Error("failed to build node from registration payload",
			slog.String("node_id", req.NodeID), slog.String("error", err.Error()))
		writeJSONError(w, http.StatusBadRequest, reason.NodeRejected, "invalid node definition")
		return
	}

	ok := s.dist.Register(distributor.NodeRef{Node: n, Secret: req.Secret})
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, reason.NodeRejected, "registration secret mismatch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nodeId": n.ID()})
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.dist.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDrainNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.dist.Drain(id) {
		writeJSONError(w, http.StatusNotFound, reason.NotFound, "no such node")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StatusResponse is the wire shape GET .../status returns.
type StatusResponse struct {
	Nodes       []NodeStatusWire `json:"nodes"`
	HasCapacity bool             `json:"hasCapacity"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// NodeStatusWire is the per-node projection in StatusResponse.
type NodeStatusWire struct {
	NodeID       string `json:"nodeId"`
	ExternalURI  string `json:"externalUri"`
	Availability string `json:"availability"`
	Draining     bool   `json:"draining"`
	MaxSessions  int    `json:"maxSessions"`
	ActiveCount  int    `json:"activeCount"`
	FreeCount    int    `json:"freeCount"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(s.dist.GetStatus()))
}

func toStatusResponse(st distributor.Status) StatusResponse {
	out := StatusResponse{HasCapacity: st.HasCapacity, GeneratedAt: time.Now()}
	for _, n := range st.Nodes {
		out.Nodes = append(out.Nodes, NodeStatusWire{
			NodeID:       n.NodeID,
			ExternalURI:  n.ExternalURI,
			Availability: n.Availability.String(),
			Draining:     n.Draining,
			MaxSessions:  n.MaxSessions,
			ActiveCount:  n.ActiveCount,
			FreeCount:    n.FreeCount,
		})
	}
	return out
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if s.streamUpgrader == nil {
		writeJSONError(w, http.StatusNotImplemented, reason.NotFound, "status stream not configured")
		return
	}
	s.streamUpgrader.ServeStatusStream(w, r, s.dist)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, kind reason.Kind, message string) {
	writeJSON(w, status, errorEnvelope{Value: errorValue{
		Error:   kind.WireKind(),
		Message: message,
	}})
}
