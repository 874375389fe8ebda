package reason

import (
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		kind Kind
		want int
	}{
		{FactoryFailed, http.StatusInternalServerError},
		{Timeout, http.StatusRequestTimeout},
		{UnsupportedCapabilities, http.StatusBadRequest},
		{NodeRejected, http.StatusUnauthorized},
		{NotFound, http.StatusNotFound},
		{NoMatch, http.StatusInternalServerError},
		{NoCapacityNow, http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			if got := tc.kind.HTTPStatus(); got != tc.want {
				t.Errorf("%s.HTTPStatus() = %d, want %d", tc.kind, got, tc.want)
			}
		})
	}
}

func TestWireKind(t *testing.T) {
	testCases := []struct {
		kind Kind
		want string
	}{
		{Timeout, "timeout"},
		{UnsupportedCapabilities, "invalid argument"},
		{NoMatch, "session not created"},
		{NoCapacityNow, "session not created"},
		{Draining, "session not created"},
		{FactoryFailed, "session not created"},
		{Cancelled, "session not created"},
	}

	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			if got := tc.kind.WireKind(); got != tc.want {
				t.Errorf("%s.WireKind() = %q, want %q", tc.kind, got, tc.want)
			}
		})
	}
}
