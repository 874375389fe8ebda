package factory

import (
	"testing"
	"time"

	"github.com/gridworks/distributor/internal/capabilities"
)

func TestProcessCreateStartsCommand(t *testing.T) {
	f := &Process{CommandLine: "sleep 5"}

	sess, err := f.Create(capabilities.Capabilities{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.SessionID == "" {
		t.Fatal("expected a non-empty session id")
	}

	if err := f.Stop(sess.SessionID); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestProcessCreateInvalidCommandLine(t *testing.T) {
	f := &Process{CommandLine: ""}

	if _, err := f.Create(capabilities.Capabilities{}); err == nil {
		t.Error("expected an error for an empty command line")
	}
}

func TestProcessStopUnknownSessionIsNoOp(t *testing.T) {
	f := &Process{}

	if err := f.Stop("does-not-exist"); err != nil {
		t.Errorf("Stop on an unknown session should be a no-op, got %v", err)
	}
}

func TestProcessWaitForExitAfterStop(t *testing.T) {
	f := &Process{CommandLine: "sleep 5"}

	sess, err := f.Create(capabilities.Capabilities{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Stop(sess.SessionID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := f.waitForExit(sess.SessionID, 2*time.Second); err != nil {
		t.Errorf("waitForExit after Stop: %v", err)
	}
}
