package factory

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/conduitio/bwlimit"
	"github.com/creack/pty"
	"github.com/google/shlex"
	"github.com/google/uuid"

	"github.com/gridworks/distributor/internal/capabilities"
	"github.com/gridworks/distributor/internal/node"
)

// Process is the process-backed SessionFactory variant: it launches the
// configured driver command line under a pty and wraps its captured
// output in a bandwidth limiter so one noisy session cannot starve the
// host's I/O.
type Process struct {
	Stereotype capabilities.Capabilities

	// CommandLine is shell-lexed with google/shlex, e.g.
	// "chromedriver --port=0".
	CommandLine string

	// OutputBytesPerSec bounds how fast a session's captured stdout is
	// drained; 0 means unlimited.
	OutputBytesPerSec int

	Logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*runningProcess
}

type runningProcess struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	output io.Reader // ptmx, optionally wrapped in a bwlimit reader
}

func (f *Process) Matches(stereotype capabilities.Capabilities) bool {
	return f.Stereotype.Matches(stereotype) && stereotype.Matches(f.Stereotype)
}

func (f *Process) Create(negotiated capabilities.Capabilities) (node.Session, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parts, err := shlex.Split(f.CommandLine)
	if err != nil || len(parts) == 0 {
		return node.Session{}, fmt.Errorf("process factory: invalid command line %q: %w", f.CommandLine, err)
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return node.Session{}, fmt.Errorf("process factory: start under pty: %w", err)
	}

	var output io.Reader = ptmx
	if f.OutputBytesPerSec > 0 {
		// Caps how fast a session's captured stdout is drained so one
		// noisy driver process can't flood the log pipeline.
		output = bwlimit.NewReader(ptmx, bwlimit.Byte(f.OutputBytesPerSec))
	}

	sessionID := uuid.NewString()

	f.mu.Lock()
	if f.sessions == nil {
		f.sessions = make(map[string]*runningProcess)
	}
	f.sessions[sessionID] = &runningProcess{cmd: cmd, ptmx: ptmx, output: output}
	f.mu.Unlock()

	logger.Info("process session started",
		slog.String("session_id", sessionID),
		slog.String("command", f.CommandLine),
		slog.Int64("pid", int64(cmd.Process.Pid)))

	return node.Session{
		SessionID:  sessionID,
		SessionURI: fmt.Sprintf("process://%d/%s", cmd.Process.Pid, sessionID),
	}, nil
}

// Stop terminates the process backing sessionID, if any. Stopping is not
// part of the Factory interface (the node only tracks FREE/ACTIVE
// transitions), and node.Node.Stop does not call this: the process keeps
// running until Stop is called on the *Process directly.
func (f *Process) Stop(sessionID string) error {
	f.mu.Lock()
	rp, ok := f.sessions[sessionID]
	if ok {
		delete(f.sessions, sessionID)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	_ = rp.ptmx.Close()
	if rp.cmd.Process != nil {
		_ = rp.cmd.Process.Kill()
	}
	go func() {
		_ = rp.cmd.Wait()
	}()
	return nil
}

// waitForExit waits up to timeout for a still-tracked session's process to
// exit. Stop untracks the session before killing it, so after Stop this
// returns nil at once without waiting.
func (f *Process) waitForExit(sessionID string, timeout time.Duration) error {
	f.mu.Lock()
	rp, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- rp.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("process factory: session %s did not exit within %s", sessionID, timeout)
	}
}
