// Package dispatcher runs a handler's command against an event: bounded
// concurrency, a deadline per dispatch, capped stdout/stderr capture, and
// an outcome that is always recorded, never returned as an error to the
// caller — dispatch failures are data (a DispatchRecord), not control
// flow.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/dsifry/metarelay/internal/event"
	"github.com/dsifry/metarelay/internal/handler"
	"github.com/dsifry/metarelay/internal/logger"
	"github.com/dsifry/metarelay/internal/store"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultConcurrency = 4
	DefaultStdoutCap   = 64 * 1024
	DefaultStderrCap   = 64 * 1024
	killGrace          = 3 * time.Second
)

// Store is the subset of the Local Event Store the dispatcher needs.
// Narrowed to an interface so tests can substitute a fake without pulling
// in SQLite.
type Store interface {
	RecordDispatch(remoteID int64, handlerName string, outcome store.DispatchOutcome, exitStatus int, stdout, stderr string, startedAt, endedAt time.Time) error
}

// Dispatcher bounds how many subprocesses run at once via a counting
// semaphore, the way the pack's process manager tracks workers, but
// sized by a buffered channel rather than a tracked map since dispatches
// are fire-and-record, not long-lived.
type Dispatcher struct {
	store     Store
	sem       chan struct{}
	stdoutCap int64
	stderrCap int64
}

func New(st Store, concurrency int, stdoutCap, stderrCap int64) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if stdoutCap <= 0 {
		stdoutCap = DefaultStdoutCap
	}
	if stderrCap <= 0 {
		stderrCap = DefaultStderrCap
	}
	return &Dispatcher{
		store:     st,
		sem:       make(chan struct{}, concurrency),
		stdoutCap: stdoutCap,
		stderrCap: stderrCap,
	}
}

// Dispatch expands h's command template against e, runs it under a
// bounded worker-pool slot with a deadline of h's configured timeout,
// and always calls RecordDispatch before returning. ctx cancellation
// during the wait-for-a-slot phase aborts the dispatch entirely (not
// recorded); once a slot is acquired the dispatch always records.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event, h *handler.Handler) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	// runID correlates this attempt's log lines; it is internal to the
	// daemon's own logging and distinct from the upstream remote_id/
	// delivery_id, which are opaque values assigned by the cloud source.
	runID := ulid.Make().String()

	command := h.Command.Expand(e)
	timeout := time.Duration(h.Config.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Debug("dispatch starting", "run_id", runID, "remote_id", e.RemoteID, "handler", h.Config.Name)

	startedAt := time.Now()
	outcome, exitStatus, stdout, stderr := d.run(runCtx, command)
	endedAt := time.Now()

	slog.Debug("dispatch finished", "run_id", runID, "remote_id", e.RemoteID, "handler", h.Config.Name, "outcome", outcome)

	if err := d.store.RecordDispatch(e.RemoteID, h.Config.Name, outcome, exitStatus, stdout, stderr, startedAt, endedAt); err != nil {
		slog.Error("failed to record dispatch", "run_id", runID, "remote_id", e.RemoteID, "handler", h.Config.Name, logger.ErrAttr(err))
	}
}

func (d *Dispatcher) run(ctx context.Context, command string) (store.DispatchOutcome, int, string, string) {
	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCapBuffer(d.stdoutCap)
	stderr := newCapBuffer(d.stderrCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(stderr, "launch failed: %v", err)
		return store.OutcomeFailure, -1, stdout.String(), stderr.String()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			return store.OutcomeSuccess, 0, stdout.String(), stderr.String()
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			fmt.Fprintf(stderr, "\nwait failed: %v", err)
			return store.OutcomeFailure, -1, stdout.String(), stderr.String()
		}
		return store.OutcomeFailure, exitErr.ExitCode(), stdout.String(), stderr.String()

	case <-ctx.Done():
		terminateGroup(cmd)
		select {
		case <-done:
		case <-time.After(killGrace):
		}
		return store.OutcomeTimeout, signalledDeathCode(cmd), stdout.String(), stderr.String()
	}
}

// terminateGroup signals the whole process group, not just the direct
// child, so shell-spawned descendants are reaped too. SIGTERM first, then
// SIGKILL after a short grace if the group is still alive.
func terminateGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		return
	}
	time.AfterFunc(killGrace, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

func signalledDeathCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// capBuffer caps how much a stream can accumulate, dropping excess with a
// truncation marker instead of growing without bound.
type capBuffer struct {
	buf       bytes.Buffer
	cap       int64
	truncated bool
}

func newCapBuffer(cap int64) *capBuffer {
	return &capBuffer{cap: cap}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	if c.truncated {
		return len(p), nil
	}
	remaining := c.cap - int64(c.buf.Len())
	if remaining <= 0 {
		c.truncated = true
		c.buf.WriteString("...[truncated]")
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		c.buf.WriteString("...[truncated]")
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capBuffer) String() string {
	return c.buf.String()
}
