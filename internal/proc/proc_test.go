//go:build unix

package proc

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
)

func shell(script string) Spec {
	return Spec{Name: "sh", Path: "/bin/sh", Args: []string{"-c", script}}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStartReportsExitCode(t *testing.T) {
	h, err := Start(shell("echo started; echo oops >&2; exit 3"), zaptest.NewLogger(t))
	assert.NilError(t, err)

	waitDone(t, h)
	assert.Equal(t, h.ExitCode(), 3)
	assert.ErrorContains(t, h.Err(), "exit status 3")
	assert.Assert(t, !h.Signalled())
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(Spec{Name: "nope", Path: "/nonexistent/binary"}, nil)
	assert.ErrorContains(t, err, "failed to start nope")
}

func TestTerminateIsIdempotent(t *testing.T) {
	h, err := Start(shell("sleep 30"), zaptest.NewLogger(t))
	assert.NilError(t, err)
	assert.Equal(t, h.ExitCode(), -1)

	assert.NilError(t, h.Terminate(2*time.Second))
	assert.Assert(t, h.Exited())
	assert.Assert(t, h.Signalled())

	assert.NilError(t, h.Terminate(2*time.Second))
}

func TestTerminateAfterExitSendsNothing(t *testing.T) {
	h, err := Start(shell("exit 0"), zaptest.NewLogger(t))
	assert.NilError(t, err)
	waitDone(t, h)

	assert.NilError(t, h.Terminate(time.Second))
	assert.Assert(t, !h.Signalled())
	assert.Equal(t, h.ExitCode(), 0)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// Ignored signals are inherited, so sleep ignores SIGTERM too.
	h, err := Start(shell(`trap "" TERM; sleep 30`), zaptest.NewLogger(t))
	assert.NilError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	assert.NilError(t, h.Terminate(200*time.Millisecond))
	assert.Assert(t, time.Since(start) >= 200*time.Millisecond)
	assert.Equal(t, h.ExitCode(), -1)
}
