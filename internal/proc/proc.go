// Package proc spawns the external processes a recording depends on (the
// browser and ffmpeg), drains their output into the logger and terminates
// them together with any children they started.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// killWait bounds how long Terminate waits for the process to be reaped
// after SIGKILL.
const killWait = 5 * time.Second

// Spec describes a process to launch
type Spec struct {
	Name string
	Path string
	Args []string
	Env  []string // appended to the current environment
}

// Handle owns a running process
type Handle struct {
	spec   Spec
	cmd    *exec.Cmd
	logger *zap.Logger

	done    chan struct{}
	waitErr error

	terminateOnce sync.Once
	terminateErr  error
	signalled     atomic.Bool
}

// Start launches the process in its own process group and begins draining
// stdout and stderr line by line.
func Start(spec Spec, logger *zap.Logger) (*Handle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe failed: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe failed: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	h := &Handle{
		spec:   spec,
		cmd:    cmd,
		logger: logger.With(zap.String("process", spec.Name), zap.Int("pid", cmd.Process.Pid)),
		done:   make(chan struct{}),
	}
	h.logger.Debug("process started", zap.Strings("args", spec.Args))

	var drains errgroup.Group
	drains.Go(func() error { return h.drain(stdout, "stdout") })
	drains.Go(func() error { return h.drain(stderr, "stderr") })

	go func() {
		// Pipes must be fully read before Wait closes them.
		if err := drains.Wait(); err != nil {
			h.logger.Debug("output drain stopped early", zap.Error(err))
		}
		h.waitErr = cmd.Wait()
		h.logger.Debug("process exited", zap.Int("exit_code", cmd.ProcessState.ExitCode()))
		close(h.done)
	}()

	return h, nil
}

func (h *Handle) drain(r io.Reader, stream string) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		h.logger.Debug(scanner.Text(), zap.String("stream", stream))
	}

	err := scanner.Err()
	if err != nil {
		// Keep reading so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

// Pid returns the process id
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while running or when the process
// was killed by a signal.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Err returns the error reported by Wait once the process has exited
func (h *Handle) Err() error {
	if !h.Exited() {
		return nil
	}
	return h.waitErr
}

// Signalled reports whether Terminate had to signal the process
func (h *Handle) Signalled() bool {
	return h.signalled.Load()
}

// Terminate sends SIGTERM to the process group, escalates to SIGKILL after
// grace and waits for the process to be reaped. Only the first call does
// anything; later calls return the first result.
func (h *Handle) Terminate(grace time.Duration) error {
	h.terminateOnce.Do(func() {
		h.terminateErr = h.terminate(grace)
	})
	return h.terminateErr
}

func (h *Handle) terminate(grace time.Duration) error {
	if h.Exited() {
		return nil
	}

	h.signalled.Store(true)
	if err := signalGroup(h.cmd, syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-h.done
			return nil
		}
		h.logger.Warn("SIGTERM failed", zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	h.logger.Warn("process ignored SIGTERM, killing", zap.Duration("grace", grace))
	if err := signalGroup(h.cmd, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s (pid %d): %w", h.spec.Name, h.Pid(), err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%s (pid %d) still running %s after SIGKILL", h.spec.Name, h.Pid(), killWait)
	}
}
