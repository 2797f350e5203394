package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
	"github.com/shehryarbajwa/page-recorder/internal/logging"
	"github.com/shehryarbajwa/page-recorder/internal/proc"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

// ProcessLauncher runs Chrome as a local child process on the X display
type ProcessLauncher struct {
	opts   Options
	logger *zap.Logger

	// KillStrays enables a pkill sweep for browsers left behind by a
	// previous server process.
	KillStrays bool

	mu      sync.Mutex
	current *processDisplay
}

// NewProcessLauncher creates a launcher for local Chrome processes
func NewProcessLauncher(opts Options, logger *zap.Logger) *ProcessLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessLauncher{
		opts:       opts,
		logger:     logger.Named("browser"),
		KillStrays: true,
	}
}

// Launch terminates any stale browser and starts a new one sized for req
func (l *ProcessLauncher) Launch(ctx context.Context, sessionID string, req models.CaptureRequest) (Display, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopStale(ctx)

	userDataDir := filepath.Join(os.TempDir(), "page-recorder", "chrome-"+sessionID)
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		return nil, failure.New(failure.KindLaunch, "create user data directory", err)
	}

	handle, err := proc.Start(proc.Spec{
		Name: "chrome",
		Path: l.opts.ChromePath,
		Args: ChromeArgs(l.opts, req.Width, req.Height, userDataDir),
		Env:  []string{"DISPLAY=" + l.opts.Display},
	}, l.logger.With(zap.String("session", logging.ShortID(sessionID))))
	if err != nil {
		os.RemoveAll(userDataDir)
		return nil, failure.New(failure.KindLaunch, "start chrome", err)
	}

	d := &processDisplay{
		handle:      handle,
		port:        l.opts.DebugPort,
		userDataDir: userDataDir,
		grace:       l.opts.grace(),
		logger:      l.logger,
	}
	l.current = d

	l.logger.Info("browser launched",
		zap.String("session", logging.ShortID(sessionID)),
		zap.Int("pid", handle.Pid()),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.Int("debug_port", d.port),
	)
	return d, nil
}

// stopStale terminates the browser from the previous launch and, when
// enabled, any stray browser bound to the debugging port. Nothing to stop is
// not an error.
func (l *ProcessLauncher) stopStale(ctx context.Context) {
	if l.current != nil {
		if err := l.current.Terminate(); err != nil {
			l.logger.Warn("failed to stop previous browser", zap.Error(err))
		}
		l.current = nil
	}

	if !l.KillStrays {
		return
	}

	pattern := "remote-debugging-port=" + strconv.Itoa(l.opts.DebugPort)
	err := exec.CommandContext(ctx, "pkill", "-f", "--", pattern).Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		l.logger.Info("killed stray browser processes", zap.String("pattern", pattern))
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		// no matching process
	default:
		l.logger.Warn("stray browser cleanup failed", zap.Error(err))
	}
}

type processDisplay struct {
	handle      *proc.Handle
	port        int
	userDataDir string
	grace       time.Duration
	logger      *zap.Logger

	once sync.Once
	err  error
}

func (d *processDisplay) Port() int {
	return d.port
}

func (d *processDisplay) Done() <-chan struct{} {
	return d.handle.Done()
}

func (d *processDisplay) Terminate() error {
	d.once.Do(func() {
		if err := d.handle.Terminate(d.grace); err != nil {
			d.err = fmt.Errorf("failed to stop browser: %w", err)
		}
		if err := os.RemoveAll(d.userDataDir); err != nil {
			d.logger.Warn("failed to remove user data directory", zap.String("dir", d.userDataDir), zap.Error(err))
		}
	})
	return d.err
}
