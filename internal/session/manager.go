// Package session coordinates one recording at a time: it launches the
// display, waits for its debugging port, navigates the page, runs the
// capture and tears everything down on every exit path.
package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/page-recorder/internal/browser"
	"github.com/shehryarbajwa/page-recorder/internal/capture"
	"github.com/shehryarbajwa/page-recorder/internal/failure"
	"github.com/shehryarbajwa/page-recorder/internal/logging"
	"github.com/shehryarbajwa/page-recorder/internal/metrics"
	"github.com/shehryarbajwa/page-recorder/internal/page"
	"github.com/shehryarbajwa/page-recorder/internal/poll"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

var (
	errBusy         = errors.New("a recording is already in progress")
	errShuttingDown = errors.New("server is shutting down")
	errDisplayGone  = errors.New("display exited during the session")
)

// DisplayLauncher starts the browser that renders the page
type DisplayLauncher interface {
	Launch(ctx context.Context, sessionID string, req models.CaptureRequest) (browser.Display, error)
}

// PageConnection is an open control connection to the display
type PageConnection interface {
	Close() error
	Summary() page.Summary
}

// PageDriver loads the target page on a display
type PageDriver interface {
	OpenAndNavigate(ctx context.Context, port int, url string) (PageConnection, error)
}

// Capturer records the display into a file
type Capturer interface {
	CaptureFor(ctx context.Context, spec capture.Spec) (*capture.Result, error)
}

// AudioProvisioner prepares a system audio source before capture
type AudioProvisioner interface {
	Ensure(ctx context.Context) bool
}

type pageDriver struct {
	driver *page.Driver
}

func (p pageDriver) OpenAndNavigate(ctx context.Context, port int, url string) (PageConnection, error) {
	conn, err := p.driver.OpenAndNavigate(ctx, port, url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Pages adapts a page.Driver to PageDriver
func Pages(d *page.Driver) PageDriver {
	return pageDriver{driver: d}
}

// Options configure the coordinator
type Options struct {
	RecordingsDir string
	Defaults      models.Defaults
	// Host is where display debugging ports are reachable
	Host         string
	ReadyTimeout time.Duration
}

// Deps are the collaborators the coordinator sequences. Audio and Metrics
// are optional.
type Deps struct {
	Launcher DisplayLauncher
	Pages    PageDriver
	Capture  Capturer
	Audio    AudioProvisioner
	Metrics  *metrics.Sessions
}

// Manager owns the single recording slot
type Manager struct {
	opts    Options
	deps    Deps
	logger  *zap.Logger
	slot    *semaphore.Weighted
	newID   func() string
	started func() time.Time

	awaitPort func(ctx context.Context, host string, port int, timeout time.Duration) error

	mu     sync.RWMutex
	active *run
	last   *models.Session
	closed bool
}

// NewManager creates a session coordinator
func NewManager(opts Options, deps Deps, logger *zap.Logger) *Manager {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:      opts,
		deps:      deps,
		logger:    logger.Named("session"),
		slot:      semaphore.NewWeighted(1),
		newID:     func() string { return uuid.New().String() },
		started:   time.Now,
		awaitPort: poll.AwaitPort,
	}
}

// run is the mutable state of the active session
type run struct {
	mu      sync.Mutex
	session models.Session
	display browser.Display
	conn    PageConnection

	cancel       context.CancelCauseFunc
	teardownOnce sync.Once
	done         chan struct{}
	logger       *zap.Logger
}

func (r *run) snapshot() models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *run) transition(state models.SessionState) {
	r.mu.Lock()
	from := r.session.State
	r.session.State = state
	r.mu.Unlock()
	r.logger.Debug("session state changed", zap.String("from", string(from)), zap.String("to", string(state)))
}

// Record runs one capture to completion. The returned session reflects the
// terminal state; it is nil only when the request was rejected before a
// session started.
func (m *Manager) Record(ctx context.Context, req models.CaptureRequest) (*models.Session, error) {
	req = req.WithDefaults(m.opts.Defaults)
	if err := req.Validate(); err != nil {
		m.deps.Metrics.Rejected("invalid")
		return nil, err
	}

	r, sessCtx, err := m.acquireSlot(ctx, req)
	if err != nil {
		return nil, err
	}
	defer m.teardown(r)

	r.logger.Info("recording accepted",
		zap.String("url", req.URL),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.Int("duration", req.Duration),
		zap.String("filename", req.Filename),
	)

	err = m.pipeline(sessCtx, r)
	m.finish(r, err)
	m.teardown(r)

	snap := r.snapshot()
	return &snap, err
}

// acquireSlot claims the recording slot and registers a new active session
// whose context derives from ctx.
func (m *Manager) acquireSlot(ctx context.Context, req models.CaptureRequest) (*run, context.Context, error) {
	if !m.slot.TryAcquire(1) {
		m.deps.Metrics.Rejected("conflict")
		return nil, nil, failure.New(failure.KindConflict, "accept recording", errBusy)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.slot.Release(1)
		m.deps.Metrics.Rejected("shutdown")
		return nil, nil, failure.New(failure.KindConflict, "accept recording", errShuttingDown)
	}

	sessCtx, cancel := context.WithCancelCause(ctx)
	id := m.newID()
	r := &run{
		session: models.Session{
			ID:        id,
			State:     models.StateLaunching,
			Request:   req,
			StartedAt: m.started(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
		logger: m.logger.With(zap.String("session", logging.ShortID(id))),
	}
	m.active = r
	m.mu.Unlock()

	m.deps.Metrics.Started()
	return r, sessCtx, nil
}

// releaseSlot clears the active session and frees the slot
func (m *Manager) releaseSlot(r *run) {
	snap := r.snapshot()

	m.mu.Lock()
	if m.active == r {
		m.active = nil
	}
	m.last = &snap
	m.mu.Unlock()

	m.slot.Release(1)
}

func (m *Manager) pipeline(ctx context.Context, r *run) error {
	req := r.session.Request
	id := r.session.ID

	videoOnly := false
	if m.deps.Audio != nil && !m.deps.Audio.Ensure(ctx) {
		r.logger.Warn("audio source unavailable, capturing video only")
		videoOnly = true
	}

	display, err := m.deps.Launcher.Launch(ctx, id, req)
	if err != nil {
		return failure.Wrap(failure.KindLaunch, "launch display", err)
	}
	r.mu.Lock()
	r.display = display
	r.mu.Unlock()
	go m.watchDisplay(ctx, r, display)

	r.transition(models.StateAwaitingDisplay)
	if err := m.awaitPort(ctx, m.opts.Host, display.Port(), m.opts.ReadyTimeout); err != nil {
		return m.classify(ctx, failure.KindPortUnavailable, "await display", err)
	}

	r.transition(models.StateNavigating)
	conn, err := m.deps.Pages.OpenAndNavigate(ctx, display.Port(), req.URL)
	if err != nil {
		return m.classify(ctx, failure.KindControlConnection, "open page", err)
	}
	summary := conn.Summary()
	r.mu.Lock()
	r.conn = conn
	r.session.PageTitle = summary.Title
	r.mu.Unlock()

	r.transition(models.StateCapturing)
	res, err := m.deps.Capture.CaptureFor(ctx, capture.Spec{
		Width:      req.Width,
		Height:     req.Height,
		Duration:   time.Duration(req.Duration) * time.Second,
		OutputPath: filepath.Join(m.opts.RecordingsDir, req.Filename),
		VideoOnly:  videoOnly,
	})
	if err != nil {
		return m.classify(ctx, failure.KindCaptureProcess, "capture", err)
	}

	r.mu.Lock()
	r.session.OutputPath = res.OutputPath
	r.session.OutputSize = res.Size
	r.mu.Unlock()

	if res.Forced {
		r.logger.Warn("capture ended by forced termination", zap.Int64("bytes", res.Size))
	}
	return nil
}

// classify attributes a failure caused by the display exiting to the
// display rather than to the step that noticed it. A navigation that timed
// out or failed on its own keeps its kind.
func (m *Manager) classify(ctx context.Context, kind failure.Kind, op string, err error) error {
	switch failure.KindOf(err) {
	case failure.KindNavigationTimeout, failure.KindNavigationFailed:
		return err
	}
	if errors.Is(context.Cause(ctx), errDisplayGone) {
		return failure.New(failure.KindLaunch, op, errDisplayGone)
	}
	return failure.Wrap(kind, op, err)
}

// watchDisplay cancels the session if the browser exits on its own
func (m *Manager) watchDisplay(ctx context.Context, r *run, display browser.Display) {
	select {
	case <-ctx.Done():
	case <-display.Done():
		if ctx.Err() == nil {
			r.logger.Warn("display exited unexpectedly")
			r.cancel(errDisplayGone)
		}
	}
}

func (m *Manager) finish(r *run, err error) {
	now := time.Now()

	r.mu.Lock()
	r.session.EndedAt = &now
	if err != nil {
		r.session.State = models.StateFailed
		r.session.Error = err.Error()
		r.session.ErrorKind = string(failure.KindOf(err))
	} else {
		r.session.State = models.StateCompleted
	}
	snap := r.session
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("recording failed",
			zap.String("state", string(snap.State)),
			zap.String("kind", snap.ErrorKind),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("recording completed",
		zap.String("output", snap.OutputPath),
		zap.Int64("bytes", snap.OutputSize),
		zap.String("title", snap.PageTitle),
		zap.Duration("elapsed", now.Sub(snap.StartedAt)),
	)
}

// teardown releases everything the session acquired. It runs once; later
// calls return immediately.
func (m *Manager) teardown(r *run) {
	r.teardownOnce.Do(func() {
		defer close(r.done)

		r.cancel(nil)

		r.mu.Lock()
		conn, display := r.conn, r.display
		if !r.session.State.Terminal() {
			now := time.Now()
			r.session.State = models.StateFailed
			r.session.EndedAt = &now
			if r.session.Error == "" {
				r.session.Error = "session aborted"
				r.session.ErrorKind = string(failure.KindCanceled)
			}
		}
		snap := r.session
		r.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				r.logger.Warn("failed to close page connection", zap.Error(err))
			}
		}
		if display != nil {
			if err := display.Terminate(); err != nil {
				r.logger.Warn("failed to terminate display", zap.Error(err))
			}
		}

		outcome := metrics.OutcomeSuccess
		if snap.State == models.StateFailed {
			outcome = metrics.OutcomeFailure
		}
		end := time.Now()
		if snap.EndedAt != nil {
			end = *snap.EndedAt
		}
		m.deps.Metrics.Finished(outcome, snap.ErrorKind, end.Sub(snap.StartedAt))

		m.releaseSlot(r)
		r.logger.Debug("session torn down")
	})
}

// Status returns a snapshot of the active session, or nil when idle. A
// session that has finished but not yet released the slot counts as idle.
func (m *Manager) Status() *models.Session {
	m.mu.RLock()
	r := m.active
	m.mu.RUnlock()
	if r == nil {
		return nil
	}
	snap := r.snapshot()
	if !snap.State.Active() {
		return nil
	}
	return &snap
}

// LastSession returns the most recently finished session, or nil
func (m *Manager) LastSession() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	snap := *m.last
	return &snap
}

// ActivePort returns the debugging port of the active session's display
func (m *Manager) ActivePort() (int, bool) {
	m.mu.RLock()
	r := m.active
	m.mu.RUnlock()
	if r == nil {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.display == nil || !r.session.State.Active() {
		return 0, false
	}
	return r.display.Port(), true
}

// Shutdown refuses new recordings, cancels the active one and waits for
// its teardown or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	r := m.active
	m.mu.Unlock()

	if r == nil {
		return nil
	}

	r.logger.Info("canceling active session for shutdown")
	r.cancel(errShuttingDown)

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
