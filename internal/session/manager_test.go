package session

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"

	"github.com/shehryarbajwa/page-recorder/internal/browser"
	"github.com/shehryarbajwa/page-recorder/internal/capture"
	"github.com/shehryarbajwa/page-recorder/internal/failure"
	"github.com/shehryarbajwa/page-recorder/internal/metrics"
	"github.com/shehryarbajwa/page-recorder/internal/page"
	"github.com/shehryarbajwa/page-recorder/internal/poll"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

type fakeDisplay struct {
	port       int
	terminated atomic.Int32
	once       sync.Once
	done       chan struct{}
}

func newFakeDisplay(port int) *fakeDisplay {
	return &fakeDisplay{port: port, done: make(chan struct{})}
}

func (d *fakeDisplay) Port() int             { return d.port }
func (d *fakeDisplay) Done() <-chan struct{} { return d.done }

func (d *fakeDisplay) Terminate() error {
	d.terminated.Add(1)
	d.exit()
	return nil
}

func (d *fakeDisplay) exit() {
	d.once.Do(func() { close(d.done) })
}

type fakeLauncher struct {
	display  *fakeDisplay
	err      error
	launched atomic.Int32
	lastReq  models.CaptureRequest
}

func (l *fakeLauncher) Launch(_ context.Context, _ string, req models.CaptureRequest) (browser.Display, error) {
	l.launched.Add(1)
	l.lastReq = req
	if l.err != nil {
		return nil, l.err
	}
	return l.display, nil
}

type fakeConn struct {
	closed atomic.Int32
}

func (c *fakeConn) Close() error { c.closed.Add(1); return nil }

func (c *fakeConn) Summary() page.Summary { return page.Summary{Title: "Example Domain"} }

type fakePages struct {
	conn   *fakeConn
	err    error
	onOpen func(ctx context.Context)
}

func (p *fakePages) OpenAndNavigate(ctx context.Context, _ int, _ string) (PageConnection, error) {
	if p.onOpen != nil {
		p.onOpen(ctx)
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.conn, nil
}

type fakeAudio struct {
	ready bool
	calls atomic.Int32
}

func (a *fakeAudio) Ensure(context.Context) bool {
	a.calls.Add(1)
	return a.ready
}

type fakeCapture struct {
	calls atomic.Int32
	run   func(ctx context.Context, spec capture.Spec) (*capture.Result, error)
}

func (c *fakeCapture) CaptureFor(ctx context.Context, spec capture.Spec) (*capture.Result, error) {
	c.calls.Add(1)
	return c.run(ctx, spec)
}

func writeOutput(_ context.Context, spec capture.Spec) (*capture.Result, error) {
	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(spec.OutputPath, []byte("mp4"), 0644); err != nil {
		return nil, err
	}
	return &capture.Result{OutputPath: spec.OutputPath, Size: 3}, nil
}

// blockingCapture signals started and then waits for release or ctx
func blockingCapture(started chan<- struct{}, release <-chan struct{}) func(context.Context, capture.Spec) (*capture.Result, error) {
	return func(ctx context.Context, spec capture.Spec) (*capture.Result, error) {
		close(started)
		select {
		case <-release:
			return writeOutput(ctx, spec)
		case <-ctx.Done():
			return nil, failure.Canceled("capture", ctx.Err())
		}
	}
}

type harness struct {
	m        *Manager
	dir      string
	display  *fakeDisplay
	launcher *fakeLauncher
	pages    *fakePages
	conn     *fakeConn
	capture  *fakeCapture
	metrics  *metrics.Sessions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dir:     filepath.Join(t.TempDir(), "recordings"),
		display: newFakeDisplay(9222),
		conn:    &fakeConn{},
		capture: &fakeCapture{run: writeOutput},
		metrics: metrics.New(),
	}
	h.launcher = &fakeLauncher{display: h.display}
	h.pages = &fakePages{conn: h.conn}

	h.m = NewManager(Options{
		RecordingsDir: h.dir,
		Defaults:      models.Defaults{Width: 1280, Height: 720, Duration: 5},
		ReadyTimeout:  time.Second,
	}, Deps{
		Launcher: h.launcher,
		Pages:    h.pages,
		Capture:  h.capture,
		Metrics:  h.metrics,
	}, zap.NewNop())
	h.m.awaitPort = func(context.Context, string, int, time.Duration) error { return nil }
	return h
}

func (h *harness) assertIdle(t *testing.T) {
	t.Helper()
	assert.Assert(t, h.m.Status() == nil)
	assert.Assert(t, h.m.slot.TryAcquire(1), "slot still held")
	h.m.slot.Release(1)
}

func TestRecordCompletes(t *testing.T) {
	h := newHarness(t)

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{
		URL:      "https://example.com",
		Width:    1280,
		Height:   720,
		Duration: 5,
		Filename: "example.mp4",
	})
	assert.NilError(t, err)
	assert.Equal(t, sess.State, models.StateCompleted)
	assert.Equal(t, sess.PageTitle, "Example Domain")
	assert.Equal(t, sess.OutputSize, int64(3))
	assert.Assert(t, sess.EndedAt != nil)

	info, err := os.Stat(filepath.Join(h.dir, "example.mp4"))
	assert.NilError(t, err)
	assert.Assert(t, info.Size() > 0)

	assert.Equal(t, h.launcher.lastReq.Width, 1280)
	assert.Equal(t, h.launcher.lastReq.Height, 720)
	assert.Equal(t, h.display.terminated.Load(), int32(1))
	assert.Equal(t, h.conn.closed.Load(), int32(1))
	h.assertIdle(t)

	last := h.m.LastSession()
	assert.Assert(t, last != nil)
	assert.Equal(t, last.ID, sess.ID)
	assert.Equal(t, last.State, models.StateCompleted)
}

func TestRecordAppliesDefaults(t *testing.T) {
	h := newHarness(t)
	h.m.opts.Defaults.Now = func() time.Time { return time.UnixMilli(1700000000000) }

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.NilError(t, err)
	assert.Equal(t, sess.Request.Filename, "recording-1700000000000.mp4")
	assert.Equal(t, sess.Request.Duration, 5)
	assert.Equal(t, sess.OutputPath, filepath.Join(h.dir, "recording-1700000000000.mp4"))
}

func TestRecordInvalidRequestLaunchesNothing(t *testing.T) {
	h := newHarness(t)

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: ""})
	assert.Equal(t, failure.KindOf(err), failure.KindInvalidRequest)
	assert.Assert(t, sess == nil)
	assert.Equal(t, h.launcher.launched.Load(), int32(0))
	h.assertIdle(t)
}

func TestRecordLaunchErrorReleasesSlot(t *testing.T) {
	h := newHarness(t)
	h.launcher.err = failure.New(failure.KindLaunch, "start chrome", errors.New("exec: not found"))

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, failure.KindOf(err), failure.KindLaunch)
	assert.Equal(t, sess.State, models.StateFailed)
	assert.Equal(t, sess.ErrorKind, string(failure.KindLaunch))
	assert.Equal(t, h.capture.calls.Load(), int32(0))
	h.assertIdle(t)

	h.launcher.err = nil
	_, err = h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.NilError(t, err)
}

func TestRecordPortUnavailableSkipsCapture(t *testing.T) {
	h := newHarness(t)
	h.m.awaitPort = poll.AwaitPort
	h.m.opts.ReadyTimeout = 300 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	h.display.port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, failure.KindOf(err), failure.KindPortUnavailable)
	assert.Equal(t, sess.State, models.StateFailed)
	assert.Equal(t, h.capture.calls.Load(), int32(0))
	assert.Equal(t, h.display.terminated.Load(), int32(1))
	h.assertIdle(t)
}

func TestRecordNavigationTimeoutTerminatesDisplay(t *testing.T) {
	h := newHarness(t)
	h.pages.err = failure.Timeout(failure.KindNavigationTimeout, "wait for load event", 30*time.Second, nil)

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, failure.KindOf(err), failure.KindNavigationTimeout)
	assert.Equal(t, sess.State, models.StateFailed)
	assert.Equal(t, h.capture.calls.Load(), int32(0))
	assert.Equal(t, h.display.terminated.Load(), int32(1))
	h.assertIdle(t)
}

func TestRecordNavigationTimeoutKeepsKindWhenDisplayExits(t *testing.T) {
	h := newHarness(t)
	h.pages.err = failure.Timeout(failure.KindNavigationTimeout, "load https://example.com", time.Second, context.DeadlineExceeded)
	h.pages.onOpen = func(ctx context.Context) {
		h.display.exit()
		<-ctx.Done()
	}

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, failure.KindOf(err), failure.KindNavigationTimeout)
	assert.Equal(t, sess.ErrorKind, string(failure.KindNavigationTimeout))
	h.assertIdle(t)
}

func TestRecordWithoutAudioCapturesVideoOnly(t *testing.T) {
	h := newHarness(t)
	audio := &fakeAudio{ready: false}
	h.m.deps.Audio = audio

	var specs []capture.Spec
	h.capture.run = func(ctx context.Context, spec capture.Spec) (*capture.Result, error) {
		specs = append(specs, spec)
		return writeOutput(ctx, spec)
	}

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com", Filename: "silent.mp4"})
	assert.NilError(t, err)
	assert.Equal(t, sess.State, models.StateCompleted)

	audio.ready = true
	_, err = h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com", Filename: "loud.mp4"})
	assert.NilError(t, err)

	assert.Equal(t, audio.calls.Load(), int32(2))
	assert.Equal(t, len(specs), 2)
	assert.Assert(t, specs[0].VideoOnly)
	assert.Assert(t, !specs[1].VideoOnly)
}

func TestRecordCaptureFailure(t *testing.T) {
	h := newHarness(t)
	h.capture.run = func(context.Context, capture.Spec) (*capture.Result, error) {
		return nil, failure.ProcessExit("ffmpeg exited", 1, errors.New("exit status 1"))
	}

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, failure.KindOf(err), failure.KindCaptureProcess)
	assert.Equal(t, sess.State, models.StateFailed)
	assert.Equal(t, h.conn.closed.Load(), int32(1))
	assert.Equal(t, h.display.terminated.Load(), int32(1))
	h.assertIdle(t)

	count, err := testutil.GatherAndCount(h.metrics.Registry(), "page_recorder_sessions_total")
	assert.NilError(t, err)
	assert.Equal(t, count, 1)
}

func TestRecordConflictWhileCapturing(t *testing.T) {
	h := newHarness(t)
	started, release := make(chan struct{}), make(chan struct{})
	h.capture.run = blockingCapture(started, release)

	type outcome struct {
		sess *models.Session
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com", Filename: "first.mp4"})
		first <- outcome{sess, err}
	}()
	<-started

	active := h.m.Status()
	assert.Assert(t, active != nil)
	assert.Equal(t, active.State, models.StateCapturing)

	port, ok := h.m.ActivePort()
	assert.Assert(t, ok)
	assert.Equal(t, port, 9222)

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.org", Filename: "second.mp4"})
	assert.Equal(t, failure.KindOf(err), failure.KindConflict)
	assert.Assert(t, sess == nil)
	assert.Equal(t, h.launcher.launched.Load(), int32(1))

	still := h.m.Status()
	assert.Equal(t, still.ID, active.ID)
	assert.Equal(t, still.State, models.StateCapturing)
	assert.Equal(t, still.Request.Filename, "first.mp4")

	close(release)
	res := <-first
	assert.NilError(t, res.err)
	assert.Equal(t, res.sess.ID, active.ID)
	assert.Equal(t, res.sess.State, models.StateCompleted)
	h.assertIdle(t)

	_, ok = h.m.ActivePort()
	assert.Assert(t, !ok)
}

func TestRecordCallerCancelTearsDown(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.capture.run = blockingCapture(started, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	sess, err := h.m.Record(ctx, models.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, failure.KindOf(err), failure.KindCanceled)
	assert.Equal(t, sess.State, models.StateFailed)
	assert.Equal(t, h.display.terminated.Load(), int32(1))
	assert.Equal(t, h.conn.closed.Load(), int32(1))
	h.assertIdle(t)
}

func TestRecordDisplayExitFailsSession(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.capture.run = blockingCapture(started, nil)

	go func() {
		<-started
		h.display.exit()
	}()

	sess, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, failure.KindOf(err), failure.KindLaunch)
	assert.ErrorContains(t, err, "display exited")
	assert.Equal(t, sess.State, models.StateFailed)
	h.assertIdle(t)
}

func TestStatusIdleOnceFinished(t *testing.T) {
	h := newHarness(t)

	r, _, err := h.m.acquireSlot(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.NilError(t, err)
	assert.Assert(t, h.m.Status() != nil)

	h.m.finish(r, nil)
	assert.Assert(t, h.m.Status() == nil)

	h.m.teardown(r)
	h.assertIdle(t)
	assert.Equal(t, h.m.LastSession().State, models.StateCompleted)
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)

	r, _, err := h.m.acquireSlot(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.NilError(t, err)
	r.display = h.display
	r.conn = h.conn

	h.m.teardown(r)
	h.m.teardown(r)

	assert.Equal(t, h.display.terminated.Load(), int32(1))
	assert.Equal(t, h.conn.closed.Load(), int32(1))
	h.assertIdle(t)

	last := h.m.LastSession()
	assert.Equal(t, last.State, models.StateFailed)
	assert.Equal(t, last.ErrorKind, string(failure.KindCanceled))
}

func TestShutdownCancelsActiveSession(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.capture.run = blockingCapture(started, nil)

	errs := make(chan error, 1)
	go func() {
		_, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
		errs <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, h.m.Shutdown(ctx))

	assert.Equal(t, failure.KindOf(<-errs), failure.KindCanceled)
	assert.Equal(t, h.display.terminated.Load(), int32(1))
	h.assertIdle(t)

	_, err := h.m.Record(context.Background(), models.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, failure.KindOf(err), failure.KindConflict)
}

func TestShutdownWhenIdle(t *testing.T) {
	h := newHarness(t)
	assert.NilError(t, h.m.Shutdown(context.Background()))
}
