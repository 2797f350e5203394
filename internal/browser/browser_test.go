//go:build unix

package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

func TestChromeArgs(t *testing.T) {
	opts := Options{DebugPort: 9222}
	args := ChromeArgs(opts, 1280, 720, "/tmp/profile")

	assert.Assert(t, contains(args, "--window-size=1281,721"))
	assert.Assert(t, contains(args, "--remote-debugging-port=9222"))
	assert.Assert(t, contains(args, "--kiosk"))
	assert.Assert(t, contains(args, "--user-data-dir=/tmp/profile"))
	assert.Assert(t, contains(args, "--mute-audio"))
	assert.Assert(t, !contains(args, "--headless=new"))
	assert.Equal(t, args[len(args)-1], "about:blank")

	opts.Audio = true
	opts.Headless = true
	args = ChromeArgs(opts, 640, 480, "")
	assert.Assert(t, !contains(args, "--mute-audio"))
	assert.Assert(t, contains(args, "--headless=new"))
	for _, a := range args {
		assert.Assert(t, !strings.HasPrefix(a, "--user-data-dir"))
	}
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// fakeChrome writes a script that records its arguments and then sleeps
// like a browser would.
func fakeChrome(t *testing.T) (path, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	path = filepath.Join(dir, "chrome")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\necho \"DISPLAY=$DISPLAY\" >> " + argsFile + "\nexec sleep 30\n"
	assert.NilError(t, os.WriteFile(path, []byte(script), 0o755))
	return path, argsFile
}

func readEventually(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), "DISPLAY=") {
			return string(data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s was never written", path)
	return ""
}

func TestProcessLauncherLaunchAndTerminate(t *testing.T) {
	chrome, argsFile := fakeChrome(t)
	l := NewProcessLauncher(Options{ChromePath: chrome, Display: ":99", DebugPort: 9333, TerminateGrace: time.Second}, zap.NewNop())
	l.KillStrays = false

	req := models.CaptureRequest{URL: "https://example.com", Width: 800, Height: 600, Duration: 1, Filename: "a.mp4"}
	d, err := l.Launch(context.Background(), "session-one", req)
	assert.NilError(t, err)
	assert.Equal(t, d.Port(), 9333)

	got := readEventually(t, argsFile)
	assert.Assert(t, strings.Contains(got, "--window-size=801,601"))
	assert.Assert(t, strings.Contains(got, "DISPLAY=:99"))

	assert.NilError(t, d.Terminate())
	select {
	case <-d.Done():
	default:
		t.Fatal("display still running after Terminate")
	}
	assert.NilError(t, d.Terminate())

	_, err = os.Stat(filepath.Join(os.TempDir(), "page-recorder", "chrome-session-one"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestProcessLauncherStopsPreviousDisplay(t *testing.T) {
	chrome, _ := fakeChrome(t)
	l := NewProcessLauncher(Options{ChromePath: chrome, Display: ":99", DebugPort: 9333, TerminateGrace: time.Second}, zap.NewNop())
	l.KillStrays = false

	req := models.CaptureRequest{URL: "https://example.com", Width: 800, Height: 600, Duration: 1, Filename: "a.mp4"}
	first, err := l.Launch(context.Background(), "session-one", req)
	assert.NilError(t, err)

	second, err := l.Launch(context.Background(), "session-two", req)
	assert.NilError(t, err)
	defer second.Terminate()

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("previous display was not stopped")
	}
}

func TestProcessLauncherSpawnFailure(t *testing.T) {
	l := NewProcessLauncher(Options{ChromePath: "/nonexistent/chrome", DebugPort: 9333}, nil)
	l.KillStrays = false

	_, err := l.Launch(context.Background(), "session-x", models.CaptureRequest{Width: 10, Height: 10})
	assert.Equal(t, failure.KindOf(err), failure.KindLaunch)
}

func TestDebuggerURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/json/version")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Browser":"HeadlessChrome/120.0","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	url, err := DebuggerURL(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	assert.NilError(t, err)
	assert.Equal(t, url, "ws://127.0.0.1:9222/devtools/browser/abc")
}

func TestDebuggerURLMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Browser":"Chrome"}`))
	}))
	defer srv.Close()

	_, err := DebuggerURL(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	assert.ErrorContains(t, err, "websocket debugger url")
}
