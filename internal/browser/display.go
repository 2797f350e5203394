// Package browser launches and terminates the Chrome instance used as the
// rendering surface for a recording.
package browser

import (
	"fmt"
	"strconv"
	"time"
)

// Display is a running browser exposing a remote-debugging port
type Display interface {
	// Port is the remote-debugging port on the host
	Port() int
	// Terminate stops the browser. It is safe to call more than once.
	Terminate() error
	// Done is closed when the browser has exited
	Done() <-chan struct{}
}

// Options configure how the browser is started
type Options struct {
	ChromePath     string
	Display        string
	DebugPort      int
	Headless       bool
	Audio          bool
	TerminateGrace time.Duration
}

func (o Options) grace() time.Duration {
	if o.TerminateGrace <= 0 {
		return 5 * time.Second
	}
	return o.TerminateGrace
}

// ChromeArgs composes the fixed kiosk argument set. The window is one pixel
// larger than the capture so no border shows inside the grabbed area.
func ChromeArgs(opts Options, width, height int, userDataDir string) []string {
	args := []string{
		"--window-position=0,0",
		fmt.Sprintf("--window-size=%d,%d", width+1, height+1),
		"--remote-debugging-port=" + strconv.Itoa(opts.DebugPort),
		"--no-first-run",
		"--no-default-browser-check",
		"--start-fullscreen",
		"--kiosk",
		"--disable-gpu",
		"--no-sandbox",
		"--disable-extensions",
		"--autoplay-policy=no-user-gesture-required",
		"--allow-running-insecure-content",
		"--disable-features=TranslateUI",
		"--disable-dev-shm-usage",
	}
	if userDataDir != "" {
		args = append(args, "--user-data-dir="+userDataDir)
	}
	if !opts.Audio {
		args = append(args, "--mute-audio")
	}
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	return append(args, "about:blank")
}
