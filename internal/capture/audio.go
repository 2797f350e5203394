package capture

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const audioSetupTimeout = 10 * time.Second

// Runner executes a setup command
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// AudioSink provisions a PulseAudio null sink so the browser has somewhere
// to play audio that ffmpeg can record, on hosts without a sound card. The
// sink's monitor becomes the default source, which is what ffmpeg opens.
type AudioSink struct {
	name   string
	logger *zap.Logger
	run    Runner

	mu        sync.Mutex
	attempted bool
	ready     bool
}

// NewAudioSink creates a provisioner for a null sink called name
func NewAudioSink(name string, logger *zap.Logger) *AudioSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioSink{name: name, logger: logger.Named("audio"), run: execRunner}
}

// WithRunner replaces the command runner
func (a *AudioSink) WithRunner(run Runner) *AudioSink {
	a.run = run
	return a
}

// Monitor is the source that records what plays on the sink
func (a *AudioSink) Monitor() string {
	return a.name + ".monitor"
}

// Ensure provisions the sink once. Failures are logged and reported as
// false; recording continues without reliable audio. A setup cut short by
// ctx is not counted and runs again on the next call.
func (a *AudioSink) Ensure(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.attempted {
		return a.ready
	}

	setupCtx, cancel := context.WithTimeout(ctx, audioSetupTimeout)
	defer cancel()

	steps := [][]string{
		{"pulseaudio", "--start", "--exit-idle-time=-1"},
		{"pactl", "load-module", "module-null-sink", "sink_name=" + a.name},
		{"pactl", "set-default-sink", a.name},
		{"pactl", "set-default-source", a.Monitor()},
	}
	for _, step := range steps {
		if err := a.run(setupCtx, step[0], step[1:]...); err != nil {
			if ctx.Err() != nil {
				a.logger.Warn("audio sink setup interrupted", zap.Error(err))
				return false
			}
			a.attempted = true
			a.logger.Warn("audio sink setup failed, recording without reliable audio", zap.Error(err))
			return false
		}
	}

	a.attempted = true
	a.ready = true
	a.logger.Info("audio sink ready", zap.String("sink", a.name), zap.String("source", a.Monitor()))
	return true
}
