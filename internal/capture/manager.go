// Package capture runs ffmpeg to grab the X display (and optionally system
// audio) into a video file for a fixed duration.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
	"github.com/shehryarbajwa/page-recorder/internal/proc"
)

// FrameRate is the fixed capture and output frame rate
const FrameRate = 30

// AudioOptions select the audio input. Source is an ffmpeg input format
// (pulse or alsa).
type AudioOptions struct {
	Enabled bool
	Source  string
	Device  string
}

// Options configure the capture process
type Options struct {
	FFmpegPath     string
	Display        string
	Margin         time.Duration
	TerminateGrace time.Duration
	Audio          AudioOptions
}

// Spec describes one capture. VideoOnly drops the configured audio input
// for captures whose audio source could not be prepared.
type Spec struct {
	Width      int
	Height     int
	Duration   time.Duration
	OutputPath string
	VideoOnly  bool
}

// Result describes a finished capture. Forced is set when ffmpeg had to be
// terminated at the deadline.
type Result struct {
	OutputPath string
	Size       int64
	ExitCode   int
	Forced     bool
	Elapsed    time.Duration
}

// Manager runs capture processes
type Manager struct {
	opts   Options
	logger *zap.Logger
}

// NewManager creates a capture manager
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Margin <= 0 {
		opts.Margin = 5 * time.Second
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{opts: opts, logger: logger.Named("capture")}
}

// Args composes the ffmpeg command line for spec
func (m *Manager) Args(spec Spec) []string {
	args := []string{
		"-y",
		"-f", "x11grab",
		"-draw_mouse", "0",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-thread_queue_size", "4096",
		"-r", strconv.Itoa(FrameRate),
		"-i", m.opts.Display,
	}

	if m.opts.Audio.Enabled && !spec.VideoOnly {
		args = append(args,
			"-f", m.opts.Audio.Source,
			"-thread_queue_size", "4096",
			"-i", m.opts.Audio.Device,
			"-acodec", "aac",
			"-ar", "44100",
		)
	}

	return append(args,
		"-c:v", "libx264",
		"-tune", "zerolatency",
		"-preset", "ultrafast",
		"-v", "info",
		"-bufsize", "5952k",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(FrameRate),
		"-crf", "17",
		"-g", "60",
		"-strict", "-2",
		"-t", strconv.FormatFloat(spec.Duration.Seconds(), 'f', -1, 64),
		spec.OutputPath,
	)
}

// CaptureFor records for spec.Duration. ffmpeg exiting 0 is success and a
// non-zero exit is failure. If ffmpeg is still running at Duration+Margin it
// is terminated, and the capture succeeds only if the output is non-empty.
// Cancelling ctx terminates ffmpeg before returning.
func (m *Manager) CaptureFor(ctx context.Context, spec Spec) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0755); err != nil {
		return nil, failure.New(failure.KindCaptureProcess, "create output directory", err)
	}

	logger := m.logger.With(zap.String("output", spec.OutputPath))

	handle, err := proc.Start(proc.Spec{
		Name: "ffmpeg",
		Path: m.opts.FFmpegPath,
		Args: m.Args(spec),
	}, logger)
	if err != nil {
		return nil, failure.New(failure.KindCaptureProcess, "start ffmpeg", err)
	}

	start := time.Now()
	deadline := spec.Duration + m.opts.Margin
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	logger.Info("capture started",
		zap.Int("pid", handle.Pid()),
		zap.Duration("duration", spec.Duration),
		zap.Duration("deadline", deadline),
	)

	select {
	case <-handle.Done():
		code := handle.ExitCode()
		if code != 0 {
			return nil, failure.ProcessExit("ffmpeg exited", code, handle.Err())
		}
		size, err := outputSize(spec.OutputPath)
		if err != nil {
			logger.Warn("ffmpeg exited cleanly without output", zap.Error(err))
		}
		logger.Info("capture completed", zap.Int64("bytes", size), zap.Duration("elapsed", time.Since(start)))
		return &Result{OutputPath: spec.OutputPath, Size: size, Elapsed: time.Since(start)}, nil

	case <-timer.C:
		logger.Warn("capture deadline reached, terminating ffmpeg", zap.Duration("deadline", deadline))
		if err := handle.Terminate(m.opts.TerminateGrace); err != nil {
			logger.Warn("failed to terminate ffmpeg", zap.Error(err))
		}
		size, err := outputSize(spec.OutputPath)
		if err != nil || size == 0 {
			return nil, failure.Timeout(failure.KindCaptureIncomplete, "ffmpeg terminated at deadline without output", time.Since(start), err)
		}
		logger.Info("capture completed after forced termination", zap.Int64("bytes", size))
		return &Result{
			OutputPath: spec.OutputPath,
			Size:       size,
			ExitCode:   handle.ExitCode(),
			Forced:     true,
			Elapsed:    time.Since(start),
		}, nil

	case <-ctx.Done():
		logger.Warn("capture canceled, terminating ffmpeg", zap.Error(ctx.Err()))
		if err := handle.Terminate(m.opts.TerminateGrace); err != nil {
			logger.Warn("failed to terminate ffmpeg", zap.Error(err))
		}
		return nil, failure.Canceled("capture", ctx.Err())
	}
}

func outputSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
