package capture

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
)

func TestAudioSinkEnsureRunsOnce(t *testing.T) {
	var calls []string
	sink := NewAudioSink("recorder", zap.NewNop()).WithRunner(func(_ context.Context, name string, args ...string) error {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return nil
	})

	assert.Assert(t, sink.Ensure(context.Background()))
	assert.Assert(t, sink.Ensure(context.Background()))
	assert.DeepEqual(t, calls, []string{
		"pulseaudio --start --exit-idle-time=-1",
		"pactl load-module module-null-sink sink_name=recorder",
		"pactl set-default-sink recorder",
		"pactl set-default-source recorder.monitor",
	})
}

func TestAudioSinkFailureIsNotFatal(t *testing.T) {
	calls := 0
	sink := NewAudioSink("recorder", nil).WithRunner(func(context.Context, string, ...string) error {
		calls++
		return errors.New("pulseaudio: command not found")
	})

	assert.Assert(t, !sink.Ensure(context.Background()))
	assert.Assert(t, !sink.Ensure(context.Background()))
	assert.Equal(t, calls, 1)
}

func TestAudioSinkInterruptedSetupRetries(t *testing.T) {
	calls := 0
	sink := NewAudioSink("recorder", nil).WithRunner(func(ctx context.Context, _ string, _ ...string) error {
		calls++
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Assert(t, !sink.Ensure(ctx))
	assert.Equal(t, calls, 1)

	assert.Assert(t, sink.Ensure(context.Background()))
	assert.Equal(t, calls, 5)
	assert.Assert(t, sink.Ensure(context.Background()))
	assert.Equal(t, calls, 5)
}
