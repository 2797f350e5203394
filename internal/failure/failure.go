// Package failure classifies recording session errors so the gateway can map
// them to HTTP responses while logs keep the specific cause.
package failure

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the class of a session failure
type Kind string

const (
	KindInvalidRequest    Kind = "InvalidRequest"
	KindConflict          Kind = "Conflict"
	KindLaunch            Kind = "LaunchError"
	KindControlConnection Kind = "ControlConnectionError"
	KindNavigationTimeout Kind = "NavigationTimeout"
	KindNavigationFailed  Kind = "NavigationFailed"
	KindPortUnavailable   Kind = "PortUnavailable"
	KindCaptureProcess    Kind = "CaptureProcessError"
	KindCaptureIncomplete Kind = "CaptureIncomplete"
	KindCanceled          Kind = "Canceled"
	KindUnknown           Kind = "Unknown"
)

// Error is a classified failure. ExitCode is only meaningful for
// KindCaptureProcess, Elapsed for timeouts.
type Error struct {
	Kind     Kind
	Op       string
	Err      error
	ExitCode int
	Elapsed  time.Duration
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	switch {
	case e.Kind == KindCaptureProcess && e.ExitCode != 0:
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	case e.Elapsed > 0:
		msg += fmt.Sprintf(" (after %s)", e.Elapsed.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Timeout creates a classified error that records how long was waited
func Timeout(kind Kind, op string, elapsed time.Duration, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Elapsed: elapsed}
}

// ProcessExit reports a capture process that exited on its own with a
// non-zero status.
func ProcessExit(op string, code int, err error) *Error {
	return &Error{Kind: KindCaptureProcess, Op: op, Err: err, ExitCode: code}
}

// Canceled wraps a context error raised while op was in progress
func Canceled(op string, err error) *Error {
	return &Error{Kind: KindCanceled, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
// Bare context errors count as KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Wrap classifies err as kind unless it already carries a classification.
// Context errors are classified as KindCanceled.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled(op, err)
	}
	return New(kind, op, err)
}
