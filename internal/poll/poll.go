// Package poll waits for external dependencies to become ready.
package poll

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
)

const (
	// DefaultInterval is the pause between readiness probes
	DefaultInterval = 100 * time.Millisecond

	dialTimeout = 100 * time.Millisecond
)

// Probe reports whether the dependency is ready. A probe error is not fatal;
// the last one is kept for the timeout error.
type Probe func(ctx context.Context) (bool, error)

// TimeoutError is returned by Until when the timeout elapses first
type TimeoutError struct {
	Elapsed time.Duration
	Last    error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("not ready after %s: %v", e.Elapsed.Round(time.Millisecond), e.Last)
	}
	return fmt.Sprintf("not ready after %s", e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// Until runs probe every interval until it reports ready, timeout elapses or
// ctx is done. Cancellation of ctx returns ctx's error unchanged.
func Until(ctx context.Context, interval, timeout time.Duration, probe Probe) error {
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last error
	for {
		ready, err := probe(pctx)
		if ready {
			return nil
		}
		if err != nil {
			last = err
		}

		select {
		case <-pctx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return &TimeoutError{Elapsed: time.Since(start), Last: last}
		case <-ticker.C:
		}
	}
}

// AwaitPort waits until host:port accepts TCP connections. A timeout is
// reported as failure.KindPortUnavailable with the elapsed time.
func AwaitPort(ctx context.Context, host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: dialTimeout}

	err := Until(ctx, DefaultInterval, timeout, func(ctx context.Context) (bool, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, err
		}
		conn.Close()
		return true, nil
	})

	var te *TimeoutError
	if errors.As(err, &te) {
		return failure.Timeout(failure.KindPortUnavailable, "await "+addr, te.Elapsed, te.Last)
	}
	if err != nil {
		return failure.Canceled("await "+addr, err)
	}
	return nil
}
