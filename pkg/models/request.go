package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
)

const (
	// DefaultDuration is the capture length in seconds when a request omits it
	DefaultDuration = 10
	// MaxDuration caps the capture length in seconds
	MaxDuration = 3600
)

// CaptureRequest is the payload for starting a recording
type CaptureRequest struct {
	URL      string `json:"url"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Defaults fills the optional fields of a CaptureRequest
type Defaults struct {
	Width    int
	Height   int
	Duration int
	Now      func() time.Time
}

// DefaultFilename derives an artifact name from a timestamp
func DefaultFilename(t time.Time) string {
	return fmt.Sprintf("recording-%d.mp4", t.UnixMilli())
}

// WithDefaults returns a copy with zero-valued optional fields filled in
func (r CaptureRequest) WithDefaults(d Defaults) CaptureRequest {
	if r.Width == 0 {
		r.Width = d.Width
	}
	if r.Height == 0 {
		r.Height = d.Height
	}
	if r.Duration == 0 {
		r.Duration = d.Duration
		if r.Duration == 0 {
			r.Duration = DefaultDuration
		}
	}
	if r.Filename == "" {
		now := time.Now
		if d.Now != nil {
			now = d.Now
		}
		r.Filename = DefaultFilename(now())
	}
	return r
}

// Validate checks the request invariants. Failures are
// failure.KindInvalidRequest.
func (r CaptureRequest) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return failure.New(failure.KindInvalidRequest, "validate request", errors.New("url is required"))
	}

	u, err := url.Parse(r.URL)
	if err != nil {
		return failure.New(failure.KindInvalidRequest, "validate request", fmt.Errorf("invalid url: %w", err))
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return failure.New(failure.KindInvalidRequest, "validate request", fmt.Errorf("url %q has no host", r.URL))
		}
	case "file":
		if u.Path == "" {
			return failure.New(failure.KindInvalidRequest, "validate request", fmt.Errorf("url %q has no path", r.URL))
		}
	default:
		return failure.New(failure.KindInvalidRequest, "validate request", fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}

	if r.Width <= 0 || r.Height <= 0 {
		return failure.New(failure.KindInvalidRequest, "validate request", fmt.Errorf("width and height must be positive, got %dx%d", r.Width, r.Height))
	}
	if r.Duration <= 0 {
		return failure.New(failure.KindInvalidRequest, "validate request", fmt.Errorf("duration must be positive, got %d", r.Duration))
	}
	if r.Duration > MaxDuration {
		return failure.New(failure.KindInvalidRequest, "validate request", fmt.Errorf("duration must be at most %d seconds, got %d", MaxDuration, r.Duration))
	}
	if r.Filename == "" {
		return failure.New(failure.KindInvalidRequest, "validate request", errors.New("filename is required"))
	}

	return nil
}
