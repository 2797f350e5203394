package models

import "time"

// SessionState represents where a recording session is in its pipeline
type SessionState string

const (
	StateIdle            SessionState = "IDLE"
	StateLaunching       SessionState = "LAUNCHING"
	StateAwaitingDisplay SessionState = "AWAITING_DISPLAY"
	StateNavigating      SessionState = "NAVIGATING"
	StateCapturing       SessionState = "CAPTURING"
	StateCompleted       SessionState = "COMPLETED"
	StateFailed          SessionState = "FAILED"
)

// Terminal reports whether the state ends a session
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether a session in this state holds the recording slot
func (s SessionState) Active() bool {
	return s != StateIdle && s != "" && !s.Terminal()
}

// Session represents one capture from request to artifact
type Session struct {
	ID         string         `json:"id"`
	State      SessionState   `json:"state"`
	Request    CaptureRequest `json:"request"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"errorKind,omitempty"`
	OutputPath string         `json:"-"`
	OutputSize int64          `json:"outputSize,omitempty"`
	PageTitle  string         `json:"pageTitle,omitempty"`
}
