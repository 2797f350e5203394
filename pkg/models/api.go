package models

// Status values reported by the API
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusRecording = "recording"
	StatusIdle      = "idle"
)

// RecordResponse is returned by POST /api/record on success
type RecordResponse struct {
	Status    string `json:"status"`
	Filename  string `json:"filename"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
}

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	Status      string   `json:"status"`
	Session     *Session `json:"session,omitempty"`
	LastSession *Session `json:"lastSession,omitempty"`
}

// RecordingsResponse is returned by GET /api/recordings
type RecordingsResponse struct {
	Status     string   `json:"status"`
	Recordings []string `json:"recordings"`
}
