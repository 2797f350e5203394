package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
	"github.com/shehryarbajwa/page-recorder/internal/metrics"
	"github.com/shehryarbajwa/page-recorder/internal/recordings"
	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

// Coordinator runs recordings and reports their state
type Coordinator interface {
	Record(ctx context.Context, req models.CaptureRequest) (*models.Session, error)
	Status() *models.Session
	LastSession() *models.Session
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	coordinator Coordinator
	store       *recordings.Store
	metrics     *metrics.Sessions
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(coordinator Coordinator, store *recordings.Store, sessions *metrics.Sessions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		coordinator: coordinator,
		store:       store,
		metrics:     sessions,
		logger:      logger.Named("api"),
	}
}

// Record handles POST /api/record. It responds once the recording has
// finished or failed.
func (h *Handler) Record(w http.ResponseWriter, r *http.Request) {
	var req models.CaptureRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.metrics.Rejected("invalid")
		writeError(w, failure.New(failure.KindInvalidRequest, "decode request", errors.New("invalid request body: "+err.Error())))
		return
	}

	if req.URL == "" {
		h.metrics.Rejected("invalid")
		writeError(w, failure.New(failure.KindInvalidRequest, "validate request", errors.New("url is required")))
		return
	}

	if req.Filename != "" {
		if err := recordings.ValidateName(req.Filename); err != nil {
			h.metrics.Rejected("invalid")
			writeError(w, err)
			return
		}
	}

	session, err := h.coordinator.Record(r.Context(), req)
	if err != nil {
		h.logger.Warn("recording request failed",
			zap.String("url", req.URL),
			zap.String("kind", string(failure.KindOf(err))),
			zap.Error(err),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.RecordResponse{
		Status:    models.StatusSuccess,
		Filename:  session.Request.Filename,
		SessionID: session.ID,
		Message:   "Recording completed",
	})
}

// Status handles GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := models.StatusResponse{
		Status:      models.StatusIdle,
		LastSession: h.coordinator.LastSession(),
	}
	if active := h.coordinator.Status(); active != nil {
		resp.Status = models.StatusRecording
		resp.Session = active
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListRecordings handles GET /api/recordings
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.List()
	if err != nil {
		h.logger.Error("failed to list recordings", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Status: models.StatusError,
			Error:  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, models.RecordingsResponse{
		Status:     models.StatusSuccess,
		Recordings: names,
	})
}

// GetRecording handles GET /api/recordings/{name}
func (h *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	path, err := h.store.Path(name)
	switch {
	case errors.Is(err, recordings.ErrNotFound):
		http.Error(w, "Recording not found", http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindInvalidRequest:
		return http.StatusBadRequest
	case failure.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	resp := models.ErrorResponse{
		Status: models.StatusError,
		Error:  err.Error(),
	}
	if status := statusFor(kind); status == http.StatusInternalServerError {
		resp.Kind = string(kind)
	}
	writeJSON(w, statusFor(kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
