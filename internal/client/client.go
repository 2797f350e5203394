// Package client talks to a running page-recorder server.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/shehryarbajwa/page-recorder/pkg/models"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// RecorderClient wraps the HTTP API
type RecorderClient struct {
	HTTP *resty.Client
}

// New creates a client for the server at baseURL. Recording requests block
// until the capture ends, so the timeout should exceed the longest
// recording.
func New(baseURL string, timeout time.Duration) *RecorderClient {
	r := resty.New()
	r.SetBaseURL(baseURL)
	r.SetHeader("Content-Type", "application/json")
	r.SetHeader("Accept", "application/json")
	if timeout > 0 {
		r.SetTimeout(timeout)
	}

	return &RecorderClient{HTTP: r}
}

func apiError(resp *resty.Response) error {
	e := &APIError{StatusCode: resp.StatusCode(), Message: resp.String()}
	if body, ok := resp.Error().(*models.ErrorResponse); ok && body.Error != "" {
		e.Message = body.Error
		e.Kind = body.Kind
	}
	return e
}

// Record starts a recording and waits for it to finish
func (c *RecorderClient) Record(ctx context.Context, req models.CaptureRequest) (*models.RecordResponse, error) {
	resp, err := c.HTTP.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&models.RecordResponse{}).
		SetError(&models.ErrorResponse{}).
		Post("/api/record")
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		return nil, apiError(resp)
	}

	return resp.Result().(*models.RecordResponse), nil
}

// Status reports whether a recording is in progress
func (c *RecorderClient) Status(ctx context.Context) (*models.StatusResponse, error) {
	resp, err := c.HTTP.R().
		SetContext(ctx).
		SetResult(&models.StatusResponse{}).
		SetError(&models.ErrorResponse{}).
		Get("/api/status")
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		return nil, apiError(resp)
	}

	return resp.Result().(*models.StatusResponse), nil
}

// Recordings lists the recordings on the server
func (c *RecorderClient) Recordings(ctx context.Context) ([]string, error) {
	var respData models.RecordingsResponse

	resp, err := c.HTTP.R().
		SetContext(ctx).
		SetResult(&respData).
		SetError(&models.ErrorResponse{}).
		Get("/api/recordings")
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		return nil, apiError(resp)
	}

	return respData.Recordings, nil
}
