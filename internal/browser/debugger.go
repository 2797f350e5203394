package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// VersionInfo is the payload of the DevTools /json/version endpoint
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DebuggerURL asks the browser listening on addr (host:port) for its
// browser-level DevTools WebSocket URL.
func DebuggerURL(ctx context.Context, addr string) (string, error) {
	resp, err := resty.New().
		SetTimeout(5*time.Second).
		SetHeader("Accept", "application/json").
		R().
		SetContext(ctx).
		SetResult(&VersionInfo{}).
		Get(fmt.Sprintf("http://%s/json/version", addr))
	if err != nil {
		return "", fmt.Errorf("failed to query devtools version: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("devtools version request failed: %s", resp.Status())
	}

	info, ok := resp.Result().(*VersionInfo)
	if !ok || info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools did not report a websocket debugger url")
	}
	return info.WebSocketDebuggerURL, nil
}
