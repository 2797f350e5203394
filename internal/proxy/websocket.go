package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/page-recorder/internal/browser"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PortSource reports the debugging port of the display being recorded
type PortSource interface {
	ActivePort() (int, bool)
}

type Server struct {
	ports  PortSource
	host   string
	logger *zap.Logger
}

func NewServer(ports PortSource, host string, logger *zap.Logger) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ports:  ports,
		host:   host,
		logger: logger.Named("proxy"),
	}
}

// HandleDebugConnection relays a DevTools WebSocket between the client and
// the browser of the active recording.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request) {
	port, ok := s.ports.ActivePort()
	if !ok {
		http.Error(w, "No recording in progress", http.StatusConflict)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	addr := net.JoinHostPort(s.host, strconv.Itoa(port))
	chromeURL, err := browser.DebuggerURL(ctx, addr)
	if err != nil {
		s.logger.Warn("failed to discover debugger url", zap.String("addr", addr), zap.Error(err))
		http.Error(w, "Browser debugger unavailable", http.StatusBadGateway)
		return
	}

	// Upgrade HTTP connection to WebSocket
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	s.logger.Info("connecting debug client to browser", zap.String("url", chromeURL))

	chromeConn, _, err := websocket.DefaultDialer.DialContext(ctx, chromeURL, nil)
	if err != nil {
		s.logger.Warn("failed to connect to browser", zap.Error(err))
		clientConn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error connecting: %v", err)))
		return
	}
	defer chromeConn.Close()

	// Bidirectional proxy
	errChan := make(chan error, 2)

	// Client → Chrome
	go func() {
		errChan <- s.proxyMessages(clientConn, chromeConn, "client→chrome")
	}()

	// Chrome → Client
	go func() {
		errChan <- s.proxyMessages(chromeConn, clientConn, "chrome→client")
	}()

	// Wait for either direction to close
	err = <-errChan
	if err != nil && err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.logger.Debug("debug proxy closed", zap.Error(err))
	}

	s.logger.Info("debug client disconnected")
}

func (s *Server) proxyMessages(src, dst *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket error", zap.String("direction", direction), zap.Error(err))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			s.logger.Warn("failed to write message", zap.String("direction", direction), zap.Error(err))
			return err
		}
	}
}
