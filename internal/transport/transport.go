// Package transport terminates the two WebSocket surfaces: the telephony
// media-stream endpoint and the browser client endpoint. Each accepted
// connection claims one worker call slot and owns one session.
package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartflowcrm/voicecore/internal/config"
	"github.com/smartflowcrm/voicecore/internal/session"
	"github.com/smartflowcrm/voicecore/internal/worker"
)

type Server struct {
	deps     session.Deps
	worker   *worker.Worker
	cfg      config.SessionConfig
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewServer(deps session.Deps, w *worker.Worker, cfg config.SessionConfig, log *slog.Logger) *Server {
	return &Server{
		deps:   deps,
		worker: w,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony providers and browsers connect cross-origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With(slog.String("component", "transport")),
	}
}

func (s *Server) idleTimeout() time.Duration {
	sec := s.cfg.IdleTimeout
	if sec <= 0 {
		sec = 300
	}
	return time.Duration(sec) * time.Second
}

func (s *Server) maxChunk() int {
	if s.cfg.MaxAudioChunkBytes <= 0 {
		return 32000
	}
	return s.cfg.MaxAudioChunkBytes
}

// wsConn serializes writes; the session goroutine and the read loop both
// send frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
