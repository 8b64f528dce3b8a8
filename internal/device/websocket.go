package device

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultBrowserMIME is what MediaRecorder produces in most browsers.
const DefaultBrowserMIME = "audio/webm"

// controlMessage is a text frame sent by the browser.
type controlMessage struct {
	Type string `json:"type"`
}

// WebSocketSource captures audio a browser records with MediaRecorder and
// sends as binary frames. A text frame {"type":"stop"} or a closed socket
// ends the stream. Only the read side of the connection is used.
type WebSocketSource struct {
	conn   *websocket.Conn
	format capture.Format
	logger zerolog.Logger

	mu   sync.Mutex
	used bool
}

// NewWebSocketSource wraps an upgraded connection. An empty mime selects
// DefaultBrowserMIME.
func NewWebSocketSource(conn *websocket.Conn, mime string, logger zerolog.Logger) *WebSocketSource {
	if mime == "" {
		mime = DefaultBrowserMIME
	}
	return &WebSocketSource{conn: conn, format: capture.Format{MIMEType: mime}, logger: logger}
}

// Acquire implements capture.Source.
func (s *WebSocketSource) Acquire(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Device("Audio capture was cancelled.", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return nil, apperr.Device("The microphone stream has already ended.", nil)
	}
	s.used = true

	p := newPipe(s.format, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	go s.read(p)
	return p, nil
}

func (s *WebSocketSource) read(p *pipe) {
	defer p.finish()
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if !p.isReleased() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("microphone socket read failed")
			}
			return
		}
		switch typ {
		case websocket.BinaryMessage:
			p.emit(data)
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Debug().Err(err).Msg("ignoring malformed control message")
				continue
			}
			if msg.Type == "stop" {
				s.logger.Debug().Msg("browser requested stop")
				return
			}
		}
	}
}
