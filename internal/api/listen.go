package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/amanullahtanweer/capture-transcriber/internal/device"
	"github.com/amanullahtanweer/capture-transcriber/internal/notify"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	socketQueueSize = 256
	writeTimeout    = 5 * time.Second
)

// listen upgrades to a WebSocket and runs one capture cycle on the audio the
// browser sends. The client receives notifications as JSON and the socket is
// closed after the terminal status.
func (a *API) listen(c *gin.Context) {
	var mode capture.Mode
	if q := c.Query("mode"); q != "" {
		m, err := capture.ParseMode(q)
		if err != nil {
			respondError(c, err)
			return
		}
		mode = m
	}
	mime := c.DefaultQuery("mime", device.DefaultBrowserMIME)

	select {
	case <-a.quit:
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "The server is shutting down.", Kind: apperr.KindUnknown})
		return
	default:
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		a.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	a.sockets.Add(1)
	defer a.sockets.Done()
	defer conn.Close()

	out := newSocketWriter(conn, a.logger)
	source := device.NewWebSocketSource(conn, mime, a.logger)
	sess, err := a.opts.Manager.Open("", mode, source, capture.Format{MIMEType: mime}, out)
	if err != nil {
		out.fail(err)
		out.close()
		return
	}
	defer a.opts.Manager.Close(sess.ID())
	logger := a.logger.With().Str("session_id", sess.ID()).Logger()
	logger.Info().Str("mode", string(sess.Mode())).Str("mime", mime).Msg("microphone connected")

	if err := sess.Start(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("capture did not start")
	}

	select {
	case <-sess.Done():
	case <-a.quit:
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := sess.Stop(ctx); err != nil {
			logger.Debug().Err(err).Msg("stop on shutdown")
		}
		cancel()
	}
	out.close()
}

// socketWriter is a capture.Observer that forwards notifications to the
// browser. Writes happen on its own goroutine so the session never waits on
// the network.
type socketWriter struct {
	conn   *websocket.Conn
	logger zerolog.Logger
	queue  chan notify.Message
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSocketWriter(conn *websocket.Conn, logger zerolog.Logger) *socketWriter {
	w := &socketWriter{
		conn:   conn,
		logger: logger,
		queue:  make(chan notify.Message, socketQueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *socketWriter) Notify(n capture.Notification) {
	w.enqueue(notify.FromNotification(n))
}

// fail reports an error that happened before a session existed.
func (w *socketWriter) fail(err error) {
	w.enqueue(errorMessage(err))
}

func (w *socketWriter) enqueue(msg notify.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- msg:
	default:
		w.logger.Warn().Msg("socket queue full, dropping notification")
	}
}

func (w *socketWriter) run() {
	defer close(w.done)
	broken := false
	for msg := range w.queue {
		if broken {
			continue
		}
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := w.conn.WriteJSON(msg); err != nil {
			w.logger.Debug().Err(err).Msg("socket write failed")
			broken = true
		}
	}
	if !broken {
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
	}
}

// close flushes queued messages, sends a close frame and waits.
func (w *socketWriter) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}

func errorMessage(err error) notify.Message {
	return notify.Message{
		Type:   string(capture.NotifyError),
		Status: capture.StatusFailed.String(),
		Error:  apperr.Message(err),
		Kind:   apperr.KindOf(err),
		At:     time.Now(),
	}
}
