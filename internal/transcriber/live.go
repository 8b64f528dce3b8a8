package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("live connection closed")

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// liveMessage is a server message. Only Results carry a transcript; other
// types (Metadata, SpeechStarted, UtteranceEnd) are ignored.
type liveMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	// IsFinal is absent from services that only send final results.
	IsFinal *bool `json:"is_final"`
}

// final reports whether the message is a final result. Without interim
// results every message is final.
func (m liveMessage) final(interim bool) bool {
	return !interim || m.IsFinal == nil || *m.IsFinal
}

// Live opens streaming transcription connections.
type Live struct {
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewLive creates a streaming client.
func NewLive(opts Options) *Live {
	opts.applyDefaults()
	return &Live{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		logger: opts.Logger.With().Str("component", "deepgram_live").Logger(),
	}
}

// Connect implements capture.StreamTranscriber.
func (l *Live) Connect(ctx context.Context, format capture.Format) (capture.LiveConn, error) {
	endpoint, err := withQuery(l.opts.LiveURL, l.opts.query(format, true))
	if err != nil {
		return nil, apperr.InvalidInput("invalid transcription endpoint", err)
	}

	conn, resp, err := l.dialer.DialContext(ctx, endpoint, l.opts.authHeader())
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			return nil, apperr.Service(
				fmt.Sprintf("Transcription service refused the connection (%d): %s", resp.StatusCode, strings.TrimSpace(string(body))),
				err,
			)
		}
		return nil, apperr.Transport("Could not connect to the transcription service.", fmt.Errorf("dial deepgram: %w", err))
	}

	lc := &liveConn{
		conn:         conn,
		events:       make(chan capture.TranscriptEvent, 64),
		errs:         make(chan error, 4),
		readerDone:   make(chan struct{}),
		abandon:      make(chan struct{}),
		stopKeep:     make(chan struct{}),
		lastWrite:    time.Now(),
		closeTimeout: l.opts.CloseTimeout,
		interim:      l.opts.InterimResults,
		logger:       l.logger,
	}
	go lc.read()
	go lc.keepAlive(l.opts.KeepAlive)
	l.logger.Debug().Str("encoding", format.Encoding).Int("sample_rate", format.SampleRate).Msg("live connection open")
	return lc, nil
}

type liveConn struct {
	conn    *websocket.Conn
	events  chan capture.TranscriptEvent
	errs    chan error
	interim bool
	logger  zerolog.Logger

	readerDone chan struct{}
	abandon    chan struct{}
	stopKeep   chan struct{}

	writeMu   sync.Mutex
	closing   bool
	lastWrite time.Time

	closeOnce    sync.Once
	closeTimeout time.Duration
}

func (c *liveConn) Events() <-chan capture.TranscriptEvent { return c.events }
func (c *liveConn) Errors() <-chan error                   { return c.errs }

// Send writes one audio frame.
func (c *liveConn) Send(audio []byte) error {
	return c.write(websocket.BinaryMessage, audio, false)
}

func (c *liveConn) write(kind int, data []byte, control bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing && !control {
		return ErrConnClosed
	}
	if err := c.conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("write to deepgram: %w", err)
	}
	c.lastWrite = time.Now()
	return nil
}

func (c *liveConn) isClosing() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closing
}

func (c *liveConn) read() {
	defer close(c.readerDone)
	defer close(c.events)
	defer close(c.errs)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosing() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.report(apperr.Transport("The transcription service closed the connection.", err))
			} else {
				c.report(apperr.Transport("Transcription error occurred. Please try again.", fmt.Errorf("read from deepgram: %w", err)))
			}
			return
		}

		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed message")
			continue
		}
		if msg.Type != "" && msg.Type != "Results" {
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		ev := capture.TranscriptEvent{Text: msg.Channel.Alternatives[0].Transcript, IsFinal: msg.final(c.interim)}
		select {
		case c.events <- ev:
		case <-c.abandon:
			return
		}
	}
}

func (c *liveConn) report(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func (c *liveConn) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			idle := !c.closing && time.Since(c.lastWrite) >= every
			c.writeMu.Unlock()
			if idle {
				if err := c.write(websocket.TextMessage, keepAliveMsg, false); err != nil {
					c.logger.Debug().Err(err).Msg("keepalive failed")
				}
			}
		case <-c.stopKeep:
			return
		case <-c.readerDone:
			return
		}
	}
}

// Close asks the service to flush final results, waits for it to hang up
// and then closes the socket. Events and Errors are closed afterwards.
func (c *liveConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopKeep)
		c.writeMu.Lock()
		c.closing = true
		c.writeMu.Unlock()

		if werr := c.write(websocket.TextMessage, closeStreamMsg, true); werr != nil {
			c.logger.Debug().Err(werr).Msg("CloseStream not sent")
		}

		t := time.NewTimer(c.closeTimeout)
		defer t.Stop()
		select {
		case <-c.readerDone:
		case <-t.C:
			c.logger.Warn().Msg("no final results before close timeout")
		}
		close(c.abandon)

		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), true)
		err = c.conn.Close()
		<-c.readerDone
	})
	return err
}
