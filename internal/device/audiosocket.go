package device

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/rs/zerolog"
)

// AudioSocket carries signed linear 16-bit mono audio at 8 kHz.
const (
	SlinSampleRate = 8000
	bytesPerSample = 2
)

// SlinFormat is the format of every AudioSocket stream.
var SlinFormat = capture.Format{Encoding: "linear16", SampleRate: SlinSampleRate, Channels: 1}

// ChunkBytes is the size of interval worth of audio in the given format.
func ChunkBytes(f capture.Format, interval time.Duration) int {
	channels := f.Channels
	if channels == 0 {
		channels = 1
	}
	n := int(int64(f.SampleRate) * int64(interval) / int64(time.Second))
	n *= bytesPerSample * channels
	if n <= 0 {
		return bytesPerSample * channels
	}
	return n
}

// AudioSocketSource captures the caller side of one AudioSocket connection.
// The ID message must already have been consumed. The call can be captured
// once; after it ends the source fails with a device error.
type AudioSocketSource struct {
	conn     net.Conn
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	used bool
}

// NewAudioSocketSource wraps an accepted call.
func NewAudioSocketSource(conn net.Conn, interval time.Duration, logger zerolog.Logger) *AudioSocketSource {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &AudioSocketSource{conn: conn, interval: interval, logger: logger}
}

// Acquire implements capture.Source.
func (s *AudioSocketSource) Acquire(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Device("Audio capture was cancelled.", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return nil, apperr.Device("The call audio is no longer available.", nil)
	}
	s.used = true

	p := newPipe(SlinFormat, func() {
		// Unblock the reader; the connection itself belongs to the server.
		_ = s.conn.SetReadDeadline(time.Now())
	})
	go s.read(p, ChunkBytes(SlinFormat, s.interval))
	return p, nil
}

func (s *AudioSocketSource) read(p *pipe, chunkBytes int) {
	defer p.finish()
	buf := make([]byte, 0, chunkBytes)
	flush := func() {
		if len(buf) > 0 {
			p.emit(buf)
			buf = make([]byte, 0, chunkBytes)
		}
	}
	defer flush()

	for {
		msg, err := audiosocket.NextMessage(s.conn)
		if err != nil {
			if !p.isReleased() && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				s.logger.Warn().Err(err).Msg("audiosocket read failed")
			}
			return
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			buf = append(buf, msg.Payload()...)
			if len(buf) >= chunkBytes {
				flush()
			}
		case audiosocket.KindHangup:
			s.logger.Info().Msg("audiosocket hangup received")
			return
		case audiosocket.KindError:
			s.logger.Warn().Int("code", int(msg.ErrorCode())).Msg("audiosocket error message")
			return
		case audiosocket.KindDTMF:
			if len(msg.Payload()) > 0 {
				s.logger.Debug().Str("digit", string(msg.Payload()[:1])).Msg("dtmf")
			}
		case audiosocket.KindSilence:
			s.logger.Debug().Msg("silence")
		}
	}
}
