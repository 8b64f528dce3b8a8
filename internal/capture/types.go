// Package capture runs capture-and-transcribe sessions.
//
// A Session acquires an audio source, buffers or streams its chunks to a
// transcription service, and surfaces the transcript or a classified error.
// All state changes happen on one goroutine that consumes an ordered event
// queue; device callbacks, live connection messages and upload results are
// posted to that queue instead of touching state directly.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
)

// Mode selects how audio reaches the transcription service.
type Mode string

const (
	// ModeStreaming sends every chunk over a live connection and appends
	// transcript events as they arrive.
	ModeStreaming Mode = "streaming"
	// ModeBatch buffers the whole capture and uploads it once after stop.
	ModeBatch Mode = "batch"
)

// DefaultMode is used when no mode is configured. Incremental display was
// what the microphone view did, so streaming wins.
const DefaultMode = ModeStreaming

// ParseMode parses a configured mode. The empty string maps to DefaultMode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultMode, nil
	case ModeStreaming, "stream", "live":
		return ModeStreaming, nil
	case ModeBatch, "upload":
		return ModeBatch, nil
	default:
		return "", apperr.InvalidInput(fmt.Sprintf("unknown capture mode %q", s), nil)
	}
}

// Status is the lifecycle position of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusCapturing
	StatusUploading
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCapturing:
		return "capturing"
	case StatusUploading:
		return "uploading"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the cycle has ended.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Format describes the audio a stream produces.
type Format struct {
	// Encoding is set for raw audio ("linear16", "mulaw"). Empty means the
	// payload is self-describing (a container such as webm or wav).
	Encoding   string
	SampleRate int
	Channels   int
	// MIMEType overrides the derived content type.
	MIMEType string
}

// Raw reports whether the audio carries no container header.
func (f Format) Raw() bool { return f.Encoding != "" }

// ContentType is the value sent as Content-Type for a batch upload.
func (f Format) ContentType() string {
	if f.MIMEType != "" {
		return f.MIMEType
	}
	channels := f.Channels
	if channels == 0 {
		channels = 1
	}
	switch f.Encoding {
	case "linear16":
		return fmt.Sprintf("audio/l16;rate=%d;channels=%d", f.SampleRate, channels)
	case "mulaw":
		return fmt.Sprintf("audio/basic;rate=%d;channels=%d", f.SampleRate, channels)
	default:
		return "application/octet-stream"
	}
}

// Chunk is one slice of captured audio. The session takes ownership of Data.
type Chunk struct {
	Data []byte
	At   time.Time
}

// Size is the chunk length in bytes.
func (c Chunk) Size() int { return len(c.Data) }

// TranscriptEvent is one message from a live transcription connection.
type TranscriptEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Source hands out audio streams. Acquire may block on a permission prompt
// or a connecting peer; it must honour ctx cancellation where it can.
type Source interface {
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an acquired audio device.
type Stream interface {
	Format() Format
	// Chunks yields captured audio in arrival order. The channel is closed
	// when the device ends or after Release, once buffered chunks are drained.
	Chunks() <-chan Chunk
	// Release stops capture. It is idempotent.
	Release() error
}

// BatchTranscriber transcribes a complete recording.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, audio []byte, format Format) (string, error)
}

// StreamTranscriber opens live transcription connections.
type StreamTranscriber interface {
	Connect(ctx context.Context, format Format) (LiveConn, error)
}

// LiveConn is a duplex transcription connection.
type LiveConn interface {
	Send(audio []byte) error
	// Events and Errors are closed when the connection has fully shut down.
	Events() <-chan TranscriptEvent
	Errors() <-chan error
	// Close flushes pending results and closes the connection.
	Close() error
}

// Transcribers bundles the service clients a session may use. Only the one
// matching the session mode is required.
type Transcribers struct {
	Batch  BatchTranscriber
	Stream StreamTranscriber
}
