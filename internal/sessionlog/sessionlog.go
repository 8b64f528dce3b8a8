// Package sessionlog writes one JSONL file per capture session.
package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/rs/zerolog"
)

// Logger records session notifications to a file. Transcript text is not
// written, only its length.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger zerolog.Logger
}

// FileName is the log file name for a session started at started.
func FileName(sessionID string, started time.Time) string {
	shortID := sessionID
	if len(sessionID) > 8 {
		shortID = sessionID[:8]
	}
	return fmt.Sprintf("%s_session_%s.jsonl", started.Format("20060102_150405"), shortID)
}

// New creates the log file under dir.
func New(dir, sessionID string, started time.Time) (*Logger, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	path := filepath.Join(dir, FileName(sessionID, started))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	l := &Logger{
		file: f,
		path: path,
		logger: zerolog.New(f).With().
			Timestamp().
			Str("session_id", sessionID).
			Logger(),
	}
	return l, nil
}

// Path is the file being written.
func (l *Logger) Path() string { return l.path }

// Notify implements capture.Observer.
func (l *Logger) Notify(n capture.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}

	switch n.Type {
	case capture.NotifyStatus:
		ev := l.logger.Info().
			Str("event", "status").
			Stringer("status", n.Snapshot.Status).
			Str("mode", string(n.Snapshot.Mode))
		if n.Snapshot.Status.Terminal() {
			ev = ev.Int("chunks", n.Snapshot.Chunks).
				Int("audio_bytes", n.Snapshot.AudioBytes).
				Int("transcript_chars", len(n.Snapshot.Transcript))
		}
		if n.Snapshot.ErrorKind != "" {
			ev = ev.Str("error_kind", string(n.Snapshot.ErrorKind)).
				Str("error", n.Snapshot.ErrorMessage)
		}
		ev.Send()
	case capture.NotifyTranscript:
		l.logger.Info().
			Str("event", "transcript").
			Bool("is_final", n.Event.IsFinal).
			Int("chars", len(n.Event.Text)).
			Send()
	case capture.NotifyError:
		l.logger.Warn().
			Str("event", "error").
			Str("error_kind", string(n.Snapshot.ErrorKind)).
			Str("error", n.Snapshot.ErrorMessage).
			Send()
	}
}

// Note writes a free-form event, such as a hangup.
func (l *Logger) Note(event string, details map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	ev := l.logger.Info().Str("event", event)
	for k, v := range details {
		ev = ev.Str(k, v)
	}
	ev.Send()
}

// Close closes the file. Later notifications are ignored.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
