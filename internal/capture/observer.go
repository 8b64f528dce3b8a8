package capture

import (
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
)

// NotificationType tells observers what changed.
type NotificationType string

const (
	NotifyStatus     NotificationType = "status"
	NotifyTranscript NotificationType = "transcript"
	NotifyError      NotificationType = "error"
)

// Notification is delivered to observers from the session goroutine.
// Observers must not block and must not call back into the session
// synchronously.
type Notification struct {
	SessionID string
	Type      NotificationType
	Snapshot  Snapshot
	Event     TranscriptEvent
	At        time.Time
}

// Observer receives session notifications.
type Observer interface {
	Notify(n Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n Notification)

func (f ObserverFunc) Notify(n Notification) { f(n) }

// Snapshot is a copy of the session state.
type Snapshot struct {
	ID           string      `json:"id"`
	Mode         Mode        `json:"mode"`
	Status       Status      `json:"status"`
	Acquiring    bool        `json:"acquiring"`
	Transcript   string      `json:"transcript"`
	Partial      string      `json:"partial,omitempty"`
	ErrorMessage string      `json:"error,omitempty"`
	ErrorKind    apperr.Kind `json:"error_kind,omitempty"`
	Chunks       int         `json:"chunks"`
	AudioBytes   int         `json:"audio_bytes"`
	StartedAt    time.Time   `json:"started_at,omitempty"`
	EndedAt      time.Time   `json:"ended_at,omitempty"`

	// Err is the terminal error of a failed cycle.
	Err error `json:"-"`
}
