// Package metrics counts what happens in capture sessions: per cycle for the
// end-of-session summary, and process-wide totals for the API.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/rs/zerolog"
)

// SessionMetrics observes one session and logs a summary whenever a cycle
// ends.
type SessionMetrics struct {
	SessionID        string
	Mode             capture.Mode
	StartTime        time.Time
	EndTime          time.Time
	Status           capture.Status
	ErrorKind        apperr.Kind
	Chunks           int
	AudioBytes       int
	TranscriptLength int
	PartialCount     int
	FinalCount       int
	FirstResultTime  *time.Time

	bytesPerSecond int
	totals         *Totals
	logger         zerolog.Logger
	mu             sync.Mutex
}

// NewSessionMetrics creates metrics for a session whose audio arrives at
// bytesPerSecond (zero for container formats). totals may be nil.
func NewSessionMetrics(sessionID string, mode capture.Mode, bytesPerSecond int, totals *Totals, logger zerolog.Logger) *SessionMetrics {
	return &SessionMetrics{
		SessionID:      sessionID,
		Mode:           mode,
		bytesPerSecond: bytesPerSecond,
		totals:         totals,
		logger:         logger,
	}
}

// Notify implements capture.Observer.
func (m *SessionMetrics) Notify(n capture.Notification) {
	switch n.Type {
	case capture.NotifyTranscript:
		m.AddTranscriptResult(n.Event.Text, n.Event.IsFinal, n.At)
	case capture.NotifyStatus:
		switch n.Snapshot.Status {
		case capture.StatusCapturing:
			m.begin(n.Snapshot.StartedAt)
		case capture.StatusCompleted, capture.StatusFailed:
			m.finalize(n.Snapshot)
			m.logger.Info().Dict("metrics", m.Summary().dict()).Msg("session summary")
		}
	}
}

func (m *SessionMetrics) begin(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.IsZero() {
		at = time.Now()
	}
	m.StartTime = at
	m.EndTime = time.Time{}
	m.Status = capture.StatusCapturing
	m.ErrorKind = ""
	m.Chunks, m.AudioBytes = 0, 0
	m.TranscriptLength, m.PartialCount, m.FinalCount = 0, 0, 0
	m.FirstResultTime = nil
	if m.totals != nil {
		m.totals.started.Add(1)
	}
}

// AddTranscriptResult records one live transcript event.
func (m *SessionMetrics) AddTranscriptResult(text string, isFinal bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		if at.IsZero() {
			at = time.Now()
		}
		m.FirstResultTime = &at
	}
	if isFinal {
		m.TranscriptLength += len(text)
		m.FinalCount++
	} else {
		m.PartialCount++
	}
}

func (m *SessionMetrics) finalize(snap capture.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = snap.EndedAt
	if m.EndTime.IsZero() {
		m.EndTime = time.Now()
	}
	if m.StartTime.IsZero() {
		m.StartTime = m.EndTime
	}
	m.Status = snap.Status
	m.ErrorKind = snap.ErrorKind
	m.Chunks = snap.Chunks
	m.AudioBytes = snap.AudioBytes
	m.TranscriptLength = len(snap.Transcript)
	if m.totals != nil {
		m.totals.record(snap)
	}
}

// Summary is the end-of-cycle report.
type Summary struct {
	SessionID          string        `json:"session_id"`
	Mode               capture.Mode  `json:"mode"`
	Status             string        `json:"status"`
	ErrorKind          apperr.Kind   `json:"error_kind,omitempty"`
	Duration           time.Duration `json:"duration"`
	AudioDuration      time.Duration `json:"audio_duration"`
	Chunks             int           `json:"chunks"`
	AudioBytes         int           `json:"audio_bytes"`
	TranscriptLength   int           `json:"transcript_length"`
	FirstResultLatency time.Duration `json:"first_result_latency"`
	PartialCount       int           `json:"partial_results"`
	FinalCount         int           `json:"final_results"`
	RealTimeFactor     float64       `json:"real_time_factor"`
}

// Summary computes the report for the last cycle.
func (m *SessionMetrics) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		SessionID:        m.SessionID,
		Mode:             m.Mode,
		Status:           m.Status.String(),
		ErrorKind:        m.ErrorKind,
		Duration:         m.EndTime.Sub(m.StartTime),
		Chunks:           m.Chunks,
		AudioBytes:       m.AudioBytes,
		TranscriptLength: m.TranscriptLength,
		PartialCount:     m.PartialCount,
		FinalCount:       m.FinalCount,
	}
	if m.FirstResultTime != nil {
		s.FirstResultLatency = m.FirstResultTime.Sub(m.StartTime)
	}
	if m.bytesPerSecond > 0 {
		s.AudioDuration = time.Duration(m.AudioBytes) * time.Second / time.Duration(m.bytesPerSecond)
	}
	if s.AudioDuration > 0 {
		s.RealTimeFactor = s.Duration.Seconds() / s.AudioDuration.Seconds()
	}
	return s
}

func (s Summary) dict() *zerolog.Event {
	d := zerolog.Dict().
		Str("mode", string(s.Mode)).
		Str("status", s.Status).
		Dur("duration", s.Duration).
		Dur("audio_duration", s.AudioDuration).
		Int("chunks", s.Chunks).
		Int("audio_bytes", s.AudioBytes).
		Int("transcript_length", s.TranscriptLength).
		Dur("first_result_latency", s.FirstResultLatency).
		Int("partial_results", s.PartialCount).
		Int("final_results", s.FinalCount).
		Float64("real_time_factor", s.RealTimeFactor)
	if s.ErrorKind != "" {
		d = d.Str("error_kind", string(s.ErrorKind))
	}
	return d
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"Session: %s\n"+
			"Mode: %s\n"+
			"Status: %s\n"+
			"Duration: %v\n"+
			"Audio Duration: %v\n"+
			"Audio Bytes: %d in %d chunks\n"+
			"Transcript Length: %d chars\n"+
			"First Result Latency: %v\n"+
			"Partial Results: %d\n"+
			"Final Results: %d\n"+
			"Real-time Factor: %.2fx\n",
		s.SessionID,
		s.Mode,
		s.Status,
		s.Duration,
		s.AudioDuration,
		s.AudioBytes,
		s.Chunks,
		s.TranscriptLength,
		s.FirstResultLatency,
		s.PartialCount,
		s.FinalCount,
		s.RealTimeFactor,
	)
}

// Totals aggregates every session of the process.
type Totals struct {
	started    atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	audioBytes atomic.Int64

	mu     sync.Mutex
	byKind map[apperr.Kind]int64
}

func (t *Totals) record(snap capture.Snapshot) {
	t.audioBytes.Add(int64(snap.AudioBytes))
	if snap.Status == capture.StatusCompleted {
		t.completed.Add(1)
		return
	}
	t.failed.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byKind == nil {
		t.byKind = make(map[apperr.Kind]int64)
	}
	t.byKind[snap.ErrorKind]++
}

// TotalsSnapshot is a copy of the counters.
type TotalsSnapshot struct {
	Started    int64                 `json:"started"`
	Completed  int64                 `json:"completed"`
	Failed     int64                 `json:"failed"`
	AudioBytes int64                 `json:"audio_bytes"`
	FailedBy   map[apperr.Kind]int64 `json:"failed_by_kind"`
}

// Snapshot copies the counters.
func (t *Totals) Snapshot() TotalsSnapshot {
	s := TotalsSnapshot{
		Started:    t.started.Load(),
		Completed:  t.completed.Load(),
		Failed:     t.failed.Load(),
		AudioBytes: t.audioBytes.Load(),
		FailedBy:   map[apperr.Kind]int64{},
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.byKind {
		s.FailedBy[k] = v
	}
	return s
}
