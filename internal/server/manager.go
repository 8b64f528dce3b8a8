package server

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/amanullahtanweer/capture-transcriber/internal/metrics"
	"github.com/amanullahtanweer/capture-transcriber/internal/sessionlog"
	"github.com/rs/zerolog"
)

// ManagerConfig holds what every session of the process shares.
type ManagerConfig struct {
	Transcribers capture.Transcribers
	Capture      capture.Config
	// Publisher receives every session's notifications. Optional.
	Publisher capture.Observer
	// SessionLogDir enables one JSONL lifecycle log per session.
	SessionLogDir string
	Totals        *metrics.Totals
}

type entry struct {
	session *capture.Session
	closers []io.Closer
}

// Manager creates sessions with the standard observers and keeps the
// registry the HTTP API reads.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.Totals == nil {
		cfg.Totals = &metrics.Totals{}
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
}

// Totals are the process-wide counters.
func (m *Manager) Totals() *metrics.Totals { return m.cfg.Totals }

// DefaultMode is the configured capture mode.
func (m *Manager) DefaultMode() capture.Mode {
	if m.cfg.Capture.Mode == "" {
		return capture.DefaultMode
	}
	return m.cfg.Capture.Mode
}

// Open creates and registers a session. An empty mode uses the configured
// one; format describes the audio the source will produce and sizes the
// metrics. extra observers run after the standard ones.
func (m *Manager) Open(id string, mode capture.Mode, source capture.Source, format capture.Format, extra ...capture.Observer) (*capture.Session, error) {
	cfg := m.cfg.Capture
	if mode != "" {
		cfg.Mode = mode
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, apperr.Busy("A session with this ID is already running.")
	}

	logger := m.logger
	opts := []capture.Option{capture.WithLogger(logger)}
	if id != "" {
		opts = append(opts, capture.WithID(id))
	}

	var closers []io.Closer
	// The session ID is only known after New, so observers that need it are
	// attached through a forwarding observer.
	fwd := &forward{}
	opts = append(opts, capture.WithObserver(fwd))

	sess, err := capture.New(cfg, source, m.cfg.Transcribers, opts...)
	if err != nil {
		return nil, err
	}

	sessLogger := logger.With().Str("session_id", sess.ID()).Logger()
	observers := []capture.Observer{
		metrics.NewSessionMetrics(sess.ID(), sess.Mode(), bytesPerSecond(format), m.cfg.Totals, sessLogger),
	}
	if m.cfg.SessionLogDir != "" {
		sl, err := sessionlog.New(m.cfg.SessionLogDir, sess.ID(), time.Now())
		if err != nil {
			sessLogger.Warn().Err(err).Msg("session log disabled")
		} else {
			observers = append(observers, sl)
			closers = append(closers, sl)
		}
	}
	if m.cfg.Publisher != nil {
		observers = append(observers, m.cfg.Publisher)
	}
	observers = append(observers, extra...)
	fwd.set(observers)

	m.sessions[sess.ID()] = &entry{session: sess, closers: closers}
	sessLogger.Debug().Str("mode", string(sess.Mode())).Msg("session registered")
	return sess, nil
}

// Close tears a session down and removes it from the registry.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = e.session.Close()
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("close session resource")
		}
	}
}

// Get returns a registered session.
func (m *Manager) Get(id string) (*capture.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// List returns snapshots of every registered session, oldest first.
func (m *Manager) List() []capture.Snapshot {
	m.mu.RLock()
	out := make([]capture.Snapshot, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stop stops a registered session and returns its final state.
func (m *Manager) Stop(ctx context.Context, id string) (capture.Snapshot, error) {
	sess, ok := m.Get(id)
	if !ok {
		return capture.Snapshot{}, apperr.InvalidInput("No session with this ID.", nil)
	}
	err := sess.Stop(ctx)
	return sess.Snapshot(), err
}

// CloseAll tears every session down.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Close(id)
	}
}

// forward lets observers be attached after the session exists. Notifications
// before set are dropped; New emits none.
type forward struct {
	mu        sync.RWMutex
	observers []capture.Observer
}

func (f *forward) set(obs []capture.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = obs
}

func (f *forward) Notify(n capture.Notification) {
	f.mu.RLock()
	obs := f.observers
	f.mu.RUnlock()
	for _, o := range obs {
		o.Notify(n)
	}
}

func bytesPerSecond(f capture.Format) int {
	channels := f.Channels
	if channels == 0 {
		channels = 1
	}
	switch f.Encoding {
	case "linear16":
		return f.SampleRate * 2 * channels
	case "mulaw":
		return f.SampleRate * channels
	default:
		return 0
	}
}
