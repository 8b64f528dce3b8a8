package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("capture session closed")

const (
	defaultDrainTimeout = 3 * time.Second
	eventQueueSize      = 64
)

// Config controls one session.
type Config struct {
	Mode Mode
	// MaxDuration stops capture automatically. Zero means no limit.
	MaxDuration time.Duration
	// DrainTimeout bounds how long stop waits for the device to flush its
	// last chunks and for the live connection to deliver final results.
	DrainTimeout time.Duration
}

// Option customises a Session.
type Option func(*Session)

// WithID sets the session ID instead of a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithObserver registers an observer. Observers are called in registration order.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session is one capture-and-transcribe state machine.
type Session struct {
	id        string
	cfg       Config
	source    Source
	tr        Transcribers
	observers []Observer
	logger    zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan any
	quit     chan struct{}
	loopDone chan struct{}
	once     sync.Once

	mu   sync.RWMutex
	snap Snapshot
	done chan struct{}

	// Owned by the loop goroutine.
	gen           uint64
	acquiring     bool
	cancelAcquire context.CancelFunc
	stopPending   bool
	startReply    chan error
	stopReplies   []chan error
	stream        Stream
	released      bool
	live          LiveConn
	liveErr       error
	liveClosing   bool
	liveDone      bool
	audio         [][]byte
	stopping      bool
	sourceDone    bool
	drained       bool
	maxTimer      *time.Timer
	drainTimer    *time.Timer
}

// New creates a session and starts its event loop. The transcriber for the
// configured mode must be present.
func New(cfg Config, source Source, tr Transcribers, opts ...Option) (*Session, error) {
	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if source == nil {
		return nil, apperr.InvalidInput("audio source is required", nil)
	}
	switch cfg.Mode {
	case ModeBatch:
		if tr.Batch == nil {
			return nil, apperr.InvalidInput("batch mode requires a batch transcriber", nil)
		}
	case ModeStreaming:
		if tr.Stream == nil {
			return nil, apperr.InvalidInput("streaming mode requires a streaming transcriber", nil)
		}
	default:
		return nil, apperr.InvalidInput("unknown capture mode "+string(cfg.Mode), nil)
	}

	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		source:   source,
		tr:       tr,
		logger:   log.Logger,
		events:   make(chan any, eventQueueSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "capture").Str("session_id", s.id).Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.snap = Snapshot{ID: s.id, Mode: cfg.Mode, Status: StatusIdle}

	go s.loop()
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Mode returns the capture mode.
func (s *Session) Mode() Mode { return s.cfg.Mode }

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Done is closed when the current cycle reaches Completed or Failed. A new
// start request replaces it.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Wait blocks until the current cycle ends and returns its final state.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.Done():
		snap := s.Snapshot()
		return snap, snap.Err
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	case <-s.loopDone:
		return s.Snapshot(), ErrClosed
	}
}

// Start requests a new capture cycle and returns once the device is
// capturing or the attempt failed.
func (s *Session) Start(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) any { return startReq{reply: reply} })
}

// Stop ends capture and returns once the cycle is Completed or Failed. For a
// batch session that includes the upload. Stopping a finished cycle returns
// its outcome again.
func (s *Session) Stop(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) any { return stopReq{reply: reply} })
}

// Reset returns a finished session to Idle, discarding transcript and audio.
func (s *Session) Reset(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) any { return resetReq{reply: reply} })
}

// Close tears the session down: the device is released, the live connection
// closed and the loop stopped. Pending requests fail with ErrClosed.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.quit)
		s.cancel()
	})
	<-s.loopDone
	return nil
}

func (s *Session) request(ctx context.Context, build func(chan error) any) error {
	reply := make(chan error, 1)
	select {
	case s.events <- build(reply):
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues an event from a helper goroutine. It reports false once the
// session has been closed.
func (s *Session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

type (
	startReq struct{ reply chan error }
	stopReq  struct {
		reply chan error
		gen   uint64 // zero targets whatever cycle is current
	}
	resetReq struct{ reply chan error }
	acquired struct {
		gen    uint64
		stream Stream
		live   LiveConn
		err    error
	}
	chunkArrived struct {
		gen   uint64
		chunk Chunk
	}
	sourceEnded struct{ gen uint64 }
	transcript  struct {
		gen uint64
		ev  TranscriptEvent
	}
	liveFailed struct {
		gen uint64
		err error
	}
	liveDrained struct{ gen uint64 }
	uploaded    struct {
		gen  uint64
		text string
		err  error
	}
	drainExpired struct{ gen uint64 }
)

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.quit:
			s.teardown()
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case startReq:
		s.handleStart(ev)
	case stopReq:
		s.handleStop(ev)
	case resetReq:
		s.handleReset(ev)
	case acquired:
		s.handleAcquired(ev)
	case chunkArrived:
		s.handleChunk(ev)
	case sourceEnded:
		s.handleSourceEnded(ev)
	case transcript:
		s.handleTranscript(ev)
	case liveFailed:
		s.handleLiveFailed(ev)
	case liveDrained:
		s.handleLiveDrained(ev)
	case uploaded:
		s.handleUploaded(ev)
	case drainExpired:
		s.handleDrainExpired(ev)
	}
}

func (s *Session) status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Status
}

func (s *Session) busy() bool {
	st := s.status()
	return s.acquiring || st == StatusCapturing || st == StatusUploading
}

func (s *Session) handleStart(req startReq) {
	if s.busy() {
		req.reply <- apperr.Busy("A capture is already in progress.")
		return
	}

	s.gen++
	s.acquiring = true
	s.stopPending = false
	s.startReply = req.reply
	s.stopReplies = nil
	s.audio = nil

	// A new cycle owns the snapshot even if acquisition then fails.
	s.mu.Lock()
	s.snap.Acquiring = true
	s.snap.Transcript = ""
	s.snap.Partial = ""
	s.snap.ErrorMessage = ""
	s.snap.ErrorKind = ""
	s.snap.Err = nil
	s.snap.Chunks = 0
	s.snap.AudioBytes = 0
	s.snap.StartedAt = time.Now()
	s.snap.EndedAt = time.Time{}
	s.done = make(chan struct{})
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelAcquire = cancel
	s.logger.Debug().Uint64("cycle", s.gen).Msg("acquiring audio source")
	go s.acquire(ctx, s.gen)
}

func (s *Session) acquire(ctx context.Context, gen uint64) {
	ev := acquired{gen: gen}
	stream, err := s.source.Acquire(ctx)
	if err != nil {
		ev.stream = stream
		ev.err = classify(err, apperr.KindDevice, "Could not access the audio device.")
	} else {
		ev.stream = stream
		if s.cfg.Mode == ModeStreaming {
			live, err := s.tr.Stream.Connect(ctx, stream.Format())
			if err != nil {
				ev.err = classify(err, apperr.KindTransport, "Could not connect to the transcription service.")
			}
			ev.live = live
		}
	}
	if !s.post(ev) {
		if ev.live != nil {
			_ = ev.live.Close()
		}
		if ev.stream != nil {
			_ = ev.stream.Release()
		}
	}
}

func (s *Session) handleAcquired(ev acquired) {
	if ev.gen != s.gen || !s.acquiring {
		if ev.live != nil {
			_ = ev.live.Close()
		}
		if ev.stream != nil {
			_ = ev.stream.Release()
		}
		return
	}
	s.acquiring = false
	s.cancelAcquire()
	s.mu.Lock()
	s.snap.Acquiring = false
	s.mu.Unlock()

	if ev.err != nil || s.stopPending {
		if ev.live != nil {
			_ = ev.live.Close()
		}
		if ev.stream != nil {
			if err := ev.stream.Release(); err != nil {
				s.logger.Warn().Err(err).Msg("release audio source")
			}
		}
		err := ev.err
		if err == nil {
			err = apperr.EmptyInput("Nothing was recorded.")
		}
		s.fail(err)
		return
	}

	s.stream = ev.stream
	s.released = false
	s.live = ev.live
	s.liveErr = nil
	s.liveClosing = false
	s.liveDone = false
	s.audio = nil
	s.stopping = false
	s.sourceDone = false
	s.drained = false

	now := time.Now()
	s.mu.Lock()
	s.snap.Status = StatusCapturing
	s.snap.StartedAt = now
	s.mu.Unlock()

	gen := s.gen
	go s.pump(gen, ev.stream)
	if ev.live != nil {
		go s.forward(gen, ev.live)
	}
	if s.cfg.MaxDuration > 0 {
		s.maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() {
			s.post(stopReq{gen: gen})
		})
	}

	s.logger.Info().Str("mode", string(s.cfg.Mode)).Msg("capture started")
	s.notify(NotifyStatus, TranscriptEvent{})
	s.reply(&s.startReply, nil)
}

func (s *Session) pump(gen uint64, stream Stream) {
	for chunk := range stream.Chunks() {
		if !s.post(chunkArrived{gen: gen, chunk: chunk}) {
			return
		}
	}
	s.post(sourceEnded{gen: gen})
}

func (s *Session) forward(gen uint64, live LiveConn) {
	events, errs := live.Events(), live.Errors()
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !s.post(transcript{gen: gen, ev: ev}) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if !s.post(liveFailed{gen: gen, err: err}) {
				return
			}
		case <-s.quit:
			return
		}
	}
	s.post(liveDrained{gen: gen})
}

func (s *Session) capturing(gen uint64) bool {
	return gen == s.gen && !s.drained && s.status() == StatusCapturing
}

func (s *Session) handleChunk(ev chunkArrived) {
	if !s.capturing(ev.gen) || ev.chunk.Size() == 0 {
		return
	}
	s.mu.Lock()
	s.snap.Chunks++
	s.snap.AudioBytes += ev.chunk.Size()
	s.mu.Unlock()

	switch s.cfg.Mode {
	case ModeBatch:
		s.audio = append(s.audio, ev.chunk.Data)
	case ModeStreaming:
		if s.live == nil || s.liveErr != nil || s.liveClosing {
			return
		}
		if err := s.live.Send(ev.chunk.Data); err != nil {
			s.liveBroken(classify(err, apperr.KindTransport, "Transcription error occurred. Please try again."))
		}
	}
}

func (s *Session) handleTranscript(ev transcript) {
	if !s.capturingOrFlushing(ev.gen) {
		return
	}
	text := strings.TrimSpace(ev.ev.Text)
	if text == "" {
		return
	}
	s.mu.Lock()
	if ev.ev.IsFinal {
		if s.snap.Transcript != "" {
			s.snap.Transcript += " "
		}
		s.snap.Transcript += text
		s.snap.Partial = ""
	} else {
		s.snap.Partial = text
	}
	s.mu.Unlock()
	s.notify(NotifyTranscript, TranscriptEvent{Text: text, IsFinal: ev.ev.IsFinal})
}

// capturingOrFlushing also admits events the live connection delivers while
// it is being closed after stop.
func (s *Session) capturingOrFlushing(gen uint64) bool {
	return gen == s.gen && s.status() == StatusCapturing
}

func (s *Session) handleLiveFailed(ev liveFailed) {
	if !s.capturing(ev.gen) || s.stopping || s.liveErr != nil {
		return
	}
	s.liveBroken(classify(ev.err, apperr.KindTransport, "Transcription error occurred. Please try again."))
}

func (s *Session) handleLiveDrained(ev liveDrained) {
	if ev.gen != s.gen || s.status() != StatusCapturing {
		return
	}
	s.liveDone = true
	if s.stopping {
		if s.drained {
			s.finishStreaming()
		}
		return
	}
	if s.liveErr == nil {
		s.liveBroken(apperr.Transport("The transcription service closed the connection.", nil))
	}
}

// liveBroken surfaces a connection error without ending capture. Further
// chunks are not sent; the cycle fails when it is stopped.
func (s *Session) liveBroken(err error) {
	s.liveErr = err
	s.mu.Lock()
	s.snap.ErrorMessage = apperr.Message(err)
	s.snap.ErrorKind = apperr.KindOf(err)
	s.mu.Unlock()
	s.logger.Warn().Err(err).Msg("live transcription connection failed")
	s.notify(NotifyError, TranscriptEvent{})
}

func (s *Session) handleStop(req stopReq) {
	if req.gen != 0 && req.gen != s.gen {
		s.send(req.reply, nil)
		return
	}
	if s.acquiring {
		s.stopPending = true
		s.cancelAcquire()
		if req.reply != nil {
			s.stopReplies = append(s.stopReplies, req.reply)
		}
		return
	}
	switch s.status() {
	case StatusCapturing:
		s.stopCapture(req.reply)
	case StatusUploading:
		if req.reply != nil {
			s.stopReplies = append(s.stopReplies, req.reply)
		}
	case StatusCompleted, StatusFailed:
		s.send(req.reply, s.Snapshot().Err)
	default:
		s.send(req.reply, nil)
	}
}

func (s *Session) stopCapture(reply chan error) {
	if reply != nil {
		s.stopReplies = append(s.stopReplies, reply)
	}
	if s.stopping {
		return
	}
	s.stopping = true
	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}
	s.releaseDevice()

	gen := s.gen
	s.drainTimer = time.AfterFunc(s.cfg.DrainTimeout, func() {
		s.post(drainExpired{gen: gen})
	})
	s.logger.Debug().Msg("capture stopping")
	if s.sourceDone {
		s.afterDrain()
	}
}

// releaseDevice releases the stream at most once per cycle.
func (s *Session) releaseDevice() {
	if s.stream == nil || s.released {
		return
	}
	s.released = true
	if err := s.stream.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("release audio source")
	}
}

func (s *Session) handleSourceEnded(ev sourceEnded) {
	if ev.gen != s.gen || s.status() != StatusCapturing {
		return
	}
	s.sourceDone = true
	if !s.stopping {
		s.logger.Info().Msg("audio source ended")
		s.stopCapture(nil)
		return
	}
	s.afterDrain()
}

func (s *Session) handleDrainExpired(ev drainExpired) {
	if ev.gen != s.gen || !s.stopping || s.status() != StatusCapturing {
		return
	}
	if !s.drained {
		s.logger.Warn().Msg("audio source did not drain in time")
		s.sourceDone = true
		s.afterDrain()
		return
	}
	if s.cfg.Mode == ModeStreaming && !s.liveDone {
		s.logger.Warn().Msg("live connection did not close in time")
		s.liveDone = true
		s.finishStreaming()
	}
}

// afterDrain runs once every chunk captured before stop has been handled.
func (s *Session) afterDrain() {
	if s.drained {
		return
	}
	s.drained = true

	switch s.cfg.Mode {
	case ModeBatch:
		if len(s.audio) == 0 {
			s.fail(apperr.EmptyInput("Nothing was recorded."))
			return
		}
		s.upload()
	case ModeStreaming:
		if s.live == nil || s.liveDone {
			s.finishStreaming()
			return
		}
		s.closeLive()
	}
}

func (s *Session) upload() {
	size := 0
	for _, b := range s.audio {
		size += len(b)
	}
	payload := make([]byte, 0, size)
	for _, b := range s.audio {
		payload = append(payload, b...)
	}
	format := s.stream.Format()
	gen := s.gen

	s.mu.Lock()
	s.snap.Status = StatusUploading
	s.mu.Unlock()
	s.logger.Info().Int("bytes", len(payload)).Msg("uploading recording")
	s.notify(NotifyStatus, TranscriptEvent{})

	go func() {
		text, err := s.tr.Batch.Transcribe(s.ctx, payload, format)
		s.post(uploaded{gen: gen, text: text, err: err})
	}()
}

func (s *Session) handleUploaded(ev uploaded) {
	if ev.gen != s.gen || s.status() != StatusUploading {
		return
	}
	if ev.err != nil {
		s.fail(classify(ev.err, apperr.KindTransport, "Could not reach the transcription service."))
		return
	}
	s.complete(ev.text)
}

func (s *Session) closeLive() {
	if s.live == nil || s.liveClosing {
		return
	}
	s.liveClosing = true
	live := s.live
	go func() {
		if err := live.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close live connection")
		}
	}()
}

func (s *Session) finishStreaming() {
	s.closeLive()
	if s.liveErr != nil {
		s.fail(s.liveErr)
		return
	}
	s.complete(s.Snapshot().Transcript)
}

func (s *Session) complete(text string) {
	s.stopTimers()
	s.mu.Lock()
	s.snap.Status = StatusCompleted
	s.snap.Transcript = text
	s.snap.Partial = ""
	s.snap.EndedAt = time.Now()
	close(s.done)
	s.mu.Unlock()

	s.logger.Info().Int("transcript_chars", len(text)).Msg("capture completed")
	s.notify(NotifyStatus, TranscriptEvent{})
	s.replyAll(nil)
}

func (s *Session) fail(err error) {
	s.stopTimers()
	s.mu.Lock()
	s.snap.Status = StatusFailed
	if s.cfg.Mode == ModeBatch {
		s.snap.Transcript = ""
	}
	s.snap.Partial = ""
	s.snap.ErrorMessage = apperr.Message(err)
	s.snap.ErrorKind = apperr.KindOf(err)
	s.snap.Err = err
	s.snap.EndedAt = time.Now()
	close(s.done)
	s.mu.Unlock()

	s.logger.Error().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("capture failed")
	s.notify(NotifyStatus, TranscriptEvent{})
	s.replyAll(err)
}

func (s *Session) handleReset(req resetReq) {
	if s.busy() {
		req.reply <- apperr.Busy("Cannot reset while a capture is in progress.")
		return
	}
	s.audio = nil
	s.stream = nil
	s.live = nil
	s.liveErr = nil
	s.mu.Lock()
	s.snap = Snapshot{ID: s.id, Mode: s.cfg.Mode, Status: StatusIdle}
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.notify(NotifyStatus, TranscriptEvent{})
	req.reply <- nil
}

func (s *Session) teardown() {
	s.stopTimers()
	if s.cancelAcquire != nil {
		s.cancelAcquire()
	}
	if s.status() == StatusCapturing {
		s.releaseDevice()
		if s.live != nil && !s.liveClosing {
			s.liveClosing = true
			_ = s.live.Close()
		}
	}
	s.replyAll(ErrClosed)
	s.logger.Debug().Msg("session closed")
}

func (s *Session) stopTimers() {
	if s.maxTimer != nil {
		s.maxTimer.Stop()
		s.maxTimer = nil
	}
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
}

func (s *Session) reply(ch *chan error, err error) {
	if *ch != nil {
		*ch <- err
		*ch = nil
	}
}

func (s *Session) send(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

func (s *Session) replyAll(err error) {
	s.reply(&s.startReply, err)
	for _, ch := range s.stopReplies {
		ch <- err
	}
	s.stopReplies = nil
}

func (s *Session) notify(typ NotificationType, ev TranscriptEvent) {
	if len(s.observers) == 0 {
		return
	}
	n := Notification{
		SessionID: s.id,
		Type:      typ,
		Snapshot:  s.Snapshot(),
		Event:     ev,
		At:        time.Now(),
	}
	for _, o := range s.observers {
		o.Notify(n)
	}
}

// classify keeps an existing classification and otherwise wraps err as kind.
func classify(err error, kind apperr.Kind, message string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) && kind == apperr.KindDevice {
		return apperr.Device("Audio capture was cancelled.", err)
	}
	return apperr.New(kind, message, err)
}
