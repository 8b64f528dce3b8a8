// Package capturetest provides in-memory sources and transcribers for
// exercising capture sessions without devices or network.
package capturetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
)

// Source hands out Streams. Set Err to fail acquisition; set Gate to block
// acquisition until it is closed or the context is cancelled.
type Source struct {
	Err    error
	Gate   chan struct{}
	Format capture.Format

	mu       sync.Mutex
	streams  []*Stream
	acquires int
}

// Acquire implements capture.Source.
func (s *Source) Acquire(ctx context.Context) (capture.Stream, error) {
	s.mu.Lock()
	s.acquires++
	gate, err := s.Gate, s.Err
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			// A device that ignores cancellation still hands out its stream.
		}
	}
	if err != nil {
		return nil, err
	}
	st := NewStream(s.Format)
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st, nil
}

// Acquires returns how many times Acquire was called.
func (s *Source) Acquires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires
}

// Streams returns every stream handed out so far.
func (s *Source) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Stream(nil), s.streams...)
}

// Last returns the most recent stream or nil.
func (s *Source) Last() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// Releases sums Release calls over all streams.
func (s *Source) Releases() int {
	n := 0
	for _, st := range s.Streams() {
		n += st.Releases()
	}
	return n
}

// Stream is a capture.Stream fed by Emit.
type Stream struct {
	format   capture.Format
	chunks   chan capture.Chunk
	releases atomic.Int32
	mu       sync.Mutex
	closed   bool
}

// NewStream creates a stream with a generous chunk buffer.
func NewStream(format capture.Format) *Stream {
	return &Stream{format: format, chunks: make(chan capture.Chunk, 256)}
}

func (s *Stream) Format() capture.Format       { return s.format }
func (s *Stream) Chunks() <-chan capture.Chunk { return s.chunks }

// Emit queues a chunk. It reports false if the stream already ended.
func (s *Stream) Emit(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.chunks <- capture.Chunk{Data: data, At: time.Now()}
	return true
}

// End closes the stream as if the device went away.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
}

// Release counts every call and ends the stream.
func (s *Stream) Release() error {
	s.releases.Add(1)
	s.End()
	return nil
}

// Releases returns how many times Release was called.
func (s *Stream) Releases() int { return int(s.releases.Load()) }

// Batch is a capture.BatchTranscriber returning a canned result.
type Batch struct {
	Text string
	Err  error
	// Gate blocks Transcribe until closed.
	Gate chan struct{}

	mu       sync.Mutex
	calls    int
	payloads [][]byte
	formats  []capture.Format
}

// Transcribe implements capture.BatchTranscriber.
func (b *Batch) Transcribe(ctx context.Context, audio []byte, format capture.Format) (string, error) {
	b.mu.Lock()
	b.calls++
	b.payloads = append(b.payloads, append([]byte(nil), audio...))
	b.formats = append(b.formats, format)
	gate := b.Gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return b.Text, b.Err
}

// Calls returns how many uploads were made.
func (b *Batch) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Payload returns the i-th uploaded body.
func (b *Batch) Payload(i int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.payloads[i]
}

// Streamer is a capture.StreamTranscriber handing out Live connections.
type Streamer struct {
	Err error

	mu    sync.Mutex
	conns []*Live
}

// Connect implements capture.StreamTranscriber.
func (s *Streamer) Connect(ctx context.Context, format capture.Format) (capture.LiveConn, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	l := NewLive()
	s.mu.Lock()
	s.conns = append(s.conns, l)
	s.mu.Unlock()
	return l, nil
}

// Last returns the most recent connection or nil.
func (s *Streamer) Last() *Live {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Live is an in-memory capture.LiveConn.
type Live struct {
	// SendErr makes Send fail.
	SendErr error

	events chan capture.TranscriptEvent
	errs   chan error

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	closes int
}

// NewLive creates an open connection.
func NewLive() *Live {
	return &Live{
		events: make(chan capture.TranscriptEvent, 64),
		errs:   make(chan error, 8),
	}
}

func (l *Live) Send(audio []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	l.sent = append(l.sent, append([]byte(nil), audio...))
	return nil
}

func (l *Live) Events() <-chan capture.TranscriptEvent { return l.events }
func (l *Live) Errors() <-chan error                   { return l.errs }

// Push delivers a transcript event as the service would.
func (l *Live) Push(text string, final bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.events <- capture.TranscriptEvent{Text: text, IsFinal: final}
	}
}

// Fail reports a connection error.
func (l *Live) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.errs <- err
	}
}

// Close ends the connection after buffered events are consumed.
func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	if !l.closed {
		l.closed = true
		close(l.events)
		close(l.errs)
	}
	return nil
}

// Sent returns every chunk sent so far.
func (l *Live) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

// Closed reports whether Close was called.
func (l *Live) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes > 0
}
