// Package server accepts Asterisk AudioSocket calls and transcribes each one
// in its own capture session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/amanullahtanweer/capture-transcriber/internal/device"
	"github.com/rs/zerolog"
)

const (
	idTimeout   = 10 * time.Second
	stopTimeout = 10 * time.Second
)

type Config struct {
	Addr          string
	Mode          capture.Mode
	ChunkInterval time.Duration
}

type Server struct {
	config   Config
	manager  *Manager
	logger   zerolog.Logger
	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once

	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	conn    net.Conn
	session *capture.Session
}

func New(config Config, manager *Manager, logger zerolog.Logger) *Server {
	return &Server{
		config:   config,
		manager:  manager,
		logger:   logger.With().Str("component", "audiosocket").Logger(),
		shutdown: make(chan struct{}),
		calls:    make(map[string]*call),
	}
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts calls on listener until Stop.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Str("mode", string(s.mode())).Msg("AudioSocket server listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener, hangs up active calls and waits for their
// sessions to finish.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.shutdown)
		s.mu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		calls := make([]*call, 0, len(s.calls))
		for _, c := range s.calls {
			calls = append(calls, c)
		}
		s.mu.Unlock()

		for _, c := range calls {
			if _, err := c.conn.Write(audiosocket.HangupMessage()); err != nil {
				s.logger.Debug().Err(err).Str("session_id", c.session.ID()).Msg("hangup write failed")
			}
		}
	})
	s.wg.Wait()
}

// ActiveCalls returns how many calls are being transcribed.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *Server) mode() capture.Mode {
	if s.config.Mode != "" {
		return s.config.Mode
	}
	return s.manager.DefaultMode()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Info().Msg("new connection")

	_ = conn.SetReadDeadline(time.Now().Add(idTimeout))
	id, err := audiosocket.GetID(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to get call ID")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger = logger.With().Str("session_id", id.String()).Logger()
	source := device.NewAudioSocketSource(conn, s.config.ChunkInterval, logger)
	sess, err := s.manager.Open(id.String(), s.mode(), source, device.SlinFormat)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open session")
		return
	}
	defer s.manager.Close(sess.ID())

	s.mu.Lock()
	s.calls[sess.ID()] = &call{conn: conn, session: sess}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.calls, sess.ID())
		s.mu.Unlock()
	}()

	select {
	case <-s.shutdown:
		logger.Info().Msg("shutting down before capture started")
		return
	default:
	}

	started := time.Now()
	if err := sess.Start(context.Background()); err != nil {
		logger.Error().Err(err).Msg("capture did not start")
		return
	}

	select {
	case <-sess.Done():
	case <-s.shutdown:
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := sess.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("stop on shutdown")
		}
		cancel()
	}

	snap := sess.Snapshot()
	ev := logger.Info().
		Stringer("status", snap.Status).
		Dur("duration", time.Since(started)).
		Int("transcript_chars", len(snap.Transcript))
	if snap.ErrorKind != "" {
		ev = ev.Str("error_kind", string(snap.ErrorKind)).Str("error", snap.ErrorMessage)
	}
	ev.Msg("call ended")
}
