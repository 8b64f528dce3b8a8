// Package notify publishes session notifications to Redis so other
// processes (dashboards, dialers) can follow a call's transcript.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	queueSize      = 256
	publishTimeout = 2 * time.Second
)

// Message is the JSON payload published on <prefix><session_id>.
type Message struct {
	SessionID string      `json:"session_id"`
	Type      string      `json:"type"`
	Status    string      `json:"status"`
	Text      string      `json:"text,omitempty"`
	IsFinal   bool        `json:"is_final,omitempty"`
	Error     string      `json:"error,omitempty"`
	Kind      apperr.Kind `json:"kind,omitempty"`
	At        time.Time   `json:"at"`
}

// FromNotification converts a session notification. Status messages carry
// the full transcript; transcript messages carry only the new text.
func FromNotification(n capture.Notification) Message {
	m := Message{
		SessionID: n.SessionID,
		Type:      string(n.Type),
		Status:    n.Snapshot.Status.String(),
		Error:     n.Snapshot.ErrorMessage,
		Kind:      n.Snapshot.ErrorKind,
		At:        n.At,
	}
	switch n.Type {
	case capture.NotifyTranscript:
		m.Text = n.Event.Text
		m.IsFinal = n.Event.IsFinal
	case capture.NotifyStatus:
		if n.Snapshot.Status == capture.StatusCompleted {
			m.Text = n.Snapshot.Transcript
		}
	}
	return m
}

type outgoing struct {
	channel string
	payload []byte
}

// RedisPublisher is a capture.Observer. Notify never blocks the session:
// messages are queued and published by one goroutine, and dropped when the
// queue is full.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger

	queue   chan outgoing
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewRedisPublisher starts the publishing goroutine.
func NewRedisPublisher(client *redis.Client, prefix string, logger zerolog.Logger) *RedisPublisher {
	p := &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "notify").Logger(),
		queue:  make(chan outgoing, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Channel returns the pub/sub channel for a session.
func (p *RedisPublisher) Channel(sessionID string) string { return p.prefix + sessionID }

// Notify implements capture.Observer.
func (p *RedisPublisher) Notify(n capture.Notification) {
	payload, err := json.Marshal(FromNotification(n))
	if err != nil {
		p.logger.Error().Err(err).Msg("encode notification")
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- outgoing{channel: p.Channel(n.SessionID), payload: payload}:
	default:
		p.dropped.Add(1)
		p.logger.Warn().Str("session_id", n.SessionID).Msg("notification queue full, dropping")
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.client.Publish(ctx, msg.channel, msg.payload).Err()
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Str("channel", msg.channel).Msg("redis PUBLISH failed")
		}
	}
}

// Close publishes what is queued and stops the goroutine. The client is not
// closed.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	return nil
}

// Dropped counts notifications lost to a full queue.
func (p *RedisPublisher) Dropped() int64 { return p.dropped.Load() }

// Ping checks the connection at startup.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
