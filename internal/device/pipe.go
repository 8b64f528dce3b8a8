// Package device provides capture.Source implementations: an Asterisk
// AudioSocket call, a browser microphone over WebSocket and a WAV file.
package device

import (
	"sync"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
)

const (
	chunkBuffer = 32
	// flushTimeout bounds the final sends after Release when nobody reads.
	flushTimeout = time.Second
)

// pipe is the chunk channel shared by every stream. The producer goroutine
// calls emit and finally finish; Release only signals it.
type pipe struct {
	format    capture.Format
	chunks    chan capture.Chunk
	released  chan struct{}
	release   sync.Once
	finished  sync.Once
	onRelease func()
}

func newPipe(format capture.Format, onRelease func()) *pipe {
	return &pipe{
		format:    format,
		chunks:    make(chan capture.Chunk, chunkBuffer),
		released:  make(chan struct{}),
		onRelease: onRelease,
	}
}

func (p *pipe) Format() capture.Format       { return p.format }
func (p *pipe) Chunks() <-chan capture.Chunk { return p.chunks }

// Release is idempotent. The producer notices, flushes what it holds and
// closes the channel.
func (p *pipe) Release() error {
	p.release.Do(func() {
		close(p.released)
		if p.onRelease != nil {
			p.onRelease()
		}
	})
	return nil
}

func (p *pipe) isReleased() bool {
	select {
	case <-p.released:
		return true
	default:
		return false
	}
}

func (p *pipe) emit(data []byte) {
	if len(data) == 0 {
		return
	}
	c := capture.Chunk{Data: data, At: time.Now()}
	select {
	case p.chunks <- c:
	case <-p.released:
		t := time.NewTimer(flushTimeout)
		defer t.Stop()
		select {
		case p.chunks <- c:
		case <-t.C:
		}
	}
}

func (p *pipe) finish() {
	p.finished.Do(func() { close(p.chunks) })
}
