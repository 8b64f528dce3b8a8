package device

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/rs/zerolog"
)

// ErrNotWAV is returned for files that are not 16-bit PCM RIFF/WAVE.
var ErrNotWAV = errors.New("not a 16-bit PCM WAV file")

// WAV is a decoded PCM WAV file.
type WAV struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Format returns the stream format of the file's samples.
func (w WAV) Format() capture.Format {
	return capture.Format{Encoding: "linear16", SampleRate: w.SampleRate, Channels: w.Channels}
}

// Duration is the playing time of the PCM data.
func (w WAV) Duration() time.Duration {
	perSecond := w.SampleRate * w.Channels * bytesPerSample
	if perSecond == 0 {
		return 0
	}
	return time.Duration(len(w.PCM)) * time.Second / time.Duration(perSecond)
}

// maxFmtChunk bounds the fmt chunk; WAVE_FORMAT_EXTENSIBLE needs 40 bytes.
const maxFmtChunk = 1024

// ReadWAV walks the RIFF chunks of r and returns the fmt and data contents.
// Unknown chunks such as LIST are skipped.
func ReadWAV(r io.Reader) (WAV, error) {
	br := bufio.NewReader(r)
	var riff [12]byte
	if _, err := io.ReadFull(br, riff[:]); err != nil {
		return WAV{}, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAV{}, ErrNotWAV
	}

	var (
		w      WAV
		gotFmt bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return WAV{}, fmt.Errorf("%w: no data chunk", ErrNotWAV)
			}
			return WAV{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 || size > maxFmtChunk {
				return WAV{}, fmt.Errorf("%w: fmt chunk of %d bytes", ErrNotWAV, size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(br, body); err != nil {
				return WAV{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if audioFormat != 1 || bits != 16 {
				return WAV{}, fmt.Errorf("%w: format %d with %d bits", ErrNotWAV, audioFormat, bits)
			}
			w.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			w.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return WAV{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			// Streaming recorders and crashed ones leave a size larger than
			// the file, often 0xFFFFFFFF.
			pcm, err := io.ReadAll(io.LimitReader(br, size))
			if err != nil {
				return WAV{}, fmt.Errorf("read data chunk: %w", err)
			}
			w.PCM = pcm
			return w, nil
		default:
			if _, err := br.Discard(int(size)); err != nil {
				return WAV{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		if size%2 == 1 {
			if _, err := br.Discard(1); err != nil {
				return WAV{}, fmt.Errorf("skip pad byte: %w", err)
			}
		}
	}
}

// WAVFileSource replays a WAV file as if it were being recorded. With
// Realtime set, chunks are paced at the chunk interval.
type WAVFileSource struct {
	Path     string
	Interval time.Duration
	Realtime bool
	Logger   zerolog.Logger
}

// Acquire implements capture.Source.
func (s *WAVFileSource) Acquire(ctx context.Context) (capture.Stream, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, apperr.Device("Could not open the audio file.", err)
	}
	defer f.Close()

	w, err := ReadWAV(f)
	if err != nil {
		return nil, apperr.Device("The audio file is not a 16-bit PCM WAV file.", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Device("Audio capture was cancelled.", err)
	}

	interval := s.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	s.Logger.Debug().
		Str("path", s.Path).
		Int("sample_rate", w.SampleRate).
		Int("channels", w.Channels).
		Dur("duration", w.Duration()).
		Msg("wav file opened")

	p := newPipe(w.Format(), nil)
	go s.play(p, w.PCM, ChunkBytes(w.Format(), interval), interval)
	return p, nil
}

func (s *WAVFileSource) play(p *pipe, pcm []byte, chunkBytes int, interval time.Duration) {
	defer p.finish()
	var tick <-chan time.Time
	if s.Realtime {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for off := 0; off < len(pcm); off += chunkBytes {
		if tick != nil {
			select {
			case <-tick:
			case <-p.released:
				return
			}
		} else if p.isReleased() {
			return
		}
		end := min(off+chunkBytes, len(pcm))
		p.emit(pcm[off:end])
	}
}
