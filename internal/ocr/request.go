// Package ocr extracts text from uploaded images.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/rs/zerolog"
)

// DefaultLanguage is the Tesseract language used when none is given.
const DefaultLanguage = "eng"

// Status is the lifecycle position of a Request.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Recognizer turns an image into text.
type Recognizer interface {
	Recognize(ctx context.Context, img []byte, filename, lang string) (string, error)
}

// Result is a copy of a Request's state.
type Result struct {
	Status       Status      `json:"status"`
	Text         string      `json:"text"`
	Language     string      `json:"language"`
	Image        ImageInfo   `json:"image"`
	ErrorMessage string      `json:"error,omitempty"`
	ErrorKind    apperr.Kind `json:"kind,omitempty"`
}

// Request is one recognition attempt: Idle, Running, then Done or Failed.
// A finished request can be run again.
type Request struct {
	recognizer Recognizer
	validator  Validator
	logger     zerolog.Logger

	mu  sync.Mutex
	res Result
}

// NewRequest creates an idle request.
func NewRequest(r Recognizer, v Validator, logger zerolog.Logger) *Request {
	return &Request{recognizer: r, validator: v, logger: logger}
}

// Result returns the current state.
func (r *Request) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.res
}

// Run validates img and recognizes it. A second Run while one is in flight
// fails with a busy error and leaves the first untouched.
func (r *Request) Run(ctx context.Context, img []byte, filename, lang string) (string, error) {
	if lang == "" {
		lang = DefaultLanguage
	}
	if filename == "" {
		filename = "image"
	}

	r.mu.Lock()
	if r.res.Status == StatusRunning {
		r.mu.Unlock()
		return "", apperr.Busy("Text extraction is already running.")
	}
	r.res = Result{Status: StatusRunning, Language: lang}
	r.mu.Unlock()

	info, err := r.validator.Validate(img)
	if err != nil {
		return "", r.fail(err)
	}
	r.mu.Lock()
	r.res.Image = info
	r.mu.Unlock()

	text, err := r.recognizer.Recognize(ctx, img, filename, lang)
	if err != nil {
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			err = apperr.Transport(failedMessage, err)
		}
		return "", r.fail(err)
	}

	r.mu.Lock()
	r.res.Status = StatusDone
	r.res.Text = text
	r.mu.Unlock()
	r.logger.Info().Str("format", info.Format).Int("bytes", info.Size).Int("chars", len(text)).Msg("text extracted")
	return text, nil
}

func (r *Request) fail(err error) error {
	r.mu.Lock()
	r.res.Status = StatusFailed
	r.res.ErrorMessage = apperr.Message(err)
	r.res.ErrorKind = apperr.KindOf(err)
	r.mu.Unlock()
	r.logger.Warn().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("text extraction failed")
	return err
}
