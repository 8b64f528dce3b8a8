package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/rs/zerolog"
)

const maxErrorBody = 4 << 10

// prerecordedResponse decodes only the transcript path. Pointers tell a
// missing field apart from an empty transcript.
type prerecordedResponse struct {
	Results *struct {
		Channels []struct {
			Alternatives []struct {
				Transcript *string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (r prerecordedResponse) transcript() (string, bool) {
	if r.Results == nil || len(r.Results.Channels) == 0 {
		return "", false
	}
	alts := r.Results.Channels[0].Alternatives
	if len(alts) == 0 || alts[0].Transcript == nil {
		return "", false
	}
	return *alts[0].Transcript, true
}

// Prerecorded transcribes a complete recording with one POST.
type Prerecorded struct {
	opts   Options
	logger zerolog.Logger
}

// NewPrerecorded creates a batch client.
func NewPrerecorded(opts Options) *Prerecorded {
	opts.applyDefaults()
	return &Prerecorded{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "deepgram_prerecorded").Logger(),
	}
}

// Transcribe implements capture.BatchTranscriber.
func (p *Prerecorded) Transcribe(ctx context.Context, audio []byte, format capture.Format) (string, error) {
	if len(audio) == 0 {
		return "", apperr.EmptyInput("Nothing was recorded.")
	}
	endpoint, err := withQuery(p.opts.UploadURL, p.opts.query(format, false))
	if err != nil {
		return "", apperr.InvalidInput("invalid transcription endpoint", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return "", apperr.InvalidInput("invalid transcription request", err)
	}
	req.Header = p.opts.authHeader()
	req.Header.Set("Content-Type", format.ContentType())

	p.logger.Debug().Int("bytes", len(audio)).Str("content_type", format.ContentType()).Msg("uploading audio")
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return "", apperr.Transport("Could not reach the transcription service.", fmt.Errorf("post audio: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return "", apperr.Service(
			fmt.Sprintf("Transcription service returned %d: %s", resp.StatusCode, msg),
			fmt.Errorf("status %s", resp.Status),
		)
	}

	var parsed prerecordedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Format("The transcription response was not understood.", fmt.Errorf("decode response: %w", err))
	}
	text, ok := parsed.transcript()
	if !ok {
		return "", apperr.Format("The transcription response did not contain a transcript.", nil)
	}
	return strings.TrimSpace(text), nil
}
