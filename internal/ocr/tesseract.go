package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/rs/zerolog"
)

const failedMessage = "Failed to extract text from image"

// tesseractResponse is the sidecar's reply. stdout is a pointer so a
// missing field is a format error rather than empty text.
type tesseractResponse struct {
	Data *struct {
		Stdout *string `json:"stdout"`
		Stderr string  `json:"stderr"`
		Exit   struct {
			Code int `json:"code"`
		} `json:"exit"`
	} `json:"data"`
}

// Tesseract calls a tesseract-server sidecar over HTTP.
type Tesseract struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewTesseract creates a client for the sidecar at baseURL.
func NewTesseract(baseURL string, timeout time.Duration, logger zerolog.Logger) *Tesseract {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Tesseract{
		url:    strings.TrimRight(baseURL, "/") + "/tesseract",
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "tesseract").Logger(),
	}
}

// Recognize implements Recognizer.
func (t *Tesseract) Recognize(ctx context.Context, img []byte, filename, lang string) (string, error) {
	options, err := json.Marshal(map[string]any{"languages": []string{lang}})
	if err != nil {
		return "", apperr.InvalidInput("invalid OCR options", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("options", string(options)); err != nil {
		return "", apperr.InvalidInput("build OCR request", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", apperr.InvalidInput("build OCR request", err)
	}
	if _, err := fw.Write(img); err != nil {
		return "", apperr.InvalidInput("build OCR request", err)
	}
	if err := mw.Close(); err != nil {
		return "", apperr.InvalidInput("build OCR request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, &body)
	if err != nil {
		return "", apperr.InvalidInput("build OCR request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return "", apperr.Transport(failedMessage, fmt.Errorf("post image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", apperr.Service(failedMessage, fmt.Errorf("tesseract http %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	var tr tesseractResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", apperr.Format(failedMessage, fmt.Errorf("decode tesseract response: %w", err))
	}
	if tr.Data == nil || tr.Data.Stdout == nil {
		return "", apperr.Format(failedMessage, fmt.Errorf("tesseract response has no stdout"))
	}
	if tr.Data.Exit.Code != 0 {
		return "", apperr.Service(failedMessage, fmt.Errorf("tesseract exit %d: %s", tr.Data.Exit.Code, strings.TrimSpace(tr.Data.Stderr)))
	}
	t.logger.Debug().Int("chars", len(*tr.Data.Stdout)).Str("lang", lang).Msg("image recognized")
	return strings.TrimSpace(*tr.Data.Stdout), nil
}
