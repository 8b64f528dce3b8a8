package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A 1x1 lossless WebP.
const webp1x1 = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestValidatorAcceptsImages(t *testing.T) {
	info, err := Validator{}.Validate(pngBytes(t, 20, 10))
	require.NoError(t, err)
	assert.Equal(t, "png", info.Format)
	assert.Equal(t, 20, info.Width)
	assert.Equal(t, 10, info.Height)

	webp, err := base64.StdEncoding.DecodeString(webp1x1)
	require.NoError(t, err)
	info, err = Validator{}.Validate(webp)
	require.NoError(t, err)
	assert.Equal(t, "webp", info.Format)
	assert.Equal(t, 1, info.Width)
}

func TestValidatorRejects(t *testing.T) {
	img := pngBytes(t, 100, 100)
	cases := []struct {
		name string
		v    Validator
		data []byte
	}{
		{"empty", Validator{}, nil},
		{"too many bytes", Validator{MaxBytes: 10}, img},
		{"too many pixels", Validator{MaxPixels: 99}, img},
		{"pdf", Validator{}, []byte("%PDF-1.7 not an image")},
		{"truncated png", Validator{}, img[:12]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.v.Validate(tc.data)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}
}

type fakeTesseract struct {
	status int
	body   string

	mu      sync.Mutex
	options string
	file    []byte
	name    string
}

func (f *fakeTesseract) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/tesseract" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(file)

	f.mu.Lock()
	f.options = r.FormValue("options")
	f.file = data
	f.name = hdr.Filename
	f.mu.Unlock()

	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, f.body)
}

func TestTesseractRecognize(t *testing.T) {
	fake := &fakeTesseract{body: `{"data":{"stdout":"Hello OCR\n","stderr":"","exit":{"code":0,"signal":null}}}`}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	img := pngBytes(t, 4, 4)
	text, err := NewTesseract(srv.URL+"/", time.Second, zerolog.Nop()).Recognize(context.Background(), img, "scan.png", "eng")
	require.NoError(t, err)
	assert.Equal(t, "Hello OCR", text)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.JSONEq(t, `{"languages":["eng"]}`, fake.options)
	assert.Equal(t, img, fake.file)
	assert.Equal(t, "scan.png", fake.name)
}

func TestTesseractFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   apperr.Kind
	}{
		{"http error", http.StatusInternalServerError, "boom", apperr.KindService},
		{"non-zero exit", 0, `{"data":{"stdout":"","stderr":"Error in pixReadMem","exit":{"code":1}}}`, apperr.KindService},
		{"not json", 0, "<html>", apperr.KindFormat},
		{"no stdout", 0, `{"data":{"exit":{"code":0}}}`, apperr.KindFormat},
		{"no data", 0, `{}`, apperr.KindFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(&fakeTesseract{status: tc.status, body: tc.body})
			defer srv.Close()

			_, err := NewTesseract(srv.URL, time.Second, zerolog.Nop()).Recognize(context.Background(), []byte{1}, "x.png", "eng")
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
			assert.Equal(t, "Failed to extract text from image", apperr.Message(err))
		})
	}
}

func TestTesseractUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewTesseract(url, time.Second, zerolog.Nop()).Recognize(context.Background(), []byte{1}, "x.png", "eng")
	assert.ErrorIs(t, err, apperr.ErrTransport)
}

type stubRecognizer struct {
	text string
	err  error
	gate chan struct{}
	lang string
}

func (s *stubRecognizer) Recognize(ctx context.Context, img []byte, filename, lang string) (string, error) {
	s.lang = lang
	if s.gate != nil {
		<-s.gate
	}
	return s.text, s.err
}

func TestRequestDone(t *testing.T) {
	rec := &stubRecognizer{text: "some words"}
	req := NewRequest(rec, Validator{}, zerolog.Nop())
	assert.Equal(t, StatusIdle, req.Result().Status)

	text, err := req.Run(context.Background(), pngBytes(t, 8, 8), "", "")
	require.NoError(t, err)
	assert.Equal(t, "some words", text)
	assert.Equal(t, DefaultLanguage, rec.lang)

	res := req.Result()
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "some words", res.Text)
	assert.Equal(t, "png", res.Image.Format)
	assert.Empty(t, res.ErrorMessage)
}

func TestRequestInvalidImageNeverReachesRecognizer(t *testing.T) {
	rec := &stubRecognizer{text: "unused"}
	req := NewRequest(rec, Validator{}, zerolog.Nop())

	_, err := req.Run(context.Background(), []byte("hello"), "notes.txt", "eng")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	assert.Empty(t, rec.lang)
	assert.Equal(t, StatusFailed, req.Result().Status)
	assert.Equal(t, apperr.KindInvalidInput, req.Result().ErrorKind)
}

func TestRequestUnclassifiedFailure(t *testing.T) {
	req := NewRequest(&stubRecognizer{err: errors.New("worker crashed")}, Validator{}, zerolog.Nop())

	_, err := req.Run(context.Background(), pngBytes(t, 2, 2), "a.png", "deu")
	require.Error(t, err)
	res := req.Result()
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "Failed to extract text from image", res.ErrorMessage)
	assert.Equal(t, "deu", res.Language)
}

func TestRequestBusyWhileRunning(t *testing.T) {
	rec := &stubRecognizer{text: "first", gate: make(chan struct{})}
	req := NewRequest(rec, Validator{}, zerolog.Nop())
	img := pngBytes(t, 2, 2)

	done := make(chan error, 1)
	go func() {
		_, err := req.Run(context.Background(), img, "a.png", "eng")
		done <- err
	}()
	require.Eventually(t, func() bool { return req.Result().Status == StatusRunning }, time.Second, 5*time.Millisecond)

	_, err := req.Run(context.Background(), img, "b.png", "eng")
	assert.ErrorIs(t, err, apperr.ErrBusy)

	close(rec.gate)
	require.NoError(t, <-done)
	assert.Equal(t, "first", req.Result().Text)

	_, err = req.Run(context.Background(), img, "c.png", "eng")
	assert.NoError(t, err, "a finished request can run again")
}
