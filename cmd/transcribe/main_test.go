package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is written from the session goroutine and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type upload struct {
	auth string
	body []byte
}

func uploadServer(t *testing.T, status int, reply string) (*httptest.Server, chan upload) {
	t.Helper()
	uploads := make(chan upload, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		uploads <- upload{auth: r.Header.Get("Authorization"), body: body}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, uploads
}

func writeConfig(t *testing.T, uploadURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := fmt.Sprintf(`deepgram:
  api_key: test-key
  upload_url: %s/v1/listen
capture:
  mode: batch
  chunk_interval: 20ms
log:
  level: error
`, uploadURL)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func writeWAV(t *testing.T, pcm []byte) string {
	t.Helper()
	var b bytes.Buffer
	le := binary.LittleEndian
	b.WriteString("RIFF")
	_ = binary.Write(&b, le, uint32(36+len(pcm)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, le, uint32(16))
	_ = binary.Write(&b, le, uint16(1))
	_ = binary.Write(&b, le, uint16(1))
	_ = binary.Write(&b, le, uint32(8000))
	_ = binary.Write(&b, le, uint32(16000))
	_ = binary.Write(&b, le, uint16(2))
	_ = binary.Write(&b, le, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, le, uint32(len(pcm)))
	b.Write(pcm)

	path := filepath.Join(t.TempDir(), "call.wav")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func TestRunPrintsTranscript(t *testing.T) {
	srv, uploads := uploadServer(t, http.StatusOK,
		`{"results":{"channels":[{"alternatives":[{"transcript":"hello from the file"}]}]}}`)
	cfg := writeConfig(t, srv.URL)
	wav := writeWAV(t, bytes.Repeat([]byte{1, 2}, 800))

	var stdout, stderr lockedBuffer
	code := run(context.Background(), []string{"-config", cfg, wav}, &stdout, &stderr)

	require.Equal(t, exitOK, code, stderr.String())
	assert.Equal(t, "hello from the file\n", stdout.String())
	got := <-uploads
	assert.Equal(t, "Token test-key", got.auth)
	assert.Len(t, got.body, 1600)
}

func TestRunReportsFailedTranscription(t *testing.T) {
	srv, _ := uploadServer(t, http.StatusInternalServerError, `{"err_msg":"boom"}`)
	cfg := writeConfig(t, srv.URL)
	wav := writeWAV(t, make([]byte, 640))

	var stdout, stderr lockedBuffer
	code := run(context.Background(), []string{"-config", cfg, wav}, &stdout, &stderr)

	assert.Equal(t, exitFailed, code)
	assert.Empty(t, stdout.String())
	assert.NotEmpty(t, strings.TrimSpace(stderr.String()))
}

func TestRunMissingFile(t *testing.T) {
	srv, uploads := uploadServer(t, http.StatusOK, `{}`)
	cfg := writeConfig(t, srv.URL)

	var stdout, stderr lockedBuffer
	code := run(context.Background(), []string{"-config", cfg, filepath.Join(t.TempDir(), "nope.wav")}, &stdout, &stderr)

	assert.Equal(t, exitFailed, code)
	assert.Empty(t, stdout.String())
	assert.Empty(t, uploads)
}

func TestRunUsageErrors(t *testing.T) {
	srv, _ := uploadServer(t, http.StatusOK, `{}`)
	cfg := writeConfig(t, srv.URL)
	wav := writeWAV(t, make([]byte, 320))

	tests := []struct {
		name string
		args []string
	}{
		{name: "no file", args: []string{"-config", cfg}},
		{name: "two files", args: []string{"-config", cfg, wav, wav}},
		{name: "unknown flag", args: []string{"-loud", wav}},
		{name: "unknown mode", args: []string{"-config", cfg, "-mode", "shouty", wav}},
		{name: "missing config", args: []string{"-config", filepath.Join(t.TempDir(), "absent.yaml"), wav}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr lockedBuffer
			assert.Equal(t, exitUsage, run(context.Background(), tt.args, &stdout, &stderr))
			assert.Empty(t, stdout.String())
		})
	}
}

func TestRunInterruptTranscribesWhatWasRead(t *testing.T) {
	srv, uploads := uploadServer(t, http.StatusOK,
		`{"results":{"channels":[{"alternatives":[{"transcript":"partial call"}]}]}}`)
	cfg := writeConfig(t, srv.URL)
	pcm := make([]byte, 160000) // ten seconds at 8 kHz
	wav := writeWAV(t, pcm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr lockedBuffer
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for !strings.Contains(stderr.String(), "[capturing]") && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	code := run(ctx, []string{"-config", cfg, "-realtime", "-progress", wav}, &stdout, &stderr)

	require.Equal(t, exitOK, code, stderr.String())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "partial call\n", stdout.String())
	got := <-uploads
	assert.NotEmpty(t, got.body)
	assert.Less(t, len(got.body), len(pcm))
	assert.Contains(t, stderr.String(), "[completed]")
}
