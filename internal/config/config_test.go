package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	path := writeFile(t, "config.yaml", `
server:
  host: 127.0.0.1
  port: 9092
http:
  addr: ":8080"
  allowed_origins: ["http://localhost:3000"]
deepgram:
  api_key: file-key
  model: nova-2-phonecall
  interim_results: true
capture:
  mode: batch
  chunk_interval: 500ms
  max_duration: 2m
ocr:
  url: http://tesseract:8884
redis:
  addr: localhost:6379
  password: ${REDIS_PASSWORD}
log:
  level: debug
  format: console
`)

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9092", cfg.Server.Addr())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "file-key", cfg.Deepgram.APIKey)
	assert.Equal(t, "nova-2-phonecall", cfg.Deepgram.Model)
	assert.True(t, cfg.Deepgram.InterimResults)
	assert.Equal(t, "batch", cfg.Capture.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Capture.ChunkInterval)
	assert.Equal(t, 2*time.Minute, cfg.Capture.MaxDuration)
	assert.Equal(t, 3*time.Second, cfg.Capture.DrainTimeout)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "transcriber:session:", cfg.Redis.ChannelPrefix)
	assert.Equal(t, "eng", cfg.OCR.Language)
	assert.Equal(t, 5<<20, cfg.OCR.MaxImageBytes)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadKeyFromEnvFile(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	// godotenv never overrides variables that are already set, so unset it.
	require.NoError(t, os.Unsetenv(APIKeyEnv))
	env := writeFile(t, ".env", APIKeyEnv+"=from-dotenv\n")

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Deepgram.APIKey)
	assert.Equal(t, "streaming", cfg.Capture.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Capture.ChunkInterval)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv(APIKeyEnv, "")

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "bad.yaml", "server: [not, a, map"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "nokey.yaml", "server:\n  port: 9092\n"))
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	assert.Contains(t, err.Error(), "deepgram.api_key is required")
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := &Config{
		Deepgram: DeepgramConfig{APIKey: "k", LiveURL: "not a url"},
		Capture:  CaptureConfig{Mode: "carrier-pigeon"},
		Server:   ServerConfig{Port: 70000},
	}
	cfg.ApplyDefaults()

	err := cfg.Validate()
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	msg := apperr.Message(err)
	assert.Contains(t, msg, "deepgram.live_url must be a URL")
	assert.Contains(t, msg, "capture.mode must be one of: streaming batch")
	assert.Contains(t, msg, "server.port is out of range")
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.SetupLogging(&buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"component":"test"`)
	assert.Contains(t, out, `"message":"shown"`)

	LogConfig{Level: "info"}.SetupLogging(&bytes.Buffer{})
}

func TestClientWiring(t *testing.T) {
	cfg := &Config{Deepgram: DeepgramConfig{APIKey: "k"}, OCR: OCRConfig{MaxImageBytes: 1024}}
	cfg.ApplyDefaults()

	opts := cfg.Deepgram.ClientOptions(zerolog.Nop())
	assert.Equal(t, "k", opts.APIKey)
	assert.Equal(t, "nova-2", opts.Model)
	assert.Equal(t, "en-US", opts.Language)

	tr := cfg.Deepgram.Transcribers(zerolog.Nop())
	assert.NotNil(t, tr.Batch)
	assert.NotNil(t, tr.Stream)

	sc, err := cfg.Capture.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, capture.ModeStreaming, sc.Mode)
	assert.Equal(t, 3*time.Second, sc.DrainTimeout)

	_, err = CaptureConfig{Mode: "fax"}.SessionConfig()
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	assert.Nil(t, cfg.OCR.Recognizer(zerolog.Nop()), "no URL disables OCR")
	cfg.OCR.URL = "http://tesseract:8884"
	assert.NotNil(t, cfg.OCR.Recognizer(zerolog.Nop()))
	assert.Equal(t, 1024, cfg.OCR.Validator().MaxBytes)
}
