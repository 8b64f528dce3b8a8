package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture/capturetest"
	"github.com/amanullahtanweer/capture-transcriber/internal/notify"
	"github.com/amanullahtanweer/capture-transcriber/internal/ocr"
	"github.com/amanullahtanweer/capture-transcriber/internal/server"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recognizer struct {
	mu   sync.Mutex
	text string
	err  error
	lang string
}

func (r *recognizer) Recognize(ctx context.Context, img []byte, filename, lang string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lang = lang
	return r.text, r.err
}

func newAPI(t *testing.T, tr capture.Transcribers, rec ocr.Recognizer) (*API, *server.Manager) {
	t.Helper()
	mgr := server.NewManager(server.ManagerConfig{
		Transcribers: tr,
		Capture:      capture.Config{Mode: capture.ModeBatch},
	}, zerolog.Nop())
	t.Cleanup(mgr.CloseAll)
	return New(Options{Manager: mgr, Recognizer: rec, Logger: zerolog.Nop()}), mgr
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func upload(t *testing.T, h http.Handler, file []byte, lang string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		fw, err := mw.CreateFormFile("image", "scan.png")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	if lang != "" {
		require.NoError(t, mw.WriteField("lang", lang))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ocr", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	a, _ := newAPI(t, capture.Transcribers{Batch: &capturetest.Batch{}}, nil)
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRecognize(t *testing.T) {
	rec := &recognizer{text: "Invoice 42"}
	a, _ := newAPI(t, capture.Transcribers{Batch: &capturetest.Batch{}}, rec)

	w := upload(t, a.Handler(), pngImage(t), "deu")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res ocr.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "Invoice 42", res.Text)
	assert.Equal(t, "deu", res.Language)
	assert.Equal(t, "png", res.Image.Format)
	assert.Contains(t, w.Body.String(), `"status":"done"`)

	w = upload(t, a.Handler(), pngImage(t), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ocr.DefaultLanguage, rec.lang)
}

func TestRecognizeErrors(t *testing.T) {
	tests := []struct {
		name     string
		rec      *recognizer
		file     []byte
		wantCode int
		wantKind apperr.Kind
	}{
		{"missing file", &recognizer{}, nil, http.StatusBadRequest, apperr.KindInvalidInput},
		{"not an image", &recognizer{}, []byte("hello"), http.StatusBadRequest, apperr.KindInvalidInput},
		{"service failure", &recognizer{err: apperr.Service("Failed to extract text from image", nil)}, nil, http.StatusBadGateway, apperr.KindService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newAPI(t, capture.Transcribers{Batch: &capturetest.Batch{}}, tt.rec)
			file := tt.file
			if file == nil && tt.wantKind == apperr.KindService {
				file = pngImage(t)
			}
			w := upload(t, a.Handler(), file, "")
			assert.Equal(t, tt.wantCode, w.Code)
			var body struct {
				Error string      `json:"error"`
				Kind  apperr.Kind `json:"kind"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestRecognizeNotConfigured(t *testing.T) {
	a, _ := newAPI(t, capture.Transcribers{Batch: &capturetest.Batch{}}, nil)
	w := upload(t, a.Handler(), pngImage(t), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSessionsEndpoints(t *testing.T) {
	batch := &capturetest.Batch{Text: "stopped by api"}
	a, mgr := newAPI(t, capture.Transcribers{Batch: batch}, nil)
	h := a.Handler()

	src := &capturetest.Source{}
	sess, err := mgr.Open("call-9", "", src, capture.Format{Encoding: "linear16", SampleRate: 8000, Channels: 1})
	require.NoError(t, err)
	require.NoError(t, sess.Start(context.Background()))
	src.Last().Emit(make([]byte, 320))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"call-9"`)
	assert.Contains(t, w.Body.String(), `"status":"capturing"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/call-9", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"batch"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions/nope/stop", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions/call-9/stop", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap struct {
		Status     string `json:"status"`
		Transcript string `json:"transcript"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "completed", snap.Status)
	assert.Equal(t, "stopped by api", snap.Transcript)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed":1`)
	assert.Contains(t, w.Body.String(), `"active_sessions":1`)
}

func TestStopFailedCycleReturnsSnapshot(t *testing.T) {
	a, mgr := newAPI(t, capture.Transcribers{Batch: &capturetest.Batch{}}, nil)
	sess, err := mgr.Open("quiet", "", &capturetest.Source{}, capture.Format{})
	require.NoError(t, err)
	require.NoError(t, sess.Start(context.Background()))

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sessions/quiet/stop", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"failed"`)
	assert.Contains(t, w.Body.String(), `"error_kind":"empty_input"`)
}

func dialListen(t *testing.T, a *API, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/listen" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilClose collects server messages until the close frame.
func readUntilClose(t *testing.T, conn *websocket.Conn) []notify.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out []notify.Message
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			return out
		}
		var m notify.Message
		require.NoError(t, json.Unmarshal(data, &m))
		out = append(out, m)
	}
}

func statuses(msgs []notify.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Type == "status" {
			out = append(out, m.Status)
		}
	}
	return out
}

func TestListenBatch(t *testing.T) {
	batch := &capturetest.Batch{Text: "from the browser"}
	a, _ := newAPI(t, capture.Transcribers{Batch: batch}, nil)
	conn := dialListen(t, a, "?mode=batch&mime=audio/ogg")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("chunk-1")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("chunk-2")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	msgs := readUntilClose(t, conn)
	assert.Equal(t, []string{"capturing", "uploading", "completed"}, statuses(msgs))
	last := msgs[len(msgs)-1]
	assert.Equal(t, "from the browser", last.Text)
	assert.NotEmpty(t, last.SessionID)

	require.Equal(t, 1, batch.Calls())
	assert.Equal(t, []byte("chunk-1chunk-2"), batch.Payload(0))
}

func TestListenStreaming(t *testing.T) {
	streamer := &capturetest.Streamer{}
	a, _ := newAPI(t, capture.Transcribers{Stream: streamer}, nil)
	conn := dialListen(t, a, "?mode=streaming")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("audio")))
	require.Eventually(t, func() bool {
		live := streamer.Last()
		return live != nil && len(live.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	streamer.Last().Push("hi", false)
	streamer.Last().Push("hi there", true)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var transcripts []notify.Message
	for len(transcripts) < 2 {
		var m notify.Message
		require.NoError(t, conn.ReadJSON(&m))
		if m.Type == "transcript" {
			transcripts = append(transcripts, m)
		}
	}
	assert.False(t, transcripts[0].IsFinal)
	assert.True(t, transcripts[1].IsFinal)
	assert.Equal(t, "hi there", transcripts[1].Text)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))
	msgs := readUntilClose(t, conn)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, "hi there", last.Text)
}

func TestListenRejectsUnknownMode(t *testing.T) {
	a, _ := newAPI(t, capture.Transcribers{Batch: &capturetest.Batch{}}, nil)
	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/listen?mode=carrier-pigeon", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_input")
}

func TestListenMissingTranscriber(t *testing.T) {
	// Streaming requested but only a batch client is configured.
	a, _ := newAPI(t, capture.Transcribers{Batch: &capturetest.Batch{}}, nil)
	conn := dialListen(t, a, "?mode=streaming")
	msgs := readUntilClose(t, conn)
	require.Len(t, msgs, 1)
	assert.Equal(t, "error", msgs[0].Type)
	assert.Equal(t, apperr.KindInvalidInput, msgs[0].Kind)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(apperr.KindBusy))
	assert.Equal(t, http.StatusBadGateway, statusFor(apperr.KindTransport))
	assert.Equal(t, http.StatusBadGateway, statusFor(apperr.KindService))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(apperr.KindEmptyInput))
	assert.Equal(t, http.StatusBadRequest, statusFor(apperr.KindDevice))
	assert.Equal(t, http.StatusInternalServerError, statusFor(apperr.KindUnknown))
}

func TestShutdownEndsOpenSockets(t *testing.T) {
	a, mgr := newAPI(t, capture.Transcribers{Batch: &capturetest.Batch{Text: "cut short"}}, nil)
	conn := dialListen(t, a, "")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("audio")))

	require.Eventually(t, func() bool {
		list := mgr.List()
		return len(list) == 1 && list[0].AudioBytes > 0
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- a.Shutdown(context.Background()) }()

	msgs := readUntilClose(t, conn)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "completed", msgs[len(msgs)-1].Status)
	assert.Equal(t, "cut short", msgs[len(msgs)-1].Text)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}
