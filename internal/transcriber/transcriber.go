// Package transcriber talks to the Deepgram speech-to-text API, either over a
// live WebSocket while audio is captured or with one pre-recorded upload.
package transcriber

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/rs/zerolog"
)

const (
	DefaultLiveURL   = "wss://api.deepgram.com/v1/listen"
	DefaultUploadURL = "https://api.deepgram.com/v1/listen"
	DefaultModel     = "nova-2"

	defaultKeepAlive    = 5 * time.Second
	defaultCloseTimeout = 3 * time.Second
	defaultHTTPTimeout  = 60 * time.Second
)

// Options configures both Deepgram clients.
type Options struct {
	APIKey string
	// LiveURL and UploadURL override the public endpoints.
	LiveURL   string
	UploadURL string

	Model          string
	Language       string
	Punctuate      bool
	SmartFormat    bool
	InterimResults bool

	// KeepAlive is how often an idle live connection is pinged.
	KeepAlive time.Duration
	// CloseTimeout bounds the wait for final results after CloseStream.
	CloseTimeout time.Duration

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.LiveURL == "" {
		o.LiveURL = DefaultLiveURL
	}
	if o.UploadURL == "" {
		o.UploadURL = DefaultUploadURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
}

// query builds the listen parameters shared by both endpoints. Raw audio
// has to be described; containers are sniffed by the service.
func (o *Options) query(format capture.Format, live bool) url.Values {
	q := url.Values{}
	q.Set("model", o.Model)
	if o.Language != "" {
		q.Set("language", o.Language)
	}
	if o.Punctuate {
		q.Set("punctuate", "true")
	}
	if o.SmartFormat {
		q.Set("smart_format", "true")
	}
	if live && o.InterimResults {
		q.Set("interim_results", "true")
	}
	if format.Raw() {
		q.Set("encoding", format.Encoding)
		q.Set("sample_rate", strconv.Itoa(format.SampleRate))
		channels := format.Channels
		if channels == 0 {
			channels = 1
		}
		q.Set("channels", strconv.Itoa(channels))
	}
	return q
}

func (o *Options) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+o.APIKey)
	return h
}

func withQuery(base string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	existing := u.Query()
	for k, v := range q {
		existing[k] = v
	}
	u.RawQuery = existing.Encode()
	return u.String(), nil
}
