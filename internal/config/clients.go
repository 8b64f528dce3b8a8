package config

import (
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/amanullahtanweer/capture-transcriber/internal/ocr"
	"github.com/amanullahtanweer/capture-transcriber/internal/transcriber"
	"github.com/rs/zerolog"
)

// ClientOptions injects the credential and listen parameters into the
// Deepgram clients.
func (d DeepgramConfig) ClientOptions(logger zerolog.Logger) transcriber.Options {
	return transcriber.Options{
		APIKey:         d.APIKey,
		LiveURL:        d.LiveURL,
		UploadURL:      d.UploadURL,
		Model:          d.Model,
		Language:       d.Language,
		Punctuate:      d.Punctuate,
		SmartFormat:    d.SmartFormat,
		InterimResults: d.InterimResults,
		KeepAlive:      d.KeepAlive,
		Logger:         logger,
	}
}

// Transcribers builds both Deepgram clients.
func (d DeepgramConfig) Transcribers(logger zerolog.Logger) capture.Transcribers {
	opts := d.ClientOptions(logger)
	return capture.Transcribers{
		Batch:  transcriber.NewPrerecorded(opts),
		Stream: transcriber.NewLive(opts),
	}
}

// SessionConfig converts the capture section.
func (c CaptureConfig) SessionConfig() (capture.Config, error) {
	mode, err := capture.ParseMode(c.Mode)
	if err != nil {
		return capture.Config{}, err
	}
	return capture.Config{
		Mode:         mode,
		MaxDuration:  c.MaxDuration,
		DrainTimeout: c.DrainTimeout,
	}, nil
}

// Validator is the upload check for OCR.
func (o OCRConfig) Validator() ocr.Validator {
	return ocr.Validator{MaxBytes: o.MaxImageBytes}
}

// Recognizer returns the Tesseract client, or nil when OCR is disabled.
func (o OCRConfig) Recognizer(logger zerolog.Logger) ocr.Recognizer {
	if o.URL == "" {
		return nil
	}
	return ocr.NewTesseract(o.URL, o.Timeout, logger)
}
