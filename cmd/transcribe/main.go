// Command transcribe runs one capture session against a WAV file and prints
// the transcript.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/amanullahtanweer/capture-transcriber/internal/config"
	"github.com/amanullahtanweer/capture-transcriber/internal/device"
	"github.com/amanullahtanweer/capture-transcriber/internal/metrics"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

const stopTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run transcribes one file. Cancelling ctx stops capture early; the audio
// read so far is still transcribed.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		configFile string
		mode       string
		realtime   bool
		interval   time.Duration
		progress   bool
	)
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configFile, "config", "", "Configuration file path (optional)")
	fs.StringVar(&mode, "mode", "", "Capture mode: streaming or batch (default from config)")
	fs.BoolVar(&realtime, "realtime", false, "Pace the file at recording speed")
	fs.DurationVar(&interval, "interval", 0, "Chunk interval (default from config)")
	fs.BoolVar(&progress, "progress", false, "Print transcript events to stderr as they arrive")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: transcribe [flags] file.wav")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(configFile, ".env")
	if err != nil {
		fmt.Fprintln(stderr, apperr.Message(err))
		return exitUsage
	}
	if mode != "" {
		cfg.Capture.Mode = mode
	}
	if interval > 0 {
		cfg.Capture.ChunkInterval = interval
	}
	logger := cfg.Log.SetupLogging(stderr)

	sessionCfg, err := cfg.Capture.SessionConfig()
	if err != nil {
		fmt.Fprintln(stderr, apperr.Message(err))
		return exitUsage
	}

	source := &device.WAVFileSource{
		Path:     fs.Arg(0),
		Interval: cfg.Capture.ChunkInterval,
		Realtime: realtime,
		Logger:   logger,
	}
	opts := []capture.Option{
		capture.WithLogger(logger),
		capture.WithObserver(metrics.NewSessionMetrics("cli", sessionCfg.Mode, 0, nil, logger)),
	}
	if progress {
		opts = append(opts, capture.WithObserver(progressPrinter(stderr)))
	}

	sess, err := capture.New(sessionCfg, source, cfg.Deepgram.Transcribers(logger), opts...)
	if err != nil {
		fmt.Fprintln(stderr, apperr.Message(err))
		return exitUsage
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		fmt.Fprintln(stderr, apperr.Message(err))
		return exitFailed
	}

	// The file ending stops the session; an interrupt stops it early.
	snap, err := sess.Wait(ctx)
	if ctx.Err() != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		err = sess.Stop(stopCtx)
		cancel()
		snap = sess.Snapshot()
	}

	if snap.Status != capture.StatusCompleted {
		if err == nil {
			err = snap.Err
		}
		fmt.Fprintln(stderr, apperr.Message(err))
		return exitFailed
	}
	fmt.Fprintln(stdout, snap.Transcript)
	return exitOK
}

func progressPrinter(w io.Writer) capture.Observer {
	return capture.ObserverFunc(func(n capture.Notification) {
		switch n.Type {
		case capture.NotifyTranscript:
			marker := "~"
			if n.Event.IsFinal {
				marker = ">"
			}
			fmt.Fprintf(w, "%s %s\n", marker, n.Event.Text)
		case capture.NotifyStatus:
			fmt.Fprintf(w, "[%s]\n", n.Snapshot.Status)
		case capture.NotifyError:
			fmt.Fprintf(w, "! %s\n", n.Snapshot.ErrorMessage)
		}
	})
}
