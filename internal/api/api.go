// Package api is the HTTP surface: OCR uploads, session inspection and the
// browser microphone socket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/ocr"
	"github.com/amanullahtanweer/capture-transcriber/internal/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	stopTimeout     = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options wires the API to the rest of the process.
type Options struct {
	Manager *server.Manager
	// Recognizer is nil when OCR is not configured.
	Recognizer     ocr.Recognizer
	Validator      ocr.Validator
	OCRLanguage    string
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// API owns the gin engine and the HTTP server around it.
type API struct {
	opts     Options
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	quit       chan struct{}
	sockets    sync.WaitGroup
}

// New builds the router.
func New(opts Options) *API {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.OCRLanguage == "" {
		opts.OCRLanguage = ocr.DefaultLanguage
	}

	a := &API{
		opts:   opts,
		engine: gin.New(),
		logger: opts.Logger.With().Str("component", "api").Logger(),
		quit:   make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}

	a.engine.Use(gin.Recovery())
	a.engine.Use(requestLogger(a.logger))
	a.engine.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	a.engine.GET("/healthz", a.health)
	api := a.engine.Group("/api")
	api.GET("/metrics", a.metrics)
	api.POST("/ocr", a.recognize)
	api.GET("/sessions", a.listSessions)
	api.GET("/sessions/:id", a.getSession)
	api.POST("/sessions/:id/stop", a.stopSession)
	api.GET("/listen", a.listen)
	return a
}

// Handler exposes the router for tests and custom servers.
func (a *API) Handler() http.Handler { return a.engine }

// Start listens on addr and serves until Shutdown.
func (a *API) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return a.Serve(listener)
}

// Serve serves on listener until Shutdown.
func (a *API) Serve(listener net.Listener) error {
	srv := &http.Server{
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	a.mu.Lock()
	select {
	case <-a.quit:
		a.mu.Unlock()
		return listener.Close()
	default:
	}
	a.httpServer = srv
	a.mu.Unlock()
	a.logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP API listening")
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, ends open microphone sockets and waits
// for them.
func (a *API) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	srv := a.httpServer
	a.mu.Unlock()

	var err error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}
	a.sockets.Wait()
	return err
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			origins = nil
			break
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func (a *API) checkOrigin(r *http.Request) bool {
	if len(a.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range a.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = logger.Error()
		case status >= 400:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("request completed")
	}
}
