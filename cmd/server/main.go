package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/amanullahtanweer/capture-transcriber/internal/api"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/amanullahtanweer/capture-transcriber/internal/config"
	"github.com/amanullahtanweer/capture-transcriber/internal/notify"
	"github.com/amanullahtanweer/capture-transcriber/internal/server"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Configuration file path")
	flag.Parse()

	if err := run(configFile); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile, ".env")
	if err != nil {
		return err
	}
	logger := cfg.Log.SetupLogging(os.Stderr)
	if cfg.Server.Port == 0 && cfg.HTTP.Addr == "" {
		return errors.New("nothing to serve: set server.port or http.addr")
	}

	sessionCfg, err := cfg.Capture.SessionConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var publisher *notify.RedisPublisher
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		publisher = notify.NewRedisPublisher(client, cfg.Redis.ChannelPrefix, logger)
		defer publisher.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := publisher.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable")
		}
		cancel()
	}

	managerCfg := server.ManagerConfig{
		Transcribers: cfg.Deepgram.Transcribers(logger.With().Str("component", "deepgram").Logger()),
		Capture:      sessionCfg,
	}
	if publisher != nil {
		managerCfg.Publisher = publisher
	}
	if cfg.Output.SessionLogs {
		managerCfg.SessionLogDir = filepath.Join(cfg.Output.Dir, "sessions")
	}
	manager := server.NewManager(managerCfg, logger)
	defer manager.CloseAll()

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Server.Port > 0 {
		audioSrv := server.New(server.Config{
			Addr:          cfg.Server.Addr(),
			Mode:          sessionCfg.Mode,
			ChunkInterval: cfg.Capture.ChunkInterval,
		}, manager, logger)
		group.Go(audioSrv.Start)
		group.Go(func() error {
			<-groupCtx.Done()
			logger.Info().Msg("stopping AudioSocket server")
			audioSrv.Stop()
			return nil
		})
	}

	if cfg.HTTP.Addr != "" {
		httpAPI := api.New(api.Options{
			Manager:        manager,
			Recognizer:     cfg.OCR.Recognizer(logger.With().Str("component", "ocr").Logger()),
			Validator:      cfg.OCR.Validator(),
			OCRLanguage:    cfg.OCR.Language,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Logger:         logger,
		})
		group.Go(func() error { return httpAPI.Start(cfg.HTTP.Addr) })
		group.Go(func() error {
			<-groupCtx.Done()
			logger.Info().Msg("stopping HTTP API")
			return httpAPI.Shutdown(context.Background())
		})
	}

	logger.Info().
		Str("mode", string(sessionCfg.Mode)).
		Bool("ocr", cfg.OCR.URL != "").
		Bool("redis", cfg.Redis.Addr != "").
		Msg("capture-transcriber started")

	err = group.Wait()
	logger.Info().Int64("sessions_completed", manager.Totals().Snapshot().Completed).Msg("shut down")
	return err
}

// Compile-time check that the publisher is an observer.
var _ capture.Observer = (*notify.RedisPublisher)(nil)
