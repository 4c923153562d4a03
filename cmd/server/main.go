package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"transfer-hub/internal/cache"
	"transfer-hub/internal/config"
	"transfer-hub/internal/database"
	"transfer-hub/internal/downloader"
	"transfer-hub/internal/logging"
	"transfer-hub/internal/observability"
	"transfer-hub/internal/resume"
	"transfer-hub/internal/server"
	"transfer-hub/internal/session"
	"transfer-hub/internal/task"
	"transfer-hub/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("transfer-hub", logging.Config{}).Fatal().Err(err).Msg("invalid config")
	}
	logger := logging.New("transfer-hub", cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	// Create cache dir if not exists
	if err := os.MkdirAll(cfg.Server.CacheDir, 0755); err != nil {
		return err
	}
	paths, err := cache.New(cfg.Server.CacheDir, cfg.Server.TempDir)
	if err != nil {
		return err
	}

	db, err := database.Init(cfg.Server.CacheDir) // Store DB in cache dir
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := openResumeStore(cfg, paths)
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	defaults, err := cfg.DefaultProgress()
	if err != nil {
		return err
	}
	observability.RegisterMetrics()
	recorder := server.NewRecorder()
	manager, err := task.NewManager(tr, db, task.ManagerOptions{
		Paths:           paths,
		Store:           store,
		Listener:        recorder,
		Logger:          logger.With().Str("component", "task").Logger(),
		DefaultProgress: defaults,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	reconcileCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	reaped, err := manager.ReconcileOnStartup(reconcileCtx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation failed")
	} else {
		logger.Info().Int("reaped", reaped).Msg("startup reconciliation done")
	}

	srv, err := server.New(server.Options{
		Addr:     cfg.Server.Addr,
		Manager:  manager,
		Recorder: recorder,
		Paths:    paths,
		Header:   cfg.Header(),
		Logger:   logger.With().Str("component", "api").Logger(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api shutdown")
		}
	}()
	return srv.Start()
}

func openResumeStore(cfg config.Config, paths *cache.Paths) (*resume.Store, error) {
	if cfg.Server.ResumeURL == "" {
		return resume.OpenDir(filepath.Join(paths.Root(), "resume-data"))
	}
	return resume.Open(context.Background(), cfg.Server.ResumeURL)
}

func newTransport(cfg config.Config, logger zerolog.Logger) (transport.Transport, error) {
	timeout, err := cfg.TransportTimeout()
	if err != nil {
		return nil, err
	}
	switch cfg.Transport.Kind {
	case config.TransportAria2:
		poll, err := cfg.PollInterval()
		if err != nil {
			return nil, err
		}
		client := downloader.NewClient(cfg.Aria2.RPCUrl, cfg.Aria2.Secret)
		return downloader.NewTransport(client, downloader.TransportOptions{
			PollInterval: poll,
			Timeout:      timeout,
			Logger:       logger.With().Str("component", "aria2").Logger(),
		}), nil
	default:
		return session.New(session.Options{
			Timeout:             timeout,
			MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
			Header:              cfg.Header(),
			Logger:              logger.With().Str("component", "session").Logger(),
		}), nil
	}
}
