package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/pointqueue/internal/alert"
	"github.com/user/pointqueue/internal/auth"
	"github.com/user/pointqueue/internal/config"
	"github.com/user/pointqueue/internal/engine"
	"github.com/user/pointqueue/internal/server"
	"github.com/user/pointqueue/internal/storage"
	"github.com/user/pointqueue/internal/twitch"
	"github.com/user/pointqueue/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Try to initialize basic logger for error output
		logger.Init("info", "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	logger.Info().Msg("Starting channel point queue")

	db, err := storage.Open(cfg.Server.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()
	logger.Info().Str("path", cfg.Server.DBPath).Msg("Database initialized")

	queueStore := storage.NewQueueStore(db)
	dedupStore := storage.NewDedupStore(db)
	profileCache := storage.NewProfileCache(db)
	credStore := storage.NewCredentialStore(db)

	client := twitch.NewClient(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, cfg.Twitch.RedirectURL)
	if !client.Configured() {
		logger.Warn().Msg("twitch.client_id / twitch.client_secret are empty; login will be unavailable")
	}

	alerts := alert.New(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)

	authMgr := auth.NewManager(credStore, client, alerts)
	authMgr.Start()

	eng := engine.New(engine.Options{
		Queue:                   queueStore,
		Dedup:                   dedupStore,
		Cache:                   profileCache,
		Tokens:                  authMgr,
		Fetcher:                 client,
		ParticipationWindowSecs: cfg.Queue.ParticipationWindowSecs,
		UserCacheTTLSecs:        cfg.Twitch.UserCacheTTLSecs,
		ServeStaleOnError:       cfg.Twitch.ServeStaleOnError,
		TargetRewardIDs:         cfg.Twitch.TargetRewardIDs,
		CancelRewardID:          cfg.Twitch.CancelRewardID,
	})

	listener := twitch.NewListener(client, authMgr, credStore, eng, alerts, cfg.Twitch.TargetRewardIDs, cfg.Twitch.CancelRewardID)
	listener.Start()

	// Background: prune dedup markers past their retention.
	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			cutoff := time.Now().Unix() - cfg.Queue.ProcessedMessageTTLSecs
			if n, err := dedupStore.Prune(cutoff); err != nil {
				logger.Error().Err(err).Msg("Failed to prune processed messages")
			} else if n > 0 {
				logger.Info().Int64("deleted", n).Msg("Pruned processed messages")
			}
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	srv := server.New(eng, authMgr, credStore, client, cfg)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddress(),
		Handler: srv.Routes(),
	}

	go func() {
		logger.Info().Str("address", cfg.ServerAddress()).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener.Stop()
	authMgr.Stop()
	pruneCancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("Shutdown complete")
}
