package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-dm/internal/api"
	"github.com/npezzotti/go-dm/internal/auth"
	"github.com/npezzotti/go-dm/internal/cache"
	"github.com/npezzotti/go-dm/internal/chat"
	"github.com/npezzotti/go-dm/internal/config"
	"github.com/npezzotti/go-dm/internal/database"
	"github.com/npezzotti/go-dm/internal/logging"
	"github.com/npezzotti/go-dm/internal/presence"
	"github.com/npezzotti/go-dm/internal/server"
	"github.com/npezzotti/go-dm/internal/stats"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	v, err := config.NewViper(fs)
	if err != nil {
		fatal(zerolog.New(os.Stderr), "config", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		fatal(zerolog.New(os.Stderr), "config", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fatal(zerolog.New(os.Stderr), "logger", err)
	}

	repo, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		fatal(logger, "db open", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	res, err := repo.Migrate()
	if err != nil {
		fatal(logger, "migrate", err)
	}
	logger.Info().Uint("version", res.Version).Bool("changed", res.Changed).Msg("database migrated")

	checks := map[string]api.HealthChecker{"database": repo}

	var userCache *cache.UserCache
	if cfg.RedisAddr != "" {
		rc := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rc.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, user cache disabled")
		} else {
			userCache = cache.NewUserCache(rc, cache.UserTTL)
			checks["redis"] = rc
			logger.Info().Str("addr", cfg.RedisAddr).Msg("user cache enabled")
		}
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	tracker := presence.NewTracker()

	svc := chat.NewService(repo, tracker, statsUpdater, logger)

	chatServer, err := server.NewChatServer(logger, svc, repo, tracker, statsUpdater, server.Options{
		SendRate:  cfg.SendRate,
		SendBurst: cfg.SendBurst,
	})
	if err != nil {
		fatal(logger, "new chat server", err)
	}
	svc.SetNotifier(chatServer)

	authn := auth.NewAuthenticator(cfg.SigningKey, cfg.TokenTTL, repo, userCache, logger)
	app := api.NewChatApp(mux, logger, chatServer, svc, authn, statsUpdater, checks, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	// websocket connections are hijacked and outlive the HTTP server
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

func fatal(logger zerolog.Logger, msg string, err error) {
	logger.Error().Err(err).Msg(msg)
	os.Exit(1)
}
