package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/docport/gateway/pkg/authclient"
	"github.com/docport/gateway/pkg/config"
	"github.com/docport/gateway/pkg/forward"
	"github.com/docport/gateway/pkg/gateway"
	"github.com/docport/gateway/pkg/nonce"
	"github.com/docport/gateway/pkg/prettylog"
	"github.com/docport/gateway/pkg/session"
)

func main() {
	if os.Getenv("PRETTY_LOGS") != "false" {
		logger := slog.New(prettylog.NewHandler(slog.LevelDebug))
		slog.SetDefault(logger)
	}

	if err := config.LoadEnv(config.GetEnv("DOCPORT_ENV_FILE", ".env")); err != nil {
		slog.Debug("No env file loaded", "error", err)
	}

	configPath := config.GetEnv("DOCPORT_CONFIG_PATH", "config/gateway.yaml")
	slog.Info("Loading gateway config", "config_path", configPath)
	cfg, err := config.LoadConfigFile(configPath)
	if err != nil {
		log.Fatal(err)
	}

	store, err := newStore(cfg)
	if err != nil {
		log.Fatal(err)
	}

	var sessions *session.Manager
	client := authclient.NewClient(
		cfg.APIBaseURL+cfg.APIVersionPath,
		authclient.WithUnauthorizedFunc(func() {
			if sessions != nil {
				sessions.NotifyUnauthorized()
			}
		}),
	)
	sessions = session.NewManager(client, store,
		session.WithCheckInterval(cfg.Session.CheckInterval.Std()),
		session.WithGracePeriod(cfg.Session.GracePeriod.Std()),
	)

	backendFwd, err := forward.NewBackendForwarder(cfg.APIBaseURL, cfg.APIVersionPath, cfg.HealthPrefixes)
	if err != nil {
		log.Fatal(err)
	}
	ingestFwd, err := forward.NewSingleHostForwarder(cfg.IngestBaseURL)
	if err != nil {
		log.Fatal(err)
	}
	nonces, err := nonce.NewService()
	if err != nil {
		log.Fatal(err)
	}
	chat, err := gateway.NewChatRelay(cfg.AIBaseURL, sessions)
	if err != nil {
		log.Fatal(err)
	}

	api := gateway.New(gateway.Options{
		Sessions:    sessions,
		Backend:     backendFwd,
		Ingest:      ingestFwd,
		Nonces:      nonces,
		Chat:        chat,
		LoginPath:   cfg.LoginPath,
		LandingPath: cfg.LandingPath,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions.Restore(ctx)
	if token := sessions.AccessToken(); token != "" {
		if diag, err := authclient.DiagnoseToken(token); err != nil {
			slog.Warn("Restored access token does not parse as a JWT", "error", err)
		} else {
			slog.Debug("Restored access token", "subject", diag.Subject, "expires_at", diag.Expiration)
		}
	}
	go sessions.Watch(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger(), middleware.Recover())
	api.MountRoutes(e)

	go func() {
		slog.Info("Starting gateway", "address", cfg.Address)
		if err := e.Start(cfg.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down gateway")
	if err := e.Shutdown(context.Background()); err != nil {
		slog.Error("Failed to shut down cleanly", "error", err)
	}
}

func newStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Store {
	case config.SessionStoreFile:
		return session.NewFileStore(cfg.Session.FilePath), nil
	case config.SessionStoreRedis:
		return session.NewRedisStoreURL(cfg.Session.RedisURL, "")
	default:
		return session.NewMemoryStore(), nil
	}
}
