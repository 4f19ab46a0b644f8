// Command server runs the development backend: auth, sessions and the
// session websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pliu/expertly/internal/auth"
	"github.com/pliu/expertly/internal/config"
	"github.com/pliu/expertly/internal/logger"
	"github.com/pliu/expertly/internal/server"
	"github.com/pliu/expertly/internal/store/sqlstore"
	"github.com/pliu/expertly/internal/ws"
)

var (
	envFile   = flag.String("env", ".env", "dotenv file to load")
	logFormat = flag.String("log-format", "text", "log format: text or json")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	logger.Init(os.Stdout, cfg.LogLevel, *logFormat)
	if cfg.DevSecret() {
		slog.Warn("Using the built-in token secret; set EXPERTLY_TOKEN_SECRET outside development")
	}

	store, err := sqlstore.New(cfg.DBDriver, cfg.DBSource)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub(store, slog.Default())
	go hub.Run(ctx)

	secret := []byte(cfg.TokenSecret)
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: server.NewRouter(server.Deps{
			Store:         store,
			Hub:           hub,
			Tokens:        auth.NewTokens(secret, cfg.AccessTTL),
			Signer:        auth.NewSigner(secret),
			RefreshTTL:    cfg.RefreshTTL,
			SecureCookies: cfg.CookieSecure,

			MinPasswordEntropy: cfg.MinPasswordEntropy,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", cfg.Addr, "db", cfg.DBDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
