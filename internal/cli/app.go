package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/pliu/expertly/internal/api"
	"github.com/pliu/expertly/internal/config"
	"github.com/pliu/expertly/internal/credentials"
	"github.com/pliu/expertly/internal/logger"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/navigation"
)

var errNoCredentials = errors.New("no credentials: pass --email and --password or set EXPERTLY_EMAIL and EXPERTLY_PASSWORD")

// app is the client side of one command run: a backend client, the
// credential layer on top of it and the navigation it drives.
type app struct {
	cfg     *config.Client
	client  *api.Client
	auth    *credentials.Authenticator
	nav     *navigation.Router
	logger  *slog.Logger
	logSink io.Closer
}

func newApp() (*app, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.APIURL = strings.TrimRight(apiURL, "/")
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	var w io.Writer = os.Stderr
	var sink io.Closer
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, sink = f, f
	}

	a, err := buildApp(cfg, logger.Init(w, cfg.LogLevel, "text"))
	if err != nil {
		if sink != nil {
			sink.Close()
		}
		return nil, err
	}
	a.logSink = sink
	return a, nil
}

func buildApp(cfg *config.Client, l *slog.Logger) (*app, error) {
	client, err := api.New(cfg.APIURL)
	if err != nil {
		return nil, err
	}
	nav := navigation.NewRouter(navigation.PathLogin)
	auth := credentials.New(client, credentials.NewStore(), nav,
		credentials.WithLogger(l),
		credentials.WithRefreshTimeout(cfg.RefreshTimeout),
	)
	return &app{cfg: cfg, client: client, auth: auth, nav: nav, logger: l}, nil
}

func (a *app) Close() {
	if a.logSink != nil {
		a.logSink.Close()
	}
}

// signIn logs in with the backend and completes the login flow.
func (a *app) signIn(ctx context.Context, email, password string) (*models.Principal, error) {
	if _, err := a.client.Login(ctx, email, password); err != nil {
		return nil, err
	}
	a.nav.Navigate(navigation.PathAuthSuccess, "")
	return a.auth.CompleteLogin(ctx)
}

// login signs in with the configured credentials, prompting for missing ones
// when stdin is a terminal.
func (a *app) login(ctx context.Context) (*models.Principal, error) {
	e, p := resolveCredentials(email, password)
	if e == "" || p == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			return nil, errNoCredentials
		}
		if err := promptCredentials(&e, &p); err != nil {
			return nil, err
		}
	}
	return a.signIn(ctx, e, p)
}

// resolveCredentials applies flag over environment precedence.
func resolveCredentials(flagEmail, flagPassword string) (string, string) {
	e, p := flagEmail, flagPassword
	if e == "" {
		e = os.Getenv("EXPERTLY_EMAIL")
	}
	if p == "" {
		p = os.Getenv("EXPERTLY_PASSWORD")
	}
	return strings.TrimSpace(e), p
}

func promptCredentials(email, password *string) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Email").
				Value(email).
				Validate(required("email")),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(password).
				Validate(required("password")),
		),
	).Run()
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

// withApp builds an app, signs in unless anonymous and runs fn.
func withApp(anonymous bool, fn func(ctx context.Context, a *app, p *models.Principal) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var p *models.Principal
	if !anonymous {
		if p, err = a.login(ctx); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
	}
	return fn(ctx, a, p)
}
