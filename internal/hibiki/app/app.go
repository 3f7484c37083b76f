// Package app wires Hibiki together: configuration, the conversation store,
// the rate limiter, the completion client, the relay, the dispatcher and
// the selected chat platform, plus the HTTP server that carries /health,
// /status and the Telegram webhook.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Hibiki/common/redact"
	"github.com/bdobrica/Hibiki/common/retry"
	"github.com/bdobrica/Hibiki/internal/hibiki/completion"
	"github.com/bdobrica/Hibiki/internal/hibiki/config"
	"github.com/bdobrica/Hibiki/internal/hibiki/dispatch"
	"github.com/bdobrica/Hibiki/internal/hibiki/matrix"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/ratelimit"
	"github.com/bdobrica/Hibiki/internal/hibiki/relay"
	"github.com/bdobrica/Hibiki/internal/hibiki/telegram"
)

// startupRetry bounds the Bot API calls made before the bot can serve.
var startupRetry = retry.Config{
	MaxAttempts:  5,
	InitialDelay: time.Second,
	MaxDelay:     15 * time.Second,
}

// App is the Hibiki application.
type App struct {
	cfg      *config.Config
	redactor *redact.Redactor

	store      *memory.Store
	limiter    *ratelimit.Limiter
	completer  *completion.Client
	relay      *relay.Relay
	dispatcher *dispatch.Dispatcher
	http       *HealthServer

	telegram *telegram.Client
	webhook  *telegram.Webhook
	matrix   *matrix.Client
}

// New creates the application. It performs no network I/O.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		cfg:      cfg,
		redactor: redact.New(cfg.Secrets()...),
		store:    memory.NewStore(cfg.MaxMemory),
		limiter:  ratelimit.New(cfg.RateLimit, cfg.RateWindow),
		completer: completion.New(completion.Config{
			APIKey:      cfg.Completion.APIKey,
			BaseURL:     cfg.Completion.BaseURL,
			Model:       cfg.Completion.Model,
			Temperature: cfg.Completion.Temperature,
			MaxTokens:   cfg.Completion.MaxTokens,
			Timeout:     cfg.Completion.Timeout,
		}),
	}

	var messenger relay.Messenger
	switch cfg.Platform {
	case config.PlatformTelegram:
		a.telegram = telegram.NewClient(telegram.Config{
			Token:   cfg.Telegram.Token,
			BaseURL: cfg.Telegram.APIURL,
		})
		messenger = telegram.NewMessenger(a.telegram)
	case config.PlatformMatrix:
		client, err := matrix.New(matrix.Config{
			Homeserver:     cfg.Matrix.Homeserver,
			UserID:         cfg.Matrix.UserID,
			AccessToken:    cfg.Matrix.AccessToken,
			MaxConcurrency: cfg.MaxConcurrency,
		})
		if err != nil {
			return nil, err
		}
		a.matrix = client
		messenger = client
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform)
	}

	a.relay = relay.New(messenger, a.store, a.limiter, a.completer, relay.Config{
		SystemPrompt: cfg.SystemPrompt,
		Mode:         cfg.RelayMode(),
		Throttle:     cfg.Throttle,
	})
	a.dispatcher = dispatch.New(a.relay, messenger)

	if cfg.Port != "" {
		a.http = NewHealthServer(net.JoinHostPort("", cfg.Port), a)
	}
	return a, nil
}

// Run starts the platform transport and blocks until ctx is cancelled or the
// process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting Hibiki",
		"platform", a.Platform(), "mode", a.Mode(), "model", a.Model(),
		"max_memory", a.store.MaxTurns(), "rate_limit", a.limiter.Limit(), "rate_window", a.limiter.Window())

	switch a.cfg.Platform {
	case config.PlatformTelegram:
		if err := a.startTelegram(ctx); err != nil {
			return err
		}
	case config.PlatformMatrix:
		if err := a.startMatrix(ctx); err != nil {
			return err
		}
	}

	slog.Info("Hibiki is running; press Ctrl+C to stop")
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func (a *App) startTelegram(ctx context.Context) error {
	a.webhook = telegram.NewWebhook(ctx, a.dispatcher, telegram.WebhookConfig{
		Secret:         a.cfg.Telegram.WebhookSecret,
		MaxConcurrency: a.cfg.MaxConcurrency,
	})
	if a.http == nil {
		return errors.New("telegram webhook needs PORT")
	}
	a.http.Handle(a.cfg.WebhookPath(), a.webhook)
	if err := a.http.Start(ctx); err != nil {
		return err
	}

	var me *telegram.User
	err := retry.Do(ctx, startupRetry, func() error {
		var err error
		me, err = a.telegram.GetMe(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("telegram getMe: %s", a.redactor.Err(err))
	}
	a.webhook.SetBot(*me)
	a.dispatcher.SetBotNames(me.Username)
	slog.Info("telegram: authenticated", "bot", "@"+me.Username, "id", me.ID)

	err = retry.Do(ctx, startupRetry, func() error {
		return a.telegram.SetWebhook(ctx, a.cfg.Telegram.WebhookURL, a.cfg.Telegram.WebhookSecret)
	})
	if err != nil {
		return fmt.Errorf("telegram setWebhook: %s", a.redactor.Err(err))
	}
	slog.Info("telegram: webhook registered", "path", a.cfg.WebhookPath(), "secret", a.cfg.Telegram.WebhookSecret != "")
	return nil
}

func (a *App) startMatrix(ctx context.Context) error {
	if a.http != nil {
		if err := a.http.Start(ctx); err != nil {
			slog.Warn("http server failed to start; continuing without it", "err", err)
		}
	}
	if err := a.matrix.Start(ctx, a.dispatcher); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}
	a.dispatcher.SetBotNames(a.matrix.Identity().Names()...)
	slog.Info("matrix: syncing", "user_id", a.matrix.UserID())
	return nil
}

// Stop shuts the HTTP server down and waits for in-flight updates.
func (a *App) Stop() {
	if a.http != nil {
		slog.Info("stopping http server")
		a.http.Stop()
	}
	if a.webhook != nil {
		a.webhook.Wait()
	}
	if a.matrix != nil {
		slog.Info("stopping Matrix client")
		a.matrix.Stop()
	}
}

// Addr returns the HTTP listen address, or "" before Run has started it.
func (a *App) Addr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

func (a *App) Platform() string  { return string(a.cfg.Platform) }
func (a *App) Mode() string      { return a.relay.Mode().String() }
func (a *App) Model() string     { return a.completer.Model() }
func (a *App) TrackedChats() int { return a.store.Chats() }
func (a *App) TrackedUsers() int { return a.limiter.Users() }
