// Package config assembles Hibiki's runtime configuration from defaults, an
// optional YAML settings file and the environment, in that order of
// precedence. Missing or malformed values are reported together as a single
// *Error so an operator can fix a deployment in one pass.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Hibiki/common/environment"
	"github.com/bdobrica/Hibiki/internal/hibiki/completion"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/relay"
)

// Platform selects the chat transport.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformMatrix   Platform = "matrix"
)

// DefaultSystemPrompt is used when SYSTEM_PROMPT is not set.
const DefaultSystemPrompt = "You are Hibiki, a helpful assistant in a chat app. Answer concisely and use simple Markdown."

const (
	defaultRateLimit      = 3
	defaultRateWindow     = 30 * time.Second
	defaultMaxConcurrency = 16
)

// Telegram holds the Telegram transport settings.
type Telegram struct {
	Token         string
	WebhookURL    string
	WebhookSecret string
	// APIURL points at a self-hosted Bot API server instead of the public one.
	APIURL string
}

// Matrix holds the Matrix transport settings.
type Matrix struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Completion holds the completion API settings.
type Completion struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Log holds logging settings.
type Log struct {
	Level  string
	Format string
	File   string
}

// Config is the complete runtime configuration.
type Config struct {
	Platform Platform
	Telegram Telegram
	Matrix   Matrix
	// Port is the HTTP listen port; empty disables the HTTP server.
	Port string

	Completion   Completion
	SystemPrompt string
	Streaming    bool

	MaxMemory      int
	RateLimit      int
	RateWindow     time.Duration
	Throttle       relay.Throttle
	MaxConcurrency int

	Log          Log
	SettingsFile string
}

// Error lists every missing or invalid configuration value.
type Error struct {
	Missing []string
	Invalid []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required variables: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid values: "+strings.Join(e.Invalid, "; "))
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

func (e *Error) empty() bool { return len(e.Missing) == 0 && len(e.Invalid) == 0 }

func (e *Error) invalid(err error) {
	if err != nil {
		e.Invalid = append(e.Invalid, err.Error())
	}
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Platform: PlatformTelegram,
		Completion: Completion{
			BaseURL:     completion.DefaultBaseURL,
			Model:       completion.DefaultModel,
			Temperature: completion.DefaultTemperature,
			Timeout:     completion.DefaultTimeout,
		},
		SystemPrompt:   DefaultSystemPrompt,
		Streaming:      true,
		MaxMemory:      memory.DefaultMaxTurns,
		RateLimit:      defaultRateLimit,
		RateWindow:     defaultRateWindow,
		Throttle:       relay.DefaultThrottle(),
		MaxConcurrency: defaultMaxConcurrency,
		Log:            Log{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. A *Error is returned when required values
// are missing or any value is malformed.
func Load() (*Config, error) {
	cfg := Defaults()
	cerr := &Error{}

	cfg.SettingsFile = environment.StringOr("HIBIKI_SETTINGS", "")
	if cfg.SettingsFile != "" {
		s, err := LoadSettings(cfg.SettingsFile)
		if err != nil {
			cerr.invalid(fmt.Errorf("HIBIKI_SETTINGS: %w", err))
		} else {
			cerr.invalid(s.apply(cfg))
		}
	}

	cfg.Platform = Platform(strings.ToLower(environment.StringOr("HIBIKI_PLATFORM", string(cfg.Platform))))
	cfg.Port = environment.StringOr("PORT", "")

	cfg.Telegram = Telegram{
		Token:         environment.StringOr("TELEGRAM_BOT_TOKEN", ""),
		WebhookURL:    environment.StringOr("WEBHOOK_URL", ""),
		WebhookSecret: environment.StringOr("TELEGRAM_WEBHOOK_SECRET", ""),
		APIURL:        environment.StringOr("TELEGRAM_API_URL", ""),
	}
	cfg.Matrix = Matrix{
		Homeserver:  environment.StringOr("MATRIX_HOMESERVER", ""),
		UserID:      environment.StringOr("MATRIX_USER_ID", ""),
		AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
	}

	cfg.Completion.APIKey = environment.StringOr("OPENAI_API_KEY", "")
	cfg.Completion.BaseURL = environment.StringOr("OPENAI_BASE_URL", cfg.Completion.BaseURL)
	cfg.Completion.Model = environment.StringOr("OPENAI_MODEL", cfg.Completion.Model)
	cfg.SystemPrompt = environment.StringOr("SYSTEM_PROMPT", cfg.SystemPrompt)

	var err error
	cfg.Completion.Temperature, err = environment.Float("OPENAI_TEMPERATURE", cfg.Completion.Temperature)
	cerr.invalid(err)
	cfg.Completion.MaxTokens, err = environment.Int("OPENAI_MAX_TOKENS", cfg.Completion.MaxTokens)
	cerr.invalid(err)
	cfg.Completion.Timeout, err = environment.Duration("COMPLETION_TIMEOUT", cfg.Completion.Timeout)
	cerr.invalid(err)
	cfg.Streaming, err = environment.Bool("STREAMING", cfg.Streaming)
	cerr.invalid(err)
	cfg.MaxMemory, err = environment.Int("MAX_MEMORY", cfg.MaxMemory)
	cerr.invalid(err)
	cfg.RateLimit, err = environment.Int("RATE_LIMIT", cfg.RateLimit)
	cerr.invalid(err)
	cfg.RateWindow, err = environment.Duration("RATE_WINDOW", cfg.RateWindow)
	cerr.invalid(err)
	cfg.Throttle.MinChars, err = environment.Int("EDIT_MIN_CHARS", cfg.Throttle.MinChars)
	cerr.invalid(err)
	cfg.Throttle.StepChars, err = environment.Int("EDIT_STEP_CHARS", cfg.Throttle.StepChars)
	cerr.invalid(err)
	cfg.Throttle.MinInterval, err = environment.Duration("EDIT_MIN_INTERVAL", cfg.Throttle.MinInterval)
	cerr.invalid(err)
	cfg.MaxConcurrency, err = environment.Int("MAX_CONCURRENCY", cfg.MaxConcurrency)
	cerr.invalid(err)

	cfg.Log.Level = environment.StringOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = environment.StringOr("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = environment.StringOr("LOG_FILE", cfg.Log.File)

	cfg.validate(cerr)
	if !cerr.empty() {
		return nil, cerr
	}
	return cfg, nil
}

func (c *Config) validate(cerr *Error) {
	required := []string{"OPENAI_API_KEY"}
	switch c.Platform {
	case PlatformTelegram:
		required = append(required, "TELEGRAM_BOT_TOKEN", "WEBHOOK_URL", "PORT")
	case PlatformMatrix:
		required = append(required, "MATRIX_HOMESERVER", "MATRIX_USER_ID", "MATRIX_ACCESS_TOKEN")
	default:
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("HIBIKI_PLATFORM: unknown platform %q (want telegram or matrix)", c.Platform))
	}
	cerr.Missing = append(cerr.Missing, environment.Missing(required...)...)

	if c.Port != "" {
		if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("PORT: invalid port %q", c.Port))
		}
	}
	if c.Platform == PlatformTelegram && c.Telegram.WebhookURL != "" {
		if u, err := url.Parse(c.Telegram.WebhookURL); err != nil || u.Scheme != "https" || u.Host == "" {
			cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("WEBHOOK_URL: must be an absolute https URL, got %q", c.Telegram.WebhookURL))
		}
	}
	if c.Completion.Timeout <= 0 {
		cerr.Invalid = append(cerr.Invalid, "COMPLETION_TIMEOUT: must be positive")
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		cerr.Invalid = append(cerr.Invalid, "OPENAI_TEMPERATURE: must be between 0 and 2")
	}
	if c.Completion.MaxTokens < 0 {
		cerr.Invalid = append(cerr.Invalid, "OPENAI_MAX_TOKENS: must not be negative")
	}
	if c.MaxMemory < 1 {
		cerr.Invalid = append(cerr.Invalid, "MAX_MEMORY: must be at least 1")
	}
	if c.RateLimit < 1 {
		cerr.Invalid = append(cerr.Invalid, "RATE_LIMIT: must be at least 1")
	}
	if c.RateWindow <= 0 {
		cerr.Invalid = append(cerr.Invalid, "RATE_WINDOW: must be positive")
	}
	if c.Throttle.MinChars < 0 || c.Throttle.StepChars < 1 || c.Throttle.MinInterval < 0 {
		cerr.Invalid = append(cerr.Invalid, "EDIT_MIN_CHARS, EDIT_STEP_CHARS, EDIT_MIN_INTERVAL: need min_chars >= 0, step_chars >= 1, min_interval >= 0")
	}
	if c.MaxConcurrency < 1 {
		cerr.Invalid = append(cerr.Invalid, "MAX_CONCURRENCY: must be at least 1")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("LOG_FORMAT: unknown format %q (want text or json)", c.Log.Format))
	}
}

// WebhookPath returns the path component of the Telegram webhook URL, which
// is where the HTTP server mounts the update handler.
func (c *Config) WebhookPath() string {
	u, err := url.Parse(c.Telegram.WebhookURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// RelayMode maps Streaming to a relay.Mode.
func (c *Config) RelayMode() relay.Mode {
	if c.Streaming {
		return relay.ModeStream
	}
	return relay.ModeBatch
}

// Secrets returns the credentials that must never appear in logs.
func (c *Config) Secrets() []string {
	return []string{c.Telegram.Token, c.Telegram.WebhookSecret, c.Matrix.AccessToken, c.Completion.APIKey}
}
