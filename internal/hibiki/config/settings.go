package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed settings.schema.json
var settingsSchemaJSON string

var settingsSchema = jsonschema.MustCompileString("settings.schema.json", settingsSchemaJSON)

// Settings is the optional YAML settings file. It holds tunables only;
// credentials are read from the environment. Unset fields keep their
// defaults.
type Settings struct {
	Platform       string  `yaml:"platform"`
	SystemPrompt   *string `yaml:"system_prompt"`
	Streaming      *bool   `yaml:"streaming"`
	MaxMemory      int     `yaml:"max_memory"`
	MaxConcurrency int     `yaml:"max_concurrency"`

	Completion struct {
		BaseURL     string   `yaml:"base_url"`
		Model       string   `yaml:"model"`
		Temperature *float64 `yaml:"temperature"`
		MaxTokens   int      `yaml:"max_tokens"`
		Timeout     string   `yaml:"timeout"`
	} `yaml:"completion"`

	RateLimit struct {
		Limit  int    `yaml:"limit"`
		Window string `yaml:"window"`
	} `yaml:"rate_limit"`

	Edit struct {
		MinChars    *int   `yaml:"min_chars"`
		StepChars   int    `yaml:"step_chars"`
		MinInterval string `yaml:"min_interval"`
	} `yaml:"edit"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
}

// LoadSettings reads, validates and parses a YAML settings file.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings validates data against the settings schema and decodes it.
func ParseSettings(data []byte) (*Settings, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings yaml: %w", err)
	}
	if doc == nil {
		return &Settings{}, nil
	}

	// The validator works on JSON-decoded values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(raw, &jsonDoc); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	if err := settingsSchema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings yaml: %w", err)
	}
	return &s, nil
}

// apply overlays the settings onto cfg.
func (s *Settings) apply(cfg *Config) error {
	if s.Platform != "" {
		cfg.Platform = Platform(s.Platform)
	}
	if s.SystemPrompt != nil {
		cfg.SystemPrompt = *s.SystemPrompt
	}
	if s.Streaming != nil {
		cfg.Streaming = *s.Streaming
	}
	if s.MaxMemory > 0 {
		cfg.MaxMemory = s.MaxMemory
	}
	if s.MaxConcurrency > 0 {
		cfg.MaxConcurrency = s.MaxConcurrency
	}

	if s.Completion.BaseURL != "" {
		cfg.Completion.BaseURL = s.Completion.BaseURL
	}
	if s.Completion.Model != "" {
		cfg.Completion.Model = s.Completion.Model
	}
	if s.Completion.Temperature != nil {
		cfg.Completion.Temperature = *s.Completion.Temperature
	}
	if s.Completion.MaxTokens > 0 {
		cfg.Completion.MaxTokens = s.Completion.MaxTokens
	}
	if err := setDuration(&cfg.Completion.Timeout, "completion.timeout", s.Completion.Timeout); err != nil {
		return err
	}

	if s.RateLimit.Limit > 0 {
		cfg.RateLimit = s.RateLimit.Limit
	}
	if err := setDuration(&cfg.RateWindow, "rate_limit.window", s.RateLimit.Window); err != nil {
		return err
	}

	if s.Edit.MinChars != nil {
		cfg.Throttle.MinChars = *s.Edit.MinChars
	}
	if s.Edit.StepChars > 0 {
		cfg.Throttle.StepChars = s.Edit.StepChars
	}
	if err := setDuration(&cfg.Throttle.MinInterval, "edit.min_interval", s.Edit.MinInterval); err != nil {
		return err
	}

	if s.Log.Level != "" {
		cfg.Log.Level = s.Log.Level
	}
	if s.Log.Format != "" {
		cfg.Log.Format = s.Log.Format
	}
	if s.Log.File != "" {
		cfg.Log.File = s.Log.File
	}
	return nil
}

func setDuration(dst *time.Duration, name, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", name, value)
	}
	*dst = d
	return nil
}
