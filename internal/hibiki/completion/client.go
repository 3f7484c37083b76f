// Package completion talks to an OpenAI-compatible chat completions API, either
// as one blocking call or as an incremental token stream, under a single
// timeout.
package completion

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/bdobrica/Hibiki/common/version"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultTimeout     = 15 * time.Second
)

// Config configures the completion client.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint (Azure OpenAI, Ollama, any
	// OpenAI-compatible gateway). Defaults to https://api.openai.com/v1.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini.
	Model string

	// Temperature is the sampling temperature. Zero leaves it to the API.
	Temperature float64

	// MaxTokens caps the reply length. Zero leaves it to the API.
	MaxTokens int

	// Timeout bounds a whole call: request issuance to final byte, for both
	// batch and streaming mode. Defaults to 15 s.
	Timeout time.Duration

	// HTTPClient is optional; tests inject one pointed at httptest servers.
	HTTPClient *http.Client
}

// Request is one completion call: the system instruction followed by the
// conversation history, oldest first.
type Request struct {
	SystemPrompt string
	History      []memory.Turn
}

// Client is safe for concurrent use.
type Client struct {
	cfg Config
	api openai.Client
}

// New returns a Client for cfg. The underlying SDK client is configured
// without automatic retries.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client-level timeout: the per-call context owns the deadline so
		// long streams are not cut by a transport default.
		httpClient = &http.Client{}
	}

	api := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
		option.WithHeader("User-Agent", version.UserAgent()),
	)
	return &Client{cfg: cfg, api: api}
}

// Model reports the configured model identifier.
func (c *Client) Model() string { return c.cfg.Model }

// Timeout reports the per-call timeout.
func (c *Client) Timeout() time.Duration { return c.cfg.Timeout }

// Complete performs one blocking completion and returns the reply text.
//
// Failures are *Error values: errors.Is(err, ErrTimeout) when the timeout
// elapsed, errors.Is(err, ErrCompletion) otherwise.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	params, err := c.params(req)
	if err != nil {
		return "", &Error{Kind: KindCompletion, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.Chat.Completions.New(callCtx, params)
	if err != nil {
		return "", classify(callCtx, err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindCompletion, Err: fmt.Errorf("no choices returned")}
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &Error{Kind: KindCompletion, Err: errEmptyReply}
	}
	return content, nil
}

// Stream performs a streaming completion. onFragment is called synchronously
// for every non-empty fragment, in arrival order; the next fragment is not
// read until it returns. A non-nil error from onFragment aborts the stream.
//
// The timeout covers the whole stream, and the stream only succeeds once a
// chunk carries a finish reason. On success the concatenation of all
// fragments is returned. On failure the partial text received so far is
// returned alongside the *Error.
func (c *Client) Stream(ctx context.Context, req Request, onFragment func(fragment string) error) (string, error) {
	params, err := c.params(req)
	if err != nil {
		return "", &Error{Kind: KindCompletion, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stream := c.api.Chat.Completions.NewStreaming(callCtx, params)
	defer stream.Close()

	var (
		buf      strings.Builder
		finished bool
	)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != "" {
			finished = true
		}
		fragment := chunk.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}
		buf.WriteString(fragment)
		if onFragment != nil {
			if err := onFragment(fragment); err != nil {
				return buf.String(), &Error{Kind: KindCompletion, Err: fmt.Errorf("fragment handler: %w", err)}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return buf.String(), classify(callCtx, err)
	}
	if err := callCtx.Err(); err != nil {
		return buf.String(), classify(callCtx, err)
	}
	if strings.TrimSpace(buf.String()) == "" {
		return "", &Error{Kind: KindCompletion, Err: errEmptyReply}
	}
	// A connection closed before the finish chunk is a cut-off reply.
	if !finished {
		return buf.String(), &Error{Kind: KindCompletion, Err: errTruncated}
	}
	return buf.String(), nil
}

func (c *Client) params(req Request) (openai.ChatCompletionNewParams, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	turns := req.History
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		turns = append([]memory.Turn{memory.SystemTurn(s)}, turns...)
	}
	for _, turn := range turns {
		msg, err := toMessageParam(turn)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("messages are required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: messages,
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	return params, nil
}

func toMessageParam(turn memory.Turn) (openai.ChatCompletionMessageParamUnion, error) {
	switch turn.Role {
	case memory.RoleSystem:
		return openai.SystemMessage(turn.Content), nil
	case memory.RoleUser:
		return openai.UserMessage(turn.Content), nil
	case memory.RoleAssistant:
		return openai.AssistantMessage(turn.Content), nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported role: %q", turn.Role)
	}
}
