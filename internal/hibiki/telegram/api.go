// Package telegram is Hibiki's Telegram Bot API adapter: a small HTTP client
// for the handful of methods the bot needs, a relay.Messenger on top of it,
// and the webhook handler that turns updates into dispatch.Updates.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Hibiki/common/redact"
	"github.com/bdobrica/Hibiki/common/version"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// MaxMessageChars is Telegram's limit on message text length.
const MaxMessageChars = 4096

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// NotModified reports whether the error is Telegram refusing an edit that
// would not change the message.
func (e *APIError) NotModified() bool {
	return e.Code == http.StatusBadRequest && strings.Contains(e.Description, "message is not modified")
}

// BadMarkup reports whether Telegram failed to parse the message entities.
func (e *APIError) BadMarkup() bool {
	return e.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Description), "can't parse entities")
}

// Config configures a Client.
type Config struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Client calls the Bot API. Every error it returns has the bot token
// scrubbed, since the token is part of the request URL.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	redact  *redact.Redactor
}

// NewClient creates a Bot API client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   cfg.Token,
		redact:  redact.New(cfg.Token),
	}
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName returns the best human-readable name for u.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	first := strings.TrimSpace(u.FirstName)
	last := strings.TrimSpace(u.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case u.Username != "":
		return "@" + u.Username
	default:
		return ""
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type editMessageTextRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type setWebhookRequest struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// SetWebhook points Telegram at url. secret, when set, is echoed back by
// Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	req := setWebhookRequest{URL: url, SecretToken: secret, AllowedUpdates: []string{"message"}}
	return c.call(ctx, "setWebhook", req, nil)
}

// SendMessage sends text, trying Markdown first and falling back to plain
// text when Telegram rejects the markup. It returns the new message ID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	text = Truncate(text, MaxMessageChars)
	var sent sentMessage
	err := c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text, ParseMode: "Markdown", DisableWebPagePreview: true}, &sent)
	if isBadMarkup(err) {
		err = c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text, DisableWebPagePreview: true}, &sent)
	}
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditMessageText replaces the text of a message the bot sent. An edit that
// would not change the message is treated as success.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	text = Truncate(text, MaxMessageChars)
	err := c.call(ctx, "editMessageText", editMessageTextRequest{ChatID: chatID, MessageID: messageID, Text: text, ParseMode: "Markdown"}, nil)
	if isBadMarkup(err) {
		err = c.call(ctx, "editMessageText", editMessageTextRequest{ChatID: chatID, MessageID: messageID, Text: text}, nil)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.NotModified() {
		return nil
	}
	return err
}

func isBadMarkup(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.BadMarkup()
}

func (c *Client) call(ctx context.Context, method string, body, out any) error {
	var payload io.Reader
	httpMethod := http.MethodGet
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telegram %s: encode request: %w", method, err)
		}
		payload = bytes.NewReader(b)
		httpMethod = http.MethodPost
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, httpMethod, url, payload)
	if err != nil {
		return fmt.Errorf("telegram %s: %s", method, c.redact.Err(err))
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %s", method, c.redact.Err(err))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var r apiResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("telegram %s: http %d: %s", method, resp.StatusCode, c.redact.String(strings.TrimSpace(string(raw))))
	}
	if !r.OK {
		code := r.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: r.Description}
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// Truncate cuts s to at most max characters, marking the cut with "…".
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
