package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/bdobrica/Hibiki/common/trace"
	"github.com/bdobrica/Hibiki/internal/hibiki/dispatch"
	"github.com/bdobrica/Hibiki/internal/hibiki/observability"
)

// SecretHeader carries the secret token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// DefaultMaxConcurrency bounds in-flight updates when none is configured.
const DefaultMaxConcurrency = 16

const maxUpdateBytes = 1 << 20

// Update is the subset of a Bot API update Hibiki reads.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of a Bot API message Hibiki reads.
type Message struct {
	MessageID int64    `json:"message_id"`
	Chat      *Chat    `json:"chat,omitempty"`
	From      *User    `json:"from,omitempty"`
	Entities  []Entity `json:"entities,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// Chat is a Telegram chat. Type is private, group, supergroup or channel.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// Entity marks a span of message text. Offsets are in UTF-16 code units.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	User   *User  `json:"user,omitempty"`
}

// Dispatcher consumes converted updates.
type Dispatcher interface {
	Dispatch(ctx context.Context, u dispatch.Update) error
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	// Secret, when set, must match the SecretHeader of every delivery.
	Secret string
	// MaxConcurrency bounds how many updates are dispatched at once.
	MaxConcurrency int
}

// Webhook receives Bot API updates over HTTP. It acknowledges each delivery
// immediately and dispatches it on its own goroutine, so a slow completion
// never makes Telegram redeliver.
type Webhook struct {
	ctx        context.Context
	dispatcher Dispatcher
	secret     string
	sem        chan struct{}
	wg         sync.WaitGroup

	mu  sync.RWMutex
	bot User
}

// NewWebhook creates a webhook handler. Dispatches run under ctx, which
// should be the process root context.
func NewWebhook(ctx context.Context, d Dispatcher, cfg WebhookConfig) *Webhook {
	n := cfg.MaxConcurrency
	if n <= 0 {
		n = DefaultMaxConcurrency
	}
	return &Webhook{
		ctx:        ctx,
		dispatcher: d,
		secret:     cfg.Secret,
		sem:        make(chan struct{}, n),
	}
}

// SetBot records the bot's own identity for mention detection.
func (w *Webhook) SetBot(u User) {
	w.mu.Lock()
	w.bot = u
	w.mu.Unlock()
}

func (w *Webhook) botUser() User {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.bot
}

// Wait blocks until every dispatched update has finished.
func (w *Webhook) Wait() { w.wg.Wait() }

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if w.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		http.Error(rw, "read error", http.StatusBadRequest)
		return
	}
	var upd Update
	if err := json.Unmarshal(body, &upd); err != nil {
		http.Error(rw, "invalid update", http.StatusBadRequest)
		return
	}

	rw.WriteHeader(http.StatusOK)

	du, ok := ToUpdate(upd.Message, w.botUser())
	if !ok {
		return
	}

	ctx := trace.WithTraceID(w.ctx, trace.GenerateID())
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.sem }()

		if err := w.dispatcher.Dispatch(ctx, du); err != nil {
			observability.WithTrace(ctx).Warn("telegram: dispatch failed", "update_id", upd.UpdateID, "err", err)
		}
	}()
}

// ToUpdate converts a Bot API message into a dispatch.Update. Messages
// without text, from channels, or from other bots are skipped.
func ToUpdate(msg *Message, bot User) (dispatch.Update, bool) {
	if msg == nil || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		return dispatch.Update{}, false
	}
	if msg.From != nil && msg.From.IsBot {
		return dispatch.Update{}, false
	}

	var chatType dispatch.ChatType
	switch msg.Chat.Type {
	case "private":
		chatType = dispatch.ChatPrivate
	case "group", "supergroup":
		chatType = dispatch.ChatGroup
	default:
		return dispatch.Update{}, false
	}

	u := dispatch.Update{
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		ChatType: chatType,
		Text:     msg.Text,
	}
	if msg.From != nil {
		u.UserID = strconv.FormatInt(msg.From.ID, 10)
		u.Username = msg.From.DisplayName()
	} else {
		u.UserID = u.ChatID
	}
	u.Mentioned = mentions(msg, bot)
	return u, true
}

func mentions(msg *Message, bot User) bool {
	for _, e := range msg.Entities {
		switch e.Type {
		case "text_mention":
			if e.User != nil && bot.ID != 0 && e.User.ID == bot.ID {
				return true
			}
		case "mention":
			if bot.Username != "" && strings.EqualFold(sliceUTF16(msg.Text, e.Offset, e.Length), "@"+bot.Username) {
				return true
			}
		}
	}
	// Some clients omit entities.
	return bot.Username != "" && strings.Contains(strings.ToLower(msg.Text), "@"+strings.ToLower(bot.Username))
}

// sliceUTF16 returns the substring of s covering [offset, offset+length) in
// UTF-16 code units.
func sliceUTF16(s string, offset, length int) string {
	if offset < 0 || length <= 0 {
		return ""
	}
	start, end := -1, len(s)
	units := 0
	for i, r := range s {
		if units == offset && start < 0 {
			start = i
		}
		if units == offset+length {
			end = i
			break
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	if start < 0 {
		if units != offset {
			return ""
		}
		start = len(s)
	}
	if start > end {
		return ""
	}
	return s[start:end]
}
