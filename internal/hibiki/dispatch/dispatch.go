// Package dispatch routes inbound updates: slash commands to their handlers,
// and addressed free text to the relay.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/bdobrica/Hibiki/internal/hibiki/observability"
	"github.com/bdobrica/Hibiki/internal/hibiki/relay"
)

const (
	UsageText = "👋 Hi! I'm Hibiki, a bridge to an AI assistant.\n\n" +
		"• In a private chat, just send me a message.\n" +
		"• In a group, mention me or use /ask <question>.\n\n" +
		"Commands:\n" +
		"/ask <question> - ask the assistant\n" +
		"/help - show this message"
	AskUsageText     = "Usage: /ask <question>"
	UnknownUsageText = "Unknown command. Send /help to see what I can do."
)

// Handler handles one command.
type Handler func(ctx context.Context, u Update) error

// Relayer runs a prompt through the completion pipeline.
type Relayer interface {
	Handle(ctx context.Context, req relay.Request) relay.Outcome
}

// Sender posts plain notices.
type Sender interface {
	Send(ctx context.Context, chatID, text string) (relay.MessageHandle, error)
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	relay    Relayer
	sender   Sender
	handlers map[string]Handler

	mu    sync.RWMutex
	names []string
}

// New creates a dispatcher with the start, help and ask commands registered.
func New(r Relayer, s Sender) *Dispatcher {
	d := &Dispatcher{
		relay:    r,
		sender:   s,
		handlers: make(map[string]Handler),
	}
	d.Register("start", d.handleHelp)
	d.Register("help", d.handleHelp)
	d.Register("ask", d.handleAsk)
	return d
}

// Register registers a command handler. Not safe to call concurrently with
// Dispatch.
func (d *Dispatcher) Register(command string, h Handler) {
	d.handlers[strings.ToLower(command)] = h
}

// SetBotNames sets the names the bot is addressed by. They are stripped from
// group messages, and "/cmd@name" is only honoured for one of them.
func (d *Dispatcher) SetBotNames(names ...string) {
	clean := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			clean = append(clean, n)
		}
	}
	d.mu.Lock()
	d.names = clean
	d.mu.Unlock()
}

func (d *Dispatcher) botNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names
}

// Dispatch handles one update. Errors are transport failures sending
// notices; relay failures are reported to the user by the relay itself.
func (d *Dispatcher) Dispatch(ctx context.Context, u Update) (err error) {
	log := observability.WithTrace(ctx).With("chat_id", u.ChatID, "user_id", u.UserID)

	// Updates run on their own goroutines; a panic must not take the process down.
	defer func() {
		if p := recover(); p != nil {
			log.Error("dispatch: panic", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("dispatch: panic: %v", p)
		}
	}()

	if u.Command == "" {
		if name, target, args, ok := ParseCommand(u.Text); ok {
			if target != "" && !d.addressedTo(target) {
				log.Debug("dispatch: command for another bot", "target", target)
				return nil
			}
			u.Command, u.Args = name, args
		}
	}

	if u.Command != "" {
		h, ok := d.handlers[u.Command]
		if !ok {
			if !u.Private() {
				return nil
			}
			return d.reply(ctx, u.ChatID, UnknownUsageText)
		}
		log.Debug("dispatch: command", "command", u.Command)
		return h(ctx, u)
	}

	prompt := strings.TrimSpace(u.Text)
	if !u.Private() {
		if !u.Mentioned {
			return nil
		}
		names := d.botNames()
		mentions := make([]string, 0, len(names)*2)
		for _, n := range names {
			mentions = append(mentions, "@"+strings.TrimPrefix(n, "@"), n)
		}
		prompt = StripMentions(prompt, mentions...)
	}
	if prompt == "" {
		return nil
	}
	d.relay.Handle(ctx, relay.Request{ChatID: u.ChatID, UserID: u.UserID, Prompt: prompt})
	return nil
}

func (d *Dispatcher) addressedTo(target string) bool {
	for _, n := range d.botNames() {
		if strings.EqualFold(strings.TrimPrefix(n, "@"), target) {
			return true
		}
	}
	// Until the bot learns its own name, accept any target.
	return len(d.botNames()) == 0
}

func (d *Dispatcher) handleHelp(ctx context.Context, u Update) error {
	return d.reply(ctx, u.ChatID, UsageText)
}

func (d *Dispatcher) handleAsk(ctx context.Context, u Update) error {
	prompt := strings.TrimSpace(u.Args)
	if prompt == "" {
		return d.reply(ctx, u.ChatID, AskUsageText)
	}
	d.relay.Handle(ctx, relay.Request{ChatID: u.ChatID, UserID: u.UserID, Prompt: prompt})
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, chatID, text string) error {
	if _, err := d.sender.Send(ctx, chatID, text); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}
