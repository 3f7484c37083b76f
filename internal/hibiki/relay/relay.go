// Package relay is Hibiki's request state machine: it admits a prompt
// against the rate limit, records it in the conversation, asks the model and
// delivers the reply by editing a single status message.
//
// Per request:
//
//	RateChecked → UserTurnAppended → AwaitingCompletion → Streaming|BatchWait → Completed|Failed
//
// One inbound prompt creates at most one outbound message (the rate-limit
// notice or the status message); everything after that is an edit of it.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bdobrica/Hibiki/common/trace"
	"github.com/bdobrica/Hibiki/internal/hibiki/completion"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/observability"
)

// finalEditTimeout bounds the last edit of a request. It runs detached from
// the request context so a shutdown does not leave a stale "thinking" message.
const finalEditTimeout = 10 * time.Second

// DefaultPartialEditTimeout bounds one in-progress edit so a slow platform
// call cannot hold a stream open past its completion timeout.
const DefaultPartialEditTimeout = 3 * time.Second

// MessageHandle identifies a message the bot has sent.
type MessageHandle struct {
	ChatID    string
	MessageID string
}

// Messenger is the outbound side of a chat platform.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) (MessageHandle, error)
	Edit(ctx context.Context, msg MessageHandle, text string) error
}

// History is the conversation store used to build prompts.
type History interface {
	Append(chatID string, turn memory.Turn)
	History(chatID string) []memory.Turn
}

// Limiter admits or rejects a user's request at a point in time.
type Limiter interface {
	Admit(userID string, now time.Time) bool
}

// Completer produces model replies. See completion.Client.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
	Stream(ctx context.Context, req completion.Request, onFragment func(fragment string) error) (string, error)
}

// Mode selects how replies are obtained and delivered.
type Mode int

const (
	// ModeStream edits the status message as fragments arrive.
	ModeStream Mode = iota
	// ModeBatch waits for the whole reply and edits once.
	ModeBatch
)

func (m Mode) String() string {
	if m == ModeBatch {
		return "batch"
	}
	return "stream"
}

// Texts are the user-facing notices. Wording is not part of the protocol.
type Texts struct {
	Thinking    string
	RateLimited string
	Timeout     string
	Failed      string
	// InProgress is appended to partial text while a reply is streaming.
	InProgress string
}

// DefaultTexts returns the stock notices.
func DefaultTexts() Texts {
	return Texts{
		Thinking:    "🤖 Thinking...",
		RateLimited: "⏳ You're sending messages too quickly. Please wait a moment and try again.",
		Timeout:     "❌ The AI took too long to answer. Try again.",
		Failed:      "❌ AI error. Try again, or ask a simpler question.",
		InProgress:  "…",
	}
}

// Config holds the relay's policy knobs.
type Config struct {
	SystemPrompt string
	Mode         Mode
	Throttle     Throttle
	Texts        Texts
	// PartialEditTimeout bounds each in-progress edit. Defaults to
	// DefaultPartialEditTimeout.
	PartialEditTimeout time.Duration
	// Now is the clock used for rate limiting and edit throttling.
	// Defaults to time.Now.
	Now func() time.Time
}

// Request is one prompt resolved by the dispatcher.
type Request struct {
	ChatID string
	UserID string
	Prompt string
}

// Outcome is the terminal state of a request.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRateLimited
	OutcomeTimeout
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// Relay is safe for concurrent use; all shared state lives in History and
// Limiter, which serialize per key.
type Relay struct {
	messenger Messenger
	history   History
	limiter   Limiter
	completer Completer
	cfg       Config
}

// New wires a Relay. Zero-valued Texts fields and a zero Throttle fall back
// to the defaults.
func New(messenger Messenger, history History, limiter Limiter, completer Completer, cfg Config) *Relay {
	def := DefaultTexts()
	if cfg.Texts.Thinking == "" {
		cfg.Texts.Thinking = def.Thinking
	}
	if cfg.Texts.RateLimited == "" {
		cfg.Texts.RateLimited = def.RateLimited
	}
	if cfg.Texts.Timeout == "" {
		cfg.Texts.Timeout = def.Timeout
	}
	if cfg.Texts.Failed == "" {
		cfg.Texts.Failed = def.Failed
	}
	if cfg.Texts.InProgress == "" {
		cfg.Texts.InProgress = def.InProgress
	}
	if cfg.Throttle == (Throttle{}) {
		cfg.Throttle = DefaultThrottle()
	}
	if cfg.PartialEditTimeout <= 0 {
		cfg.PartialEditTimeout = DefaultPartialEditTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Relay{
		messenger: messenger,
		history:   history,
		limiter:   limiter,
		completer: completer,
		cfg:       cfg,
	}
}

// Mode reports the configured delivery mode.
func (r *Relay) Mode() Mode { return r.cfg.Mode }

// Handle runs one request to completion and reports how it ended. Failures
// are turned into notices for the user and logged; they are never returned.
func (r *Relay) Handle(ctx context.Context, req Request) Outcome {
	ctx = trace.Ensure(ctx)
	log := observability.WithTrace(ctx).With("chat_id", req.ChatID, "user_id", req.UserID, "mode", r.cfg.Mode.String())

	if now := r.cfg.Now(); !r.limiter.Admit(req.UserID, now) {
		if w, ok := r.limiter.(interface {
			RetryAfter(string, time.Time) time.Duration
		}); ok {
			log = log.With("retry_after", w.RetryAfter(req.UserID, now))
		}
		log.Info("relay: rate limited")
		if _, err := r.messenger.Send(ctx, req.ChatID, r.cfg.Texts.RateLimited); err != nil {
			log.Warn("relay: send rate-limit notice", "err", err)
		}
		return OutcomeRateLimited
	}

	r.history.Append(req.ChatID, memory.UserTurn(req.Prompt))

	status, err := r.messenger.Send(ctx, req.ChatID, r.cfg.Texts.Thinking)
	if err != nil {
		log.Error("relay: send status message", "err", err)
		return OutcomeFailed
	}

	// Snapshot, then call without holding anything.
	creq := completion.Request{
		SystemPrompt: r.cfg.SystemPrompt,
		History:      r.history.History(req.ChatID),
	}

	start := time.Now()
	var reply string
	switch r.cfg.Mode {
	case ModeBatch:
		reply, err = r.completer.Complete(ctx, creq)
	default:
		reply, err = r.stream(ctx, status, creq, log)
	}
	if err != nil {
		outcome, notice := r.failure(err)
		log.Warn("relay: completion failed", "outcome", outcome.String(), "err", err, "elapsed", time.Since(start))
		r.finalEdit(ctx, status, notice, log)
		return outcome
	}

	r.finalEdit(ctx, status, reply, log)
	r.history.Append(req.ChatID, memory.AssistantTurn(reply))
	log.Info("relay: completed", "chars", utf8.RuneCountInString(reply), "elapsed", time.Since(start))
	return OutcomeCompleted
}

// stream feeds fragments into a buffer and pushes throttled partial edits.
// Edits happen inside the fragment callback, so none is in flight once the
// completer returns.
func (r *Relay) stream(ctx context.Context, status MessageHandle, creq completion.Request, log *slog.Logger) (string, error) {
	throttle := r.cfg.Throttle.Start()
	var (
		buf   strings.Builder
		chars int
	)
	return r.completer.Stream(ctx, creq, func(fragment string) error {
		buf.WriteString(fragment)
		chars += utf8.RuneCountInString(fragment)
		if !throttle.Allow(chars, r.cfg.Now()) {
			return nil
		}
		editCtx, cancel := context.WithTimeout(ctx, r.cfg.PartialEditTimeout)
		defer cancel()
		if err := r.messenger.Edit(editCtx, status, buf.String()+r.cfg.Texts.InProgress); err != nil {
			log.Debug("relay: partial edit failed", "err", err)
		}
		return nil
	})
}

func (r *Relay) failure(err error) (Outcome, string) {
	if errors.Is(err, completion.ErrTimeout) {
		return OutcomeTimeout, r.cfg.Texts.Timeout
	}
	return OutcomeFailed, r.cfg.Texts.Failed
}

func (r *Relay) finalEdit(ctx context.Context, status MessageHandle, text string, log *slog.Logger) {
	editCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalEditTimeout)
	defer cancel()
	if err := r.messenger.Edit(editCtx, status, text); err != nil {
		log.Warn("relay: final edit failed", "message_id", status.MessageID, "err", err)
	}
}
