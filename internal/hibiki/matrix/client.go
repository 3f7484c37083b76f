// Package matrix is Hibiki's Matrix adapter. It syncs with the homeserver,
// turns room messages into dispatch.Updates, and implements relay.Messenger
// with m.replace edits so a streamed reply grows in place.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Hibiki/common/redact"
	"github.com/bdobrica/Hibiki/common/retry"
	"github.com/bdobrica/Hibiki/common/trace"
	"github.com/bdobrica/Hibiki/internal/hibiki/dispatch"
	"github.com/bdobrica/Hibiki/internal/hibiki/observability"
	"github.com/bdobrica/Hibiki/internal/hibiki/relay"
)

const (
	syncBackoffMin = 2 * time.Second
	syncBackoffMax = 5 * time.Minute
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// MaxConcurrency bounds how many updates are dispatched at once.
	MaxConcurrency int
}

// Dispatcher consumes converted updates.
type Dispatcher interface {
	Dispatch(ctx context.Context, u dispatch.Update) error
}

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	config  Config
	redact  *redact.Redactor
	sem     chan struct{}
	wg      sync.WaitGroup
	started time.Time

	mu          sync.RWMutex
	displayName string
	members     map[id.RoomID]int
}

// New creates a Matrix client. It does not contact the homeserver.
func New(cfg Config) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	client.Log = observability.Zerolog("mautrix")

	n := cfg.MaxConcurrency
	if n <= 0 {
		n = 16
	}
	return &Client{
		client:  client,
		config:  cfg,
		redact:  redact.New(cfg.AccessToken),
		sem:     make(chan struct{}, n),
		members: make(map[id.RoomID]int),
	}, nil
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.config.UserID }

// DisplayName returns the bot's display name once Start has fetched it.
func (c *Client) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// Identity returns the names the bot answers to.
func (c *Client) Identity() Identity {
	return Identity{UserID: c.config.UserID, DisplayName: c.DisplayName()}
}

// Start registers event handlers and syncs in the background until ctx is
// cancelled. Events older than the call are ignored, so the bot never
// answers history it missed while it was down.
func (c *Client) Start(ctx context.Context, d Dispatcher) error {
	c.started = time.Now()

	if resp, err := c.client.GetOwnDisplayName(ctx); err != nil {
		slog.Warn("matrix: could not fetch own display name", "err", c.redact.Err(err))
	} else {
		c.mu.Lock()
		c.displayName = resp.DisplayName
		c.mu.Unlock()
	}

	// NOTE: E2EE is not implemented; encrypted rooms are ignored.
	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.handleMember(ctx, evt)
	})
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		c.handleMessage(ctx, d, evt)
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.syncLoop(ctx)
	}()
	return nil
}

// syncLoop keeps the sync running with exponential back-off. Without retries
// a transient homeserver error would leave the bot deaf.
func (c *Client) syncLoop(ctx context.Context) {
	backoff := retry.Backoff{Min: syncBackoffMin, Max: syncBackoffMax}
	for {
		started := time.Now()
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Only a StopSync call ends a sync cleanly.
			return
		}
		if time.Since(started) > syncBackoffMax {
			backoff.Reset()
		}
		wait := backoff.Next()
		slog.Error("matrix: sync stopped; reconnecting", "err", c.redact.Err(err), "backoff", wait)
		if retry.Sleep(ctx, wait) != nil {
			return
		}
	}
}

// Stop ends the sync loop and waits for in-flight updates.
func (c *Client) Stop() {
	c.client.StopSync()
	c.wg.Wait()
}

func (c *Client) handleMember(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	delete(c.members, evt.RoomID)
	c.mu.Unlock()

	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != c.config.UserID {
		return
	}
	if err := c.joinRoom(ctx, evt.RoomID); err != nil {
		slog.Warn("matrix: failed to accept invite", "room", evt.RoomID, "inviter", evt.Sender, "err", c.redact.Err(err))
		return
	}
	slog.Info("matrix: joined room on invite", "room", evt.RoomID, "inviter", evt.Sender)
}

func (c *Client) handleMessage(root context.Context, d Dispatcher, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(c.started) {
		return
	}
	ctx := trace.WithTraceID(root, trace.GenerateID())
	log := observability.WithTrace(ctx)

	private, err := c.isPrivate(ctx, evt.RoomID)
	if err != nil {
		log.Warn("matrix: could not count room members", "room", evt.RoomID, "err", c.redact.Err(err))
	}
	u, ok := ToUpdate(evt, private, c.Identity())
	if !ok {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-c.sem }()
		if err := d.Dispatch(ctx, u); err != nil {
			log.Warn("matrix: dispatch failed", "event_id", evt.ID, "err", err)
		}
	}()
}

// isPrivate reports whether a room has exactly two joined members. Counts
// are cached until the next membership event in the room.
func (c *Client) isPrivate(ctx context.Context, roomID id.RoomID) (bool, error) {
	c.mu.RLock()
	n, ok := c.members[roomID]
	c.mu.RUnlock()
	if !ok {
		resp, err := c.client.JoinedMembers(ctx, roomID)
		if err != nil {
			return false, err
		}
		n = len(resp.Joined)
		c.mu.Lock()
		c.members[roomID] = n
		c.mu.Unlock()
	}
	return n == 2, nil
}

// joinRoom attempts to join a room.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a member
		// of the room.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// Send posts text as a formatted message and returns its event ID.
func (c *Client) Send(ctx context.Context, chatID, text string) (relay.MessageHandle, error) {
	content := formatted(text)
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, &content)
	if err != nil {
		return relay.MessageHandle{}, fmt.Errorf("failed to send message: %s", c.redact.Err(err))
	}
	return relay.MessageHandle{ChatID: chatID, MessageID: resp.EventID.String()}, nil
}

// Edit replaces the content of a message the bot sent with an m.replace
// relation.
func (c *Client) Edit(ctx context.Context, msg relay.MessageHandle, text string) error {
	content := formatted(text)
	content.SetEdit(id.EventID(msg.MessageID))
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(msg.ChatID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to edit message: %s", c.redact.Err(err))
	}
	return nil
}

func formatted(text string) event.MessageEventContent {
	return event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: markdownToHTML(text),
	}
}
