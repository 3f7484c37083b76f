package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bdobrica/Hibiki/internal/hibiki/completion"
	"github.com/bdobrica/Hibiki/internal/hibiki/dispatch"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
	"github.com/bdobrica/Hibiki/internal/hibiki/ratelimit"
	"github.com/bdobrica/Hibiki/internal/hibiki/relay"
)

type recordingRelay struct {
	mu   sync.Mutex
	reqs []relay.Request
}

func (r *recordingRelay) Handle(_ context.Context, req relay.Request) relay.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return relay.OutcomeCompleted
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *recordingSender) Send(_ context.Context, chatID, text string) (relay.MessageHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return relay.MessageHandle{}, s.err
	}
	s.texts = append(s.texts, text)
	return relay.MessageHandle{ChatID: chatID, MessageID: "1"}, nil
}

func (s *recordingSender) Edit(context.Context, relay.MessageHandle, string) error { return nil }

func newDispatcher() (*dispatch.Dispatcher, *recordingRelay, *recordingSender) {
	r := &recordingRelay{}
	s := &recordingSender{}
	d := dispatch.New(r, s)
	d.SetBotNames("hibiki_bot")
	return d, r, s
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text               string
		name, target, args string
		ok                 bool
	}{
		{"/start", "start", "", "", true},
		{"/ask what is Go?", "ask", "", "what is Go?", true},
		{"/Ask@Hibiki_Bot  hi there ", "ask", "Hibiki_Bot", "hi there", true},
		{"/help@other", "help", "other", "", true},
		{"hello", "", "", "", false},
		{"/", "", "", "", false},
		{"/@bot", "", "", "", false},
		{"  /ask\nmulti\nline", "ask", "", "multi\nline", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, target, args, ok := dispatch.ParseCommand(tt.text)
			if name != tt.name || target != tt.target || args != tt.args || ok != tt.ok {
				t.Errorf("ParseCommand(%q) = (%q, %q, %q, %v), want (%q, %q, %q, %v)",
					tt.text, name, target, args, ok, tt.name, tt.target, tt.args, tt.ok)
			}
		})
	}
}

func TestStripMentions(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"@hibiki_bot what time is it", "what time is it"},
		{"hey @HIBIKI_BOT, explain goroutines", "hey explain goroutines"},
		{"@hibiki_bot", ""},
		{"no mention here", "no mention here"},
		{"ȺȺȺȺȺȺȺȺȺȺȺȺ @hibiki_bot", "ȺȺȺȺȺȺȺȺȺȺȺȺ"},
		{"İstanbul İzmir İİİİİİ @hibiki_bot", "İstanbul İzmir İİİİİİ"},
		{"ask @hibiki_bot_v2 instead", "ask @hibiki_bot_v2 instead"},
		{"mail me@hibiki_bot", "mail me@hibiki_bot"},
	}
	for _, tt := range tests {
		if got := dispatch.StripMentions(tt.text, "@hibiki_bot"); got != tt.want {
			t.Errorf("StripMentions(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestDispatch_StartAndHelpSendUsage(t *testing.T) {
	for _, text := range []string{"/start", "/help", "/help@hibiki_bot"} {
		d, r, s := newDispatcher()
		if err := d.Dispatch(context.Background(), dispatch.Update{ChatID: "c", UserID: "u", ChatType: dispatch.ChatPrivate, Text: text}); err != nil {
			t.Fatalf("%s: %v", text, err)
		}
		if len(s.texts) != 1 || s.texts[0] != dispatch.UsageText {
			t.Errorf("%s: sent %q", text, s.texts)
		}
		if len(r.reqs) != 0 {
			t.Errorf("%s: relayed %d requests", text, len(r.reqs))
		}
	}
}

func TestDispatch_AskRelaysArgument(t *testing.T) {
	d, r, _ := newDispatcher()
	u := dispatch.Update{ChatID: "g", UserID: "u", ChatType: dispatch.ChatGroup, Text: "/ask@hibiki_bot what is a channel?"}
	if err := d.Dispatch(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if len(r.reqs) != 1 || r.reqs[0].Prompt != "what is a channel?" || r.reqs[0].ChatID != "g" {
		t.Errorf("relayed %+v", r.reqs)
	}
}

func TestDispatch_CommandForAnotherBotIgnored(t *testing.T) {
	d, r, s := newDispatcher()
	u := dispatch.Update{ChatID: "g", UserID: "u", ChatType: dispatch.ChatGroup, Text: "/ask@other_bot hi"}
	if err := d.Dispatch(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if len(r.reqs) != 0 || len(s.texts) != 0 {
		t.Errorf("reacted to another bot's command: reqs=%v texts=%v", r.reqs, s.texts)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d, r, s := newDispatcher()
	ctx := context.Background()

	if err := d.Dispatch(ctx, dispatch.Update{ChatID: "g", ChatType: dispatch.ChatGroup, Text: "/weather"}); err != nil {
		t.Fatal(err)
	}
	if len(s.texts) != 0 {
		t.Errorf("group unknown command answered: %q", s.texts)
	}

	if err := d.Dispatch(ctx, dispatch.Update{ChatID: "p", ChatType: dispatch.ChatPrivate, Text: "/weather"}); err != nil {
		t.Fatal(err)
	}
	if len(s.texts) != 1 || s.texts[0] != dispatch.UnknownUsageText {
		t.Errorf("private unknown command answered %q", s.texts)
	}
	if len(r.reqs) != 0 {
		t.Error("unknown command relayed")
	}
}

func TestDispatch_PrivateTextRelayed(t *testing.T) {
	d, r, _ := newDispatcher()
	if err := d.Dispatch(context.Background(), dispatch.Update{ChatID: "p", UserID: "u", ChatType: dispatch.ChatPrivate, Text: "  hello  "}); err != nil {
		t.Fatal(err)
	}
	if len(r.reqs) != 1 || r.reqs[0].Prompt != "hello" {
		t.Errorf("relayed %+v", r.reqs)
	}
}

func TestDispatch_GroupText(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		mentioned bool
		want      string
	}{
		{"not mentioned", "talking among ourselves", false, ""},
		{"mentioned", "@hibiki_bot summarize this", true, "summarize this"},
		{"mention only", "@hibiki_bot", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, r, _ := newDispatcher()
			u := dispatch.Update{ChatID: "g", UserID: "u", ChatType: dispatch.ChatGroup, Text: tt.text, Mentioned: tt.mentioned}
			if err := d.Dispatch(context.Background(), u); err != nil {
				t.Fatal(err)
			}
			if tt.want == "" {
				if len(r.reqs) != 0 {
					t.Errorf("relayed %+v", r.reqs)
				}
				return
			}
			if len(r.reqs) != 1 || r.reqs[0].Prompt != tt.want {
				t.Errorf("relayed %+v, want prompt %q", r.reqs, tt.want)
			}
		})
	}
}

func TestStripMentions_BareNames(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"hibiki_bot what time is it", "what time is it"},
		{"hey HIBIKI_BOT, explain goroutines", "hey explain goroutines"},
		{"what does hibiki_bot_v2 do", "what does hibiki_bot_v2 do"},
		{"is hibiki_bot online", "is hibiki_bot online"},
		{"@hibiki_bot hibiki_bot: hi", "hi"},
	}
	for _, tt := range tests {
		if got := dispatch.StripMentions(tt.text, "@hibiki_bot", "hibiki_bot"); got != tt.want {
			t.Errorf("StripMentions(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestDispatch_GroupMentionWithMultibyteText(t *testing.T) {
	for _, text := range []string{
		"İstanbul İzmir İİİİİİ @hibiki_bot",
		"ȺȺȺȺȺȺȺȺȺȺȺȺ @hibiki_bot",
	} {
		d, r, _ := newDispatcher()
		u := dispatch.Update{ChatID: "g", UserID: "u", ChatType: dispatch.ChatGroup, Text: text, Mentioned: true}
		if err := d.Dispatch(context.Background(), u); err != nil {
			t.Fatalf("%q: %v", text, err)
		}
		want := strings.TrimSuffix(text, " @hibiki_bot")
		if len(r.reqs) != 1 || r.reqs[0].Prompt != want {
			t.Fatalf("%q: relayed %+v, want prompt %q", text, r.reqs, want)
		}
		if !utf8.ValidString(r.reqs[0].Prompt) {
			t.Fatalf("%q: prompt is not valid UTF-8", text)
		}
	}
}

func TestDispatch_HandlerPanicBecomesError(t *testing.T) {
	d, _, _ := newDispatcher()
	d.Register("boom", func(context.Context, dispatch.Update) error {
		panic("handler bug")
	})
	err := d.Dispatch(context.Background(), dispatch.Update{ChatID: "p", ChatType: dispatch.ChatPrivate, Text: "/boom"})
	if err == nil || !strings.Contains(err.Error(), "handler bug") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
}

func TestDispatch_SendErrorReturned(t *testing.T) {
	d, _, s := newDispatcher()
	s.err = errors.New("forbidden")
	err := d.Dispatch(context.Background(), dispatch.Update{ChatID: "p", ChatType: dispatch.ChatPrivate, Text: "/help"})
	if err == nil || !errors.Is(err, s.err) {
		t.Errorf("err = %v, want wrapped send error", err)
	}
}

func TestDispatch_CustomCommand(t *testing.T) {
	d, _, _ := newDispatcher()
	var got dispatch.Update
	d.Register("Ping", func(_ context.Context, u dispatch.Update) error {
		got = u
		return nil
	})
	if err := d.Dispatch(context.Background(), dispatch.Update{ChatID: "p", ChatType: dispatch.ChatPrivate, Text: "/ping now"}); err != nil {
		t.Fatal(err)
	}
	if got.Command != "ping" || got.Args != "now" {
		t.Errorf("handler saw %+v", got)
	}
}

type countingCompleter struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCompleter) Complete(context.Context, completion.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return "Hi there!", nil
}

func (c *countingCompleter) Stream(_ context.Context, _ completion.Request, onFragment func(string) error) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	for _, f := range []string{"Hi", " there!"} {
		if err := onFragment(f); err != nil {
			return "", err
		}
	}
	return "Hi there!", nil
}

func TestDispatch_EndToEnd(t *testing.T) {
	store := memory.NewStore(5)
	completer := &countingCompleter{}
	sender := &recordingSender{}
	rel := relay.New(sender, store, ratelimit.New(3, 30*time.Second), completer, relay.Config{Mode: relay.ModeStream})
	d := dispatch.New(rel, sender)
	ctx := context.Background()

	if err := d.Dispatch(ctx, dispatch.Update{ChatID: "c", UserID: "u", ChatType: dispatch.ChatPrivate, Text: "/ask"}); err != nil {
		t.Fatal(err)
	}
	if store.Len("c") != 0 || completer.calls != 0 {
		t.Fatalf("empty /ask mutated state: len=%d calls=%d", store.Len("c"), completer.calls)
	}
	if len(sender.texts) != 1 || sender.texts[0] != dispatch.AskUsageText {
		t.Fatalf("sent %q, want ask usage", sender.texts)
	}

	if err := d.Dispatch(ctx, dispatch.Update{ChatID: "c", UserID: "u", ChatType: dispatch.ChatPrivate, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	hist := store.History("c")
	if len(hist) != 2 || hist[1] != memory.AssistantTurn("Hi there!") {
		t.Errorf("history = %+v", hist)
	}
}
