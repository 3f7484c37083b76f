package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Hibiki/internal/hibiki/app"
	"github.com/bdobrica/Hibiki/internal/hibiki/config"
)

const botToken = "4242:test-token"

// botAPI records Bot API calls and hands out increasing message IDs.
type botAPI struct {
	mu     sync.Mutex
	calls  []string
	bodies []map[string]any
	nextID int
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/bot"+botToken+"/")
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	b.mu.Lock()
	b.calls = append(b.calls, method)
	b.bodies = append(b.bodies, body)
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"username":"hibiki_bot","first_name":"Hibiki"}}`)
	case "sendMessage":
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d}}`, id)
	default:
		io.WriteString(w, `{"ok":true,"result":true}`)
	}
}

func (b *botAPI) texts(method string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for i, c := range b.calls {
		if c == method {
			s, _ := b.bodies[i]["text"].(string)
			out = append(out, s)
		}
	}
	return out
}

func (b *botAPI) called(method string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		if c == method {
			return true
		}
	}
	return false
}

func openAIStream(fragments ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			content, _ := json.Marshal(f)
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s},\"finish_reason\":null}]}\n\n", content)
			w.(http.Flusher).Flush()
		}
		io.WriteString(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_TelegramEndToEnd(t *testing.T) {
	bot := &botAPI{}
	botSrv := httptest.NewServer(bot)
	defer botSrv.Close()
	llm := httptest.NewServer(openAIStream("Hi", " there!"))
	defer llm.Close()

	cfg := config.Defaults()
	cfg.Platform = config.PlatformTelegram
	cfg.Port = "0"
	cfg.Telegram = config.Telegram{
		Token:         botToken,
		WebhookURL:    "https://bot.example.org/hook",
		WebhookSecret: "hook-secret",
		APIURL:        botSrv.URL,
	}
	cfg.Completion.APIKey = "sk-test"
	cfg.Completion.BaseURL = llm.URL + "/v1"

	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "webhook registration", func() bool { return bot.called("setWebhook") })

	update := `{"update_id":1,"message":{"message_id":3,"chat":{"id":77,"type":"private"},"from":{"id":77,"first_name":"Ada"},"text":"hello"}}`
	req, _ := http.NewRequest(http.MethodPost, "http://"+a.Addr()+"/hook", strings.NewReader(update))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "hook-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	waitFor(t, "final edit", func() bool {
		edits := bot.texts("editMessageText")
		return len(edits) > 0 && edits[len(edits)-1] == "Hi there!"
	})
	if sends := bot.texts("sendMessage"); len(sends) != 1 {
		t.Errorf("sendMessage calls = %v, want exactly one status message", sends)
	}

	statusResp, err := http.Get("http://" + a.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status map[string]any
	_ = json.NewDecoder(statusResp.Body).Decode(&status)
	statusResp.Body.Close()
	if status["tracked_chats"] != float64(1) || status["platform"] != "telegram" {
		t.Errorf("status = %v", status)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	a.Stop()
}

func TestApp_TelegramNeedsPort(t *testing.T) {
	cfg := config.Defaults()
	cfg.Telegram = config.Telegram{Token: botToken, WebhookURL: "https://bot.example.org/hook"}
	a, err := app.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Error("Run without PORT succeeded")
	}
}

func TestNew_UnknownPlatform(t *testing.T) {
	cfg := config.Defaults()
	cfg.Platform = "irc"
	if _, err := app.New(cfg); err == nil {
		t.Error("New accepted unknown platform")
	}
}
