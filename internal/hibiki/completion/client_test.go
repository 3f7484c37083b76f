package completion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Hibiki/internal/hibiki/completion"
	"github.com/bdobrica/Hibiki/internal/hibiki/memory"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature"`
}

func decodeRequest(t *testing.T, r *http.Request) wireRequest {
	t.Helper()
	var req wireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return req
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`, jsonString(content))
}

func writeChunk(w http.ResponseWriter, content string) {
	fmt.Fprintf(w, "data: {\"id\":\"cmpl-1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s},\"finish_reason\":null}]}\n\n", jsonString(content))
	w.(http.Flusher).Flush()
}

func writeFinish(w http.ResponseWriter) {
	fmt.Fprint(w, "data: {\"id\":\"cmpl-1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func newClient(srvURL string, timeout time.Duration) *completion.Client {
	return completion.New(completion.Config{
		APIKey:      "test-key-123",
		BaseURL:     srvURL + "/v1",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		Timeout:     timeout,
	})
}

var helloRequest = completion.Request{
	SystemPrompt: "You are fast. Reply in 1-2 sentences.",
	History: []memory.Turn{
		memory.UserTurn("earlier"),
		memory.AssistantTurn("earlier reply"),
		memory.UserTurn("hello"),
	},
}

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key-123" {
			t.Errorf("unexpected Authorization header: %s", got)
		}
		req := decodeRequest(t, r)
		if req.Model != "gpt-4o-mini" {
			t.Errorf("expected model gpt-4o-mini, got %q", req.Model)
		}
		if req.Stream {
			t.Error("batch call must not request a stream")
		}
		if req.Temperature == nil || *req.Temperature != 0.7 {
			t.Errorf("expected temperature 0.7, got %v", req.Temperature)
		}
		wantRoles := []string{"system", "user", "assistant", "user"}
		if len(req.Messages) != len(wantRoles) {
			t.Fatalf("expected %d messages, got %d", len(wantRoles), len(req.Messages))
		}
		for i, role := range wantRoles {
			if req.Messages[i].Role != role {
				t.Errorf("message %d: expected role %q, got %q", i, role, req.Messages[i].Role)
			}
		}
		if req.Messages[3].Content != "hello" {
			t.Errorf("expected last message 'hello', got %q", req.Messages[3].Content)
		}
		writeCompletion(w, "Hi there!")
	}))
	defer srv.Close()

	got, err := newClient(srv.URL, 5*time.Second).Complete(context.Background(), helloRequest)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if got != "Hi there!" {
		t.Fatalf("expected %q, got %q", "Hi there!", got)
	}
}

func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	start := time.Now()
	_, err := newClient(srv.URL, 50*time.Millisecond).Complete(context.Background(), helloRequest)
	if !errors.Is(err, completion.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, completion.ErrCompletion) {
		t.Fatal("a timeout must not also match ErrCompletion")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long to fire: %v", elapsed)
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error","param":null,"code":null}}`)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 5*time.Second).Complete(context.Background(), helloRequest)
	if !errors.Is(err, completion.ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	var typed *completion.Error
	if !errors.As(err, &typed) || typed.Kind != completion.KindCompletion {
		t.Fatalf("expected *completion.Error of KindCompletion, got %#v", err)
	}
}

func TestComplete_NoRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 5*time.Second).Complete(context.Background(), helloRequest)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
}

func TestComplete_EmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "")
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 5*time.Second).Complete(context.Background(), helloRequest)
	if !errors.Is(err, completion.ErrCompletion) {
		t.Fatalf("expected ErrCompletion for empty reply, got %v", err)
	}
}

func TestComplete_ParentCancelIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newClient(srv.URL, 5*time.Second).Complete(ctx, helloRequest)
	if !errors.Is(err, completion.ErrCompletion) {
		t.Fatalf("expected ErrCompletion on shutdown cancellation, got %v", err)
	}
}

func TestStream_ConcatenatesFragments(t *testing.T) {
	fragments := []string{"Hi", " there", "!", " How", " can I help?"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if !req.Stream {
			t.Error("streaming call must request a stream")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			writeChunk(w, f)
		}
		// A role-only chunk with no content must be skipped.
		writeChunk(w, "")
		writeFinish(w)
	}))
	defer srv.Close()

	var seen []string
	got, err := newClient(srv.URL, 5*time.Second).Stream(context.Background(), helloRequest, func(f string) error {
		seen = append(seen, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	if want := strings.Join(fragments, ""); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if len(seen) != len(fragments) {
		t.Fatalf("expected %d fragment callbacks, got %d (%q)", len(fragments), len(seen), seen)
	}
}

func TestStream_TimeoutMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "partial")
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	calls := 0
	partial, err := newClient(srv.URL, 100*time.Millisecond).Stream(context.Background(), helloRequest, func(string) error {
		calls++
		return nil
	})
	if !errors.Is(err, completion.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if partial != "partial" {
		t.Fatalf("expected partial text to be returned, got %q", partial)
	}
	if calls != 1 {
		t.Fatalf("expected 1 fragment before the timeout, got %d", calls)
	}
}

func TestStream_ConnectionClosedBeforeFinishIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "Hi th")
	}))
	defer srv.Close()

	partial, err := newClient(srv.URL, 5*time.Second).Stream(context.Background(), helloRequest, nil)
	if !errors.Is(err, completion.ErrCompletion) {
		t.Fatalf("expected ErrCompletion for a cut-off stream, got %v", err)
	}
	if errors.Is(err, completion.ErrTimeout) {
		t.Fatalf("cut-off stream reported as timeout: %v", err)
	}
	if partial != "Hi th" {
		t.Fatalf("expected partial text %q, got %q", "Hi th", partial)
	}
}

func TestStream_DoneWithoutFinishReasonIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "Hi")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 5*time.Second).Stream(context.Background(), helloRequest, nil)
	if !errors.Is(err, completion.ErrCompletion) {
		t.Fatalf("expected ErrCompletion without a finish chunk, got %v", err)
	}
}

func TestStream_HandlerErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "a")
		writeChunk(w, "b")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	sentinel := errors.New("stop")
	_, err := newClient(srv.URL, 5*time.Second).Stream(context.Background(), helloRequest, func(string) error {
		return sentinel
	})
	if !errors.Is(err, completion.ErrCompletion) || !errors.Is(err, sentinel) {
		t.Fatalf("expected ErrCompletion wrapping the handler error, got %v", err)
	}
}

func TestStream_NoFragmentsIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 5*time.Second).Stream(context.Background(), helloRequest, nil)
	if !errors.Is(err, completion.ErrCompletion) {
		t.Fatalf("expected ErrCompletion for an empty stream, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := completion.New(completion.Config{APIKey: "k"})
	if c.Model() != completion.DefaultModel {
		t.Errorf("expected default model %q, got %q", completion.DefaultModel, c.Model())
	}
	if c.Timeout() != completion.DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", completion.DefaultTimeout, c.Timeout())
	}
}

func TestError_KindString(t *testing.T) {
	err := &completion.Error{Kind: completion.KindTimeout, Err: context.DeadlineExceeded}
	if !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Unwrap should expose the cause")
	}
}
