package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// responsesMock is a minimal OpenAI-compatible /responses endpoint.
type responsesMock struct {
	mu        sync.Mutex
	status    int
	replyText string
	delay     time.Duration

	lastBody map[string]any
	calls    int
}

func (m *responsesMock) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.calls++
		var parsed map[string]any
		_ = json.Unmarshal(body, &parsed)
		m.lastBody = parsed
		status := m.status
		reply := m.replyText
		delay := m.delay
		m.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"mock failure"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":     "resp_mock",
			"object": "response",
			"status": "completed",
			"output": []any{
				map[string]any{
					"type":   "message",
					"id":     "msg_mock",
					"status": "completed",
					"role":   "assistant",
					"content": []any{
						map[string]any{"type": "output_text", "text": reply, "annotations": []any{}},
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newTestAdapter(t *testing.T, mock *responsesMock, tweak func(*Options)) *Adapter {
	t.Helper()
	srv := httptest.NewServer(mock.handler())
	t.Cleanup(srv.Close)
	opts := Options{
		Provider:       "openai_compatible",
		APIKey:         "test-key",
		BaseURL:        srv.URL,
		Model:          "test-model",
		RequestTimeout: 5 * time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return New(opts)
}

func TestCompleteSuccess(t *testing.T) {
	mock := &responsesMock{replyText: "drink some water and rest"}
	a := newTestAdapter(t, mock, nil)

	resp := a.Complete(context.Background(), Request{
		History: []Turn{
			{Role: RoleUser, Text: "i have a headache"},
			{Role: RoleAssistant, Text: "how long has it lasted?"},
		},
		UserText: "since this morning",
	})
	if resp.Failed() {
		t.Fatalf("Complete failed: %+v", resp)
	}
	if resp.Text != "drink some water and rest" {
		t.Errorf("Text = %q", resp.Text)
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want exactly 1", mock.calls)
	}
}

func TestCompleteUnconfigured(t *testing.T) {
	a := New(Options{}) // no key, no model
	resp := a.Complete(context.Background(), Request{UserText: "hello"})
	if resp.Failure != FailConfiguration {
		t.Errorf("Failure = %q, want configuration", resp.Failure)
	}
	if resp.Text != FallbackText(FailConfiguration) {
		t.Errorf("Text = %q, want configuration fallback", resp.Text)
	}
}

func TestCompleteFailureTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   FailureKind
	}{
		{name: "unauthorized", status: 401, want: FailConfiguration},
		{name: "rate limited", status: 429, want: FailRateLimited},
		{name: "bad request", status: 400, want: FailMalformedRequest},
		{name: "upstream down", status: 503, want: FailNetworkUnreached},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &responsesMock{status: tt.status}
			a := newTestAdapter(t, mock, nil)
			resp := a.Complete(context.Background(), Request{UserText: "hello"})
			if resp.Failure != tt.want {
				t.Errorf("Failure = %q, want %q", resp.Failure, tt.want)
			}
			if resp.Text != FallbackText(tt.want) {
				t.Errorf("Text = %q, want fixed fallback for %q", resp.Text, tt.want)
			}
			if resp.Notice == "" {
				t.Error("expected a side-channel notice")
			}
			if mock.calls != 1 {
				t.Errorf("calls = %d, want exactly 1 (no auto-retry)", mock.calls)
			}
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	mock := &responsesMock{replyText: "late", delay: 300 * time.Millisecond}
	a := newTestAdapter(t, mock, func(o *Options) {
		o.RequestTimeout = 50 * time.Millisecond
	})
	resp := a.Complete(context.Background(), Request{UserText: "hello"})
	if resp.Failure != FailNetworkTimeout {
		t.Errorf("Failure = %q, want network_timeout", resp.Failure)
	}
	if resp.Text != FallbackText(FailNetworkTimeout) {
		t.Errorf("Text = %q, want timeout fallback", resp.Text)
	}
}

func TestCompleteEmptyReplyIsMalformedResponse(t *testing.T) {
	mock := &responsesMock{replyText: ""}
	a := newTestAdapter(t, mock, nil)
	resp := a.Complete(context.Background(), Request{UserText: "hello"})
	if resp.Failure != FailMalformedResponse {
		t.Errorf("Failure = %q, want malformed_response", resp.Failure)
	}
}

func TestCompleteDropsOversizedImages(t *testing.T) {
	mock := &responsesMock{replyText: "ok"}
	a := newTestAdapter(t, mock, func(o *Options) {
		o.PayloadCap = 64
	})

	big := make([]byte, 1024)
	small := []byte("tiny")
	resp := a.Complete(context.Background(), Request{
		UserText: "look at this",
		Images: []InlineImage{
			{MIME: "image/jpeg", Data: big},
			{MIME: "image/jpeg", Data: small},
		},
	})
	if resp.Failed() {
		t.Fatalf("Complete failed: %+v", resp)
	}

	raw, err := json.Marshal(mock.lastBody)
	if err != nil {
		t.Fatalf("marshal captured body: %v", err)
	}
	if got := strings.Count(string(raw), "input_image"); got != 1 {
		t.Errorf("request carried %d inline images, want 1 (oversized dropped)", got)
	}
}
