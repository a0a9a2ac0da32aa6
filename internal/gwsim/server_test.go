package gwsim

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/gateway-probe/internal/wire"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func doRequest(t *testing.T, s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func messagesBody(model string, stream bool) wire.MessagesRequest {
	return wire.MessagesRequest{
		Model:     model,
		MaxTokens: 16,
		Messages:  []wire.Message{{Role: "user", Content: "Say hello."}},
		Stream:    stream,
	}
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestAuth(t *testing.T) {
	s := newTestServer(t, WithAPIKey("secret"))

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{"valid key", "secret", http.StatusOK},
		{"invalid key", "wrong", http.StatusUnauthorized},
		{"missing credential", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/v1/messages", tt.key, messagesBody(defaultModel, false))
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAuthXAPIKeyHeader(t *testing.T) {
	s := newTestServer(t, WithAPIKey("secret"))

	payload, _ := json.Marshal(messagesBody(defaultModel, false))
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(payload))
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with x-api-key, got %d", rec.Code)
	}
}

func TestAuthAcceptAnyKeyMode(t *testing.T) {
	s := newTestServer(t, WithAPIKey("secret"), WithAcceptAnyKey())

	rec := doRequest(t, s, http.MethodPost, "/v1/messages", "definitely-not-the-key", messagesBody(defaultModel, false))
	if rec.Code != http.StatusOK {
		t.Errorf("accept-any mode should admit any credential, got %d", rec.Code)
	}

	// A missing credential is still rejected
	rec = doRequest(t, s, http.MethodPost, "/v1/messages", "", messagesBody(defaultModel, false))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a credential, got %d", rec.Code)
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected open health endpoint, got %d", rec.Code)
	}
}

// =============================================================================
// Messages Handler Tests
// =============================================================================

func TestMessagesCompletion(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/messages", defaultAPIKey, messagesBody("claude-test", false))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	for _, key := range wire.RequiredResponseKeys {
		if _, ok := parsed[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}
	if parsed["model"] != "claude-test" {
		t.Errorf("expected the requested model echoed, got %v", parsed["model"])
	}

	var resp wire.MessagesResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Usage.InputTokens == 0 || resp.Usage.OutputTokens == 0 {
		t.Errorf("expected non-zero usage, got %+v", resp.Usage)
	}
	if !strings.HasPrefix(resp.ID, "msg_") {
		t.Errorf("expected msg_ id prefix, got %q", resp.ID)
	}
}

func TestMessagesValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing model", wire.MessagesRequest{MaxTokens: 16, Messages: []wire.Message{{Role: "user", Content: "hi"}}}},
		{"empty messages", wire.MessagesRequest{Model: defaultModel, MaxTokens: 16}},
		{"zero max_tokens", wire.MessagesRequest{Model: defaultModel, Messages: []wire.Message{{Role: "user", Content: "hi"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/v1/messages", defaultAPIKey, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			// Body rejections must never read like a forwarding problem
			lower := strings.ToLower(rec.Body.String())
			if strings.Contains(lower, "header") || strings.Contains(lower, "version") {
				t.Errorf("validation message sounds like a forwarding failure: %s", rec.Body.String())
			}
		})
	}
}

func TestMessagesBadJSON(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+defaultAPIKey)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestMessagesStreaming(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/messages", defaultAPIKey, messagesBody(defaultModel, true))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	body := rec.Body.String()
	frames := strings.Count(body, "data: ")
	if frames < 3 {
		t.Errorf("expected at least message_start, one delta and message_stop, got %d frames", frames)
	}
	if !strings.Contains(body, "event: message_stop") {
		t.Error("expected a terminating message_stop event")
	}
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

func TestRateLimiting(t *testing.T) {
	s := newTestServer(t, WithRateLimit(2))

	for i := 0; i < 2; i++ {
		rec := doRequest(t, s, http.MethodPost, "/v1/messages", defaultAPIKey, messagesBody(defaultModel, false))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected admission, got %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Remaining") == "" {
			t.Error("admitted responses should carry rate limit headers")
		}
	}

	rec := doRequest(t, s, http.MethodPost, "/v1/messages", defaultAPIKey, messagesBody(defaultModel, false))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the limit, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("429 must carry the reset header")
	}
}

func TestWindowLimiterReset(t *testing.T) {
	l := newWindowLimiter(1)
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	if ok, _, _ := l.Allow(); !ok {
		t.Fatal("first request should be admitted")
	}
	if ok, _, _ := l.Allow(); ok {
		t.Fatal("second request should be limited")
	}

	current = current.Add(61 * time.Second)
	ok, remaining, reset := l.Allow()
	if !ok {
		t.Fatal("request after the window should be admitted")
	}
	if remaining != 0 {
		t.Errorf("expected 0 remaining in fresh window of 1, got %d", remaining)
	}
	if want := current.Add(time.Minute); !reset.Equal(want) {
		t.Errorf("expected reset %v, got %v", want, reset)
	}
}

// =============================================================================
// Failure Injection Tests
// =============================================================================

func TestFailEveryWithFallback(t *testing.T) {
	s := newTestServer(t, WithFailEvery(3), WithFallbackModel("fallback-model"))

	var served []string
	for i := 0; i < 6; i++ {
		rec := doRequest(t, s, http.MethodPost, "/v1/messages", defaultAPIKey, messagesBody("primary-model", false))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		var resp wire.MessagesResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		served = append(served, resp.Model)
	}

	want := []string{"primary-model", "primary-model", "fallback-model", "primary-model", "primary-model", "fallback-model"}
	for i := range want {
		if served[i] != want[i] {
			t.Errorf("request %d: expected %s, got %s", i+1, want[i], served[i])
		}
	}
}

func TestFailEveryWithoutFallback(t *testing.T) {
	s := newTestServer(t, WithFailEvery(2))

	first := doRequest(t, s, http.MethodPost, "/v1/messages", defaultAPIKey, messagesBody(defaultModel, false))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to serve, got %d", first.Code)
	}
	second := doRequest(t, s, http.MethodPost, "/v1/messages", defaultAPIKey, messagesBody(defaultModel, false))
	if second.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on the failure interval, got %d", second.Code)
	}
}

// =============================================================================
// Model Info Tests
// =============================================================================

func TestModelInfo(t *testing.T) {
	s := newTestServer(t, WithModels("model-a", "model-b"))
	rec := doRequest(t, s, http.MethodGet, "/model/info", defaultAPIKey, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list wire.ModelInfoList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding model list: %v", err)
	}
	if len(list.Data) != 2 || list.Data[0].ModelName != "model-a" {
		t.Errorf("unexpected model list: %+v", list)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on every response")
	}
}
