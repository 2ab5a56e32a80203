package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatParsesToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["tools"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "Déjame revisar la agenda."},
				{"type": "tool_use", "id": "toolu_1", "name": "check_availability",
				 "input": {"service": "Corte", "date": "2026-03-02"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 120, "output_tokens": 45}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "Eres la recepcionista."},
			{Role: "user", Content: "Quiero un corte el lunes"},
		},
		Tools: []ToolDefinition{{
			Type: "function",
			Function: ToolFunctionSchema{
				Name:       "check_availability",
				Parameters: map[string]interface{}{"type": "object"},
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, "Déjame revisar la agenda.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "check_availability", resp.ToolCalls[0].Name)
	assert.Equal(t, "Corte", resp.ToolCalls[0].Arguments["service"])
	assert.Equal(t, 165, resp.Usage.TotalTokens)
}

func TestChatRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"content": [{"type": "text", "text": "hola"}], "stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 1}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	p.retryConfig = RetryConfig{MaxAttempts: 2, BaseDelay: 0, MaxDelay: 0}

	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hola"}}})
	require.NoError(t, err)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))

	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hola"}}})
	require.Error(t, err)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Status)
	assert.Equal(t, int32(1), calls.Load())
}
