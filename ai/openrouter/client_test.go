package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/prompter/ai/llm"
	"github.com/teranos/prompter/errors"
)

func newTestClient(t *testing.T, apiKey string, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		Name:       "openai",
		APIKey:     apiKey,
		BaseURL:    server.URL + "/v1/",
		HTTPClient: server.Client(),
	})
}

func TestClient_Generate(t *testing.T) {
	var got ChatCompletionRequest
	client := newTestClient(t, "sk-test", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(ChatCompletionResponse{
			ID:      "cmpl-1",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   "gpt-4o-mini-2024-07-18",
			Choices: []Choice{{Message: NewTextMessage("assistant", "hello there"), FinishReason: "stop"}},
			Usage:   Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		})
	})

	resp, err := client.Generate(context.Background(), llm.Request{
		SystemPrompt: "be brief",
		UserPrompt:   "say hi",
		Model:        "gpt-4o-mini",
		Temperature:  0,
		MaxTokens:    64,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
	assert.Equal(t, 30, resp.Tokens())
	assert.Equal(t, 10, resp.PromptTokens)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].TextContent())
	assert.Equal(t, "say hi", got.Messages[1].TextContent())
	require.NotNil(t, got.Temperature, "zero temperature must still be sent")
	assert.Equal(t, 0.0, *got.Temperature)
	assert.Equal(t, 64, got.MaxTokens)
}

func TestClient_NoSystemPromptNoKey(t *testing.T) {
	client := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 1)
		w.Write([]byte(`{"model":"","choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":2}}`))
	})
	assert.False(t, client.IsConfigured())

	resp, err := client.Generate(context.Background(), llm.Request{UserPrompt: "u", Model: "llama3.2"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "llama3.2", resp.Model)
	assert.Equal(t, 3, resp.Tokens())
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   errors.Kind
	}{
		{http.StatusUnauthorized, errors.KindProviderAuth},
		{http.StatusTooManyRequests, errors.KindProviderRateLimited},
		{http.StatusInternalServerError, errors.KindProviderServer},
		{http.StatusBadRequest, errors.KindProviderRequest},
	}
	for _, tt := range tests {
		client := newTestClient(t, "sk-secret-value", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error":{"message":"upstream said no"}}`))
		})
		_, err := client.Generate(context.Background(), llm.Request{UserPrompt: "u", Model: "m"})
		require.Error(t, err)
		assert.Equal(t, tt.kind, errors.KindOf(err), "status %d", tt.status)
		assert.NotContains(t, err.Error(), "sk-secret-value")
		assert.Contains(t, err.Error(), "upstream said no")
	}
}

func TestClient_MalformedResponses(t *testing.T) {
	t.Run("invalid json", func(t *testing.T) {
		client := newTestClient(t, "k", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		})
		_, err := client.Generate(context.Background(), llm.Request{UserPrompt: "u", Model: "m"})
		assert.Equal(t, errors.KindProviderServer, errors.KindOf(err))
	})

	t.Run("no choices", func(t *testing.T) {
		client := newTestClient(t, "k", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		})
		_, err := client.Generate(context.Background(), llm.Request{UserPrompt: "u", Model: "m"})
		assert.Equal(t, errors.KindProviderServer, errors.KindOf(err))
	})
}

func TestClient_Timeout(t *testing.T) {
	client := newTestClient(t, "k", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, llm.Request{UserPrompt: "u", Model: "m"})
	require.Error(t, err)
	assert.Equal(t, errors.KindProviderTimeout, errors.KindOf(err))
	assert.True(t, errors.IsTransient(err))
}

func TestClient_RemoteGuard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("guarded client must not reach a loopback server")
	}))
	defer server.Close()

	client := NewClient(Config{Name: "openrouter", APIKey: "k", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), llm.Request{UserPrompt: "u", Model: "m"})
	require.Error(t, err)
	assert.False(t, errors.IsTransient(err))
}

func TestMessage_TextContentParts(t *testing.T) {
	m := Message{Role: "assistant", Content: json.RawMessage(`[{"type":"text","text":"a"},{"type":"image_url"},{"type":"text","text":"b"}]`)}
	assert.Equal(t, "ab", m.TextContent())
}
