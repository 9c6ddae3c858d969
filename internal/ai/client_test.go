package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildraft/maildraft/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "test-model",
		EmbedModel: "test-embed",
	}, slog.Default())
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func TestGenerateParsesStructuredReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		chatReply(t, w, `{"action":"reply","body":"Sounds good.","confidence":0.8}`)
	})

	draft, err := c.Generate(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, models.ActionReply, draft.Action)
	assert.Equal(t, "Sounds good.", draft.Body)
	assert.Equal(t, 0.8, draft.Confidence)
}

func TestGenerateToleratesMarkdownFences(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "```json\n{\"action\":\"ignore\",\"confidence\":0.95}\n```")
	})

	draft, err := c.Generate(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, models.ActionIgnore, draft.Action)
}

func TestGenerateMalformedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "I cannot answer in JSON today.")
	})

	_, err := c.Generate(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestGenerateMissingRequiredFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// A reply without a body is structurally invalid.
		chatReply(t, w, `{"action":"reply","confidence":0.9}`)
	})

	_, err := c.Generate(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestGenerateNoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"choices": []any{}}))
	})

	_, err := c.Generate(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestGenerateAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := c.Generate(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedOutput)
	assert.Contains(t, err.Error(), "429")
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"hello"}, req.Input)

		resp := map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedEmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": []any{}}))
	})

	_, err := c.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`prefix {"a":1} suffix`))
	assert.Equal(t, "no braces", extractJSON("no braces"))
}
