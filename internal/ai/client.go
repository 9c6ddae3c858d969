package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maildraft/maildraft/pkg/models"
)

// ErrMalformedOutput marks a provider response that failed the structural
// validity check. The failure mode is provider non-determinism, so the
// pipeline retries generation once before giving up.
var ErrMalformedOutput = errors.New("malformed model output")

// Config configuration for the language-model client
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	Timeout    time.Duration
}

// Client talks to an OpenAI-compatible chat and embeddings API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a language-model client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "llm"),
	}
}

// message is a chat message in OpenAI format.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// post sends a JSON request and decodes the JSON response.
func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, b)
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Generate runs one drafting completion and parses the structured reply.
// A response missing required fields returns ErrMalformedOutput.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (*models.DraftResponse, error) {
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedOutput)
	}

	content := extractJSON(resp.Choices[0].Message.Content)
	var draft models.DraftResponse
	if err := json.Unmarshal([]byte(content), &draft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if !draft.Valid() {
		return nil, fmt.Errorf("%w: missing required fields for action %q", ErrMalformedOutput, draft.Action)
	}
	return &draft, nil
}

// Embed returns the embedding vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	req := embedRequest{Model: c.cfg.EmbedModel, Input: []string{text}}

	var resp embedResponse
	if err := c.post(ctx, "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// TestConnection verifies credentials with a minimal completion. Used by the
// settings collaborator.
func (c *Client) TestConnection(ctx context.Context) error {
	req := chatRequest{
		Model:    c.cfg.Model,
		Messages: []message{{Role: "user", Content: "ping"}},
	}
	var resp chatResponse
	return c.post(ctx, "/chat/completions", req, &resp)
}

// extractJSON pulls the first JSON object out of a completion, tolerating
// markdown fences around it.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			return content[start : end+1]
		}
	}
	return content
}
