package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config configuration for the similarity-search client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ScoredExample is one ranked result from a similarity search.
type ScoredExample struct {
	ID    string         `json:"id"`
	Score float64        `json:"score"`
	Text  string         `json:"text"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Client talks to the vector similarity-search service. The service is an
// opaque context-retrieval oracle; this client only moves JSON.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a similarity-search client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "vector"),
	}
}

type upsertRequest struct {
	ID     string         `json:"id"`
	Vector []float32      `json:"vector"`
	Meta   map[string]any `json:"meta"`
}

type searchRequest struct {
	UserID         int64     `json:"user_id"`
	Vector         []float32 `json:"vector"`
	Relationship   string    `json:"relationship,omitempty"`
	Limit          int       `json:"limit"`
	ScoreThreshold float64   `json:"score_threshold"`
}

type searchResponse struct {
	Results []ScoredExample `json:"results"`
}

// do sends a JSON request and decodes the JSON response into out (may be nil).
func (c *Client) do(ctx context.Context, path string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vector service error %d: %s", resp.StatusCode, b)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Upsert stores one embedding with its metadata.
func (c *Client) Upsert(ctx context.Context, id string, vec []float32, meta map[string]any) error {
	return c.do(ctx, "/points/upsert", upsertRequest{ID: id, Vector: vec, Meta: meta}, nil)
}

// Search returns the ranked examples most similar to the query vector,
// scoped to one user and optionally one relationship.
func (c *Client) Search(ctx context.Context, userID int64, vec []float32, relationship string, limit int, threshold float64) ([]ScoredExample, error) {
	req := searchRequest{
		UserID:         userID,
		Vector:         vec,
		Relationship:   relationship,
		Limit:          limit,
		ScoreThreshold: threshold,
	}
	var resp searchResponse
	if err := c.do(ctx, "/points/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}
