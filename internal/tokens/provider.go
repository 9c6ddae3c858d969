package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrNoTokenService is returned when an OAuth account is used without a token
// service configured.
var ErrNoTokenService = errors.New("no token service configured")

// Config configuration for the token service client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Provider resolves OAuth token references through the external token
// service, which owns exchange and refresh. The core never sees refresh
// tokens, only short-lived access tokens.
type Provider struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewProvider creates a token service client
func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "tokens"),
	}
}

type resolveRequest struct {
	TokenRef string `json:"token_ref"`
}

type resolveResponse struct {
	AccessToken string `json:"access_token"`
}

// AccessToken resolves a token reference into a live access token.
func (p *Provider) AccessToken(ctx context.Context, tokenRef string) (string, error) {
	if p.cfg.BaseURL == "" {
		return "", ErrNoTokenService
	}

	payload, err := json.Marshal(resolveRequest{TokenRef: tokenRef})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/tokens/resolve", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token service error %d: %s", resp.StatusCode, b)
	}

	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token service returned empty token")
	}
	return out.AccessToken, nil
}
