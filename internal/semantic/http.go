// Package semantic is the HTTP client for an external merge completion
// service, used by the resolver's semantic merge strategy.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/errors"
)

// Config holds client settings.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

type completionRequest struct {
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Content string `json:"content"`
}

// Client implements resolver.Completer against a JSON completion
// endpoint. Failures surface to the resolver, which falls back to
// last-write-wins rather than block.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

func (c *Client) Complete(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(completionRequest{Prompt: prompt})
	if err != nil {
		return nil, errors.Codec("failed to encode completion request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal("failed to build completion request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Sync("completion request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Sync(fmt.Sprintf("completion service returned %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Sync("failed to read completion response", err)
	}

	var completion completionResponse
	if err := json.Unmarshal(data, &completion); err != nil {
		return nil, errors.Codec("failed to decode completion response", err)
	}
	return []byte(completion.Content), nil
}
