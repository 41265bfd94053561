// Package ml talks to a remote inference service for enrichment.
package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

// Client implements ports.Enricher against POST <endpoint>/analyze. When a
// fallback is set, remote failures are logged and the fallback answers.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	fallback ports.Enricher
	logger   *slog.Logger
}

var _ ports.Enricher = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string, timeout time.Duration, fallback ports.Enricher, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		fallback: fallback,
		logger:   logger,
	}
}

// Enrich sends the raw content for sentiment, entity, location and topic
// extraction.
func (c *Client) Enrich(ctx context.Context, raw domain.RawContent) (domain.ProcessedContent, error) {
	payload := map[string]any{
		"title":   raw.Title,
		"summary": raw.Summary,
		"body":    raw.Body,
	}

	var out domain.ProcessedContent
	err := c.post(ctx, "/analyze", payload, &out)
	if err == nil {
		if out.Category == "" && len(out.Topics) > 0 {
			out.Category = out.Topics[0]
		}
		return out, nil
	}
	if c.fallback == nil || ctx.Err() != nil {
		return domain.ProcessedContent{}, err
	}

	c.logger.Warn("remote enrichment failed, using fallback", "error", err)
	return c.fallback.Enrich(ctx, raw)
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transient("ml "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode >= http.StatusInternalServerError {
			return domain.Transient("ml "+path, err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
