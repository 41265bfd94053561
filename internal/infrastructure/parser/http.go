// Package parser implements the scanner strategies and article extraction.
package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"Newsroom/internal/domain"
)

const (
	userAgent      = "Newsroom/1.0"
	defaultTimeout = 20 * time.Second
	maxBodyBytes   = 8 << 20
)

func defaultClient(client *http.Client) *http.Client {
	if client == nil {
		return &http.Client{Timeout: defaultTimeout}
	}
	return client
}

// get downloads url with the source credentials applied. Network failures,
// 429 and 5xx answers are transient; other non-200 answers are not.
func get(ctx context.Context, client *http.Client, url string, auth domain.SourceAuth, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if auth.Token != "" {
		header := auth.Header
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, auth.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, domain.Transient("fetch "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s returned %s", url, resp.Status)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return nil, domain.Transient("fetch "+url, err)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.Transient("read "+url, err)
	}
	return body, nil
}
