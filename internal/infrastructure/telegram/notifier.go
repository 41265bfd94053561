// Package telegram forwards operator messages to a chat through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Newsroom/internal/ports"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	// maxMessageRunes is the Bot API limit for one sendMessage text.
	maxMessageRunes = 4096
)

// ErrDisabled is returned when no bot token or chat is configured.
var ErrDisabled = errors.New("telegram notifier disabled")

// Notifier posts budget alerts and source health warnings to one chat.
type Notifier struct {
	token   string
	chat    string
	apiBase string
	http    *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		token:   strings.TrimSpace(botToken),
		chat:    strings.TrimSpace(chatID),
		apiBase: defaultAPIBase,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Enabled reports whether both token and chat are configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.token != "" && n.chat != ""
}

// apiResponse is the envelope every Bot API method answers with.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Notify sends message as plain text, truncated to the Bot API limit.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	if !n.Enabled() {
		return ErrDisabled
	}

	form := url.Values{
		"chat_id":                  {n.chat},
		"text":                     {truncate(message, maxMessageRunes)},
		"disable_web_page_preview": {"true"},
	}
	endpoint := n.apiBase + "/bot" + n.token + "/sendMessage"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.http.Do(req)
	if err != nil {
		// the url carries the token; keep it out of logs
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !body.OK {
		if body.Description != "" {
			return fmt.Errorf("telegram: %s (%d)", body.Description, resp.StatusCode)
		}
		return fmt.Errorf("telegram: unexpected status %s", resp.Status)
	}
	return nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
