package domain

import (
	"fmt"
	"strings"
	"time"
)

// SourceType selects the scanner strategy for a source.
type SourceType string

const (
	SourceFeed  SourceType = "feed"
	SourceAPI   SourceType = "api"
	SourceOther SourceType = "other"
)

// TrustTier grades how much a source's content is trusted.
type TrustTier string

const (
	TrustTrusted  TrustTier = "trusted"
	TrustStandard TrustTier = "standard"
	TrustUnknown  TrustTier = "unknown"
)

// SourceAuth carries credentials sent on fetch.
type SourceAuth struct {
	Header string `json:"header,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Selectors configure the HTML listing scanner for "other" sources.
type Selectors struct {
	Item    string `json:"item,omitempty"`
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
	Link    string `json:"link,omitempty"`
	Date    string `json:"date,omitempty"`
	Layout  string `json:"layout,omitempty"`
}

// SourceConfig is the per-source monitoring policy.
type SourceConfig struct {
	Keywords     []string   `json:"keywords"`
	MinRelevance float64    `json:"min_relevance"`
	TrustTier    TrustTier  `json:"trust_tier"`
	Category     string     `json:"category,omitempty"`
	Languages    []string   `json:"languages,omitempty"`
	Auth         SourceAuth `json:"auth,omitempty"`
	Selectors    Selectors  `json:"selectors,omitempty"`
}

// Source is a registered feed/API to monitor.
type Source struct {
	ID            string
	Name          string
	Type          SourceType
	URL           string
	FetchInterval time.Duration
	IsActive      bool
	LastFetched   time.Time
	ErrorCount    int
	LastError     string
	Config        SourceConfig
}

// Due reports whether the source should be polled at now.
func (s Source) Due(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.LastFetched.IsZero() {
		return true
	}
	return !now.Before(s.LastFetched.Add(s.FetchInterval))
}

// Healthy is false once error_count reaches the threshold. Sources are never
// disabled automatically; this is surfaced for a human to act on.
func (s Source) Healthy(unhealthyAfter int) bool {
	if unhealthyAfter <= 0 {
		return true
	}
	return s.ErrorCount < unhealthyAfter
}

// Validate checks a source before it is registered or polled.
func (s Source) Validate() error {
	switch s.Type {
	case SourceFeed, SourceAPI, SourceOther:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown source type %q", s.Type)}
	}
	if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return &ValidationError{Field: "url", Reason: fmt.Sprintf("unsupported url %q", s.URL)}
	}
	if s.FetchInterval <= 0 {
		return &ValidationError{Field: "fetch_interval", Reason: "must be positive"}
	}
	if s.Config.MinRelevance < 0 || s.Config.MinRelevance > 1 {
		return &ValidationError{Field: "min_relevance", Reason: "must be within [0,1]"}
	}
	return nil
}
