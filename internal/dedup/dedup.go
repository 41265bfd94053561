// Package dedup fingerprints incoming content and detects near-duplicates
// against recent pipeline history.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	// DefaultThreshold is the Jaccard similarity above which two items are duplicates.
	DefaultThreshold = 0.70
	// DefaultWindow bounds how far back history is compared.
	DefaultWindow = 7 * 24 * time.Hour
	// DefaultMaxComparisons caps the similarity scan.
	DefaultMaxComparisons = 100

	minTokenLength = 4
)

// Content is the normalisable part of an item.
type Content struct {
	Title   string
	Summary string
	Body    string
}

// Fingerprint is the stable signature of a content item.
type Fingerprint struct {
	// Signature hashes normalised title+summary+body.
	Signature string
	// TitleKey hashes the normalised title only; empty when there is no title.
	TitleKey string
}

// Record is one historical item the candidate is compared against.
type Record struct {
	ID        string
	Content   Content
	TitleKey  string
	CreatedAt time.Time
}

// Result explains a duplicate check.
type Result struct {
	Duplicate  bool
	MatchedID  string
	Similarity float64
	Reason     string
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	Threshold      float64       `yaml:"threshold"`
	Window         time.Duration `yaml:"window"`
	MaxComparisons int           `yaml:"maxComparisons"`
}

// Engine runs the cheap title check and the bounded similarity scan.
type Engine struct {
	cfg Config
}

// NewEngine applies defaults to cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxComparisons <= 0 {
		cfg.MaxComparisons = DefaultMaxComparisons
	}
	return &Engine{cfg: cfg}
}

// Threshold returns the configured similarity threshold.
func (e *Engine) Threshold() float64 {
	return e.cfg.Threshold
}

// Window returns the configured history window.
func (e *Engine) Window() time.Duration {
	return e.cfg.Window
}

// MaxComparisons returns the configured scan cap.
func (e *Engine) MaxComparisons() int {
	return e.cfg.MaxComparisons
}

// Check compares candidate against history inside the window, newest first,
// capped at MaxComparisons.
func (e *Engine) Check(candidate Content, history []Record, now time.Time) Result {
	recent := e.trim(history, now)
	fp := Compute(candidate)

	for _, rec := range recent {
		key := rec.TitleKey
		if key == "" {
			key = titleKey(rec.Content.Title)
		}
		if fp.TitleKey != "" && key == fp.TitleKey {
			return Result{Duplicate: true, MatchedID: rec.ID, Similarity: 1, Reason: "title match"}
		}
	}

	tokens := Tokens(joined(candidate))
	best := Result{}
	for _, rec := range recent {
		sim := jaccard(tokens, Tokens(joined(rec.Content)))
		if sim > best.Similarity {
			best = Result{MatchedID: rec.ID, Similarity: sim}
		}
		if sim > e.cfg.Threshold {
			return Result{Duplicate: true, MatchedID: rec.ID, Similarity: sim, Reason: "similar content"}
		}
	}
	return best
}

func (e *Engine) trim(history []Record, now time.Time) []Record {
	cutoff := now.Add(-e.cfg.Window)
	recent := make([]Record, 0, len(history))
	for _, rec := range history {
		if !rec.CreatedAt.IsZero() && rec.CreatedAt.Before(cutoff) {
			continue
		}
		recent = append(recent, rec)
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})
	if len(recent) > e.cfg.MaxComparisons {
		recent = recent[:e.cfg.MaxComparisons]
	}
	return recent
}

// Compute returns the fingerprint of c.
func Compute(c Content) Fingerprint {
	return Fingerprint{
		Signature: hash(Normalize(c.Title) + "\n" + Normalize(c.Summary) + "\n" + Normalize(c.Body)),
		TitleKey:  titleKey(c.Title),
	}
}

// IsDuplicate reports whether candidate duplicates any of recent: exact title
// match first, then token-set Jaccard strictly above threshold.
func IsDuplicate(candidate Content, recent []Content, threshold float64) bool {
	key := titleKey(candidate.Title)
	for _, rec := range recent {
		if key != "" && key == titleKey(rec.Title) {
			return true
		}
	}

	tokens := Tokens(joined(candidate))
	for _, rec := range recent {
		if jaccard(tokens, Tokens(joined(rec))) > threshold {
			return true
		}
	}
	return false
}

// Similarity is the Jaccard index of the token sets of a and b.
func Similarity(a, b Content) float64 {
	return jaccard(Tokens(joined(a)), Tokens(joined(b)))
}

// Normalize lowercases, strips punctuation and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case !space && b.Len() > 0:
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens returns the set of normalised words longer than three characters.
func Tokens(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, word := range strings.Fields(Normalize(s)) {
		if len([]rune(word)) < minTokenLength {
			continue
		}
		set[word] = struct{}{}
	}
	return set
}

// jaccard is 0 when either set is empty: similarity is undefined, never a duplicate.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func joined(c Content) string {
	return c.Title + " " + c.Summary + " " + c.Body
}

func titleKey(title string) string {
	n := Normalize(title)
	if n == "" {
		return ""
	}
	return hash(n)
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
