package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"Newsroom/internal/domain"
)

func TestRuleFlagsBuildValidRule(t *testing.T) {
	flags := ruleFlags{
		scope:       string(domain.ScopeSpecificService),
		target:      "claude",
		ruleType:    string(domain.RuleDaily),
		value:       12.5,
		action:      string(domain.ActionDowngrade),
		alternative: "gpt-mini",
	}
	rule, err := flags.rule()
	if err != nil {
		t.Fatalf("rule() error = %v", err)
	}
	if !rule.IsActive || rule.Target != "claude" || rule.AlternativeService != "gpt-mini" {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}

func TestRuleFlagsRejectDowngradeWithoutAlternative(t *testing.T) {
	flags := ruleFlags{
		scope:    string(domain.ScopeGlobal),
		ruleType: string(domain.RuleMonthly),
		value:    100,
		action:   string(domain.ActionDowngrade),
	}
	_, err := flags.rule()
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "alternative_service" {
		t.Fatalf("expected alternative_service validation error, got %v", err)
	}
}

func TestSourceFlagsMapSelectors(t *testing.T) {
	flags := sourceFlags{
		name:       " Gulf News ",
		sourceType: string(domain.SourceOther),
		url:        "https://example.com/latest",
		interval:   10 * time.Minute,
		trust:      string(domain.TrustTrusted),
		selectors:  map[string]string{"item": "article", "title": "h2", "link": "a"},
	}
	src, err := flags.source()
	if err != nil {
		t.Fatalf("source() error = %v", err)
	}
	if src.Name != "Gulf News" {
		t.Fatalf("name not trimmed: %q", src.Name)
	}
	if src.Config.Selectors.Item != "article" || src.Config.Selectors.Title != "h2" || src.Config.Selectors.Link != "a" {
		t.Fatalf("unexpected selectors: %+v", src.Config.Selectors)
	}
}

func TestSourceFlagsRejectBadURL(t *testing.T) {
	flags := sourceFlags{name: "x", sourceType: string(domain.SourceFeed), url: "ftp://x", interval: time.Minute}
	if _, err := flags.source(); err == nil {
		t.Fatal("expected url validation error")
	}
}

func TestRootCommandListsSubcommands(t *testing.T) {
	root := newRootCommand()
	want := []string{"serve", "monitor", "work", "requeue", "migrate", "rule", "task", "source"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q not registered: %v", name, err)
		}
	}
	for _, name := range []string{"retry", "stats", "reap"} {
		cmd, _, err := root.Find([]string{"task", name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("task subcommand %q not registered: %v", name, err)
		}
	}
}

func TestHelpDoesNotLoadConfig(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("rule")) {
		t.Fatalf("help output missing commands: %s", out.String())
	}
}

func TestFormatTime(t *testing.T) {
	if got := formatTime(time.Time{}); got != "never" {
		t.Fatalf("formatTime(zero) = %q", got)
	}
	ts := time.Date(2026, 5, 10, 10, 0, 0, 0, time.FixedZone("GST", 4*3600))
	if got := formatTime(ts); got != "2026-05-10T06:00:00Z" {
		t.Fatalf("formatTime = %q", got)
	}
}
