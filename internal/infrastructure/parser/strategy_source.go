package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
	"Newsroom/internal/scanner"
)

// StrategySource implements FeedFetcher via registered scanner strategies,
// picking one by source type.
type StrategySource struct {
	registry *scanner.Registry
	logger   *slog.Logger
}

var _ ports.FeedFetcher = (*StrategySource)(nil)

// NewStrategySource wires the scanner registry.
func NewStrategySource(reg *scanner.Registry, log *slog.Logger) *StrategySource {
	return &StrategySource{
		registry: reg,
		logger:   log,
	}
}

// Fetch runs the source's strategy and trims whitespace from the results.
func (s *StrategySource) Fetch(ctx context.Context, source domain.Source) ([]domain.FeedEntry, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}

	strategy, err := s.registry.For(source.Type)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source.Name, err)
	}

	s.debug("scan source", "source", source.Name, "scanner", strategy.Type(), "url", source.URL)
	entries, err := strategy.Scan(ctx, scanner.Request{Source: source})
	if err != nil {
		return nil, fmt.Errorf("scan source %s: %w", source.Name, err)
	}

	for i := range entries {
		entries[i].Title = strings.TrimSpace(entries[i].Title)
		entries[i].Link = strings.TrimSpace(entries[i].Link)
	}
	s.debug("source produced entries", "source", source.Name, "count", len(entries))
	return entries, nil
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
