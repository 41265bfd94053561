// Package scanner holds the fetch strategies, one per source type.
package scanner

import (
	"context"
	"fmt"
	"sort"

	"Newsroom/internal/domain"
)

// Request is a single poll of one source.
type Request struct {
	Source domain.Source
}

// Scanner turns a source into ordered feed entries.
type Scanner interface {
	Type() domain.SourceType
	Scan(ctx context.Context, req Request) ([]domain.FeedEntry, error)
}

// Registry maps source types to strategies. The zero value is usable.
type Registry struct {
	byType map[domain.SourceType]Scanner
}

func NewRegistry(scanners ...Scanner) *Registry {
	r := &Registry{}
	for _, s := range scanners {
		r.Register(s)
	}
	return r
}

// Register installs s for its source type, replacing any previous strategy.
func (r *Registry) Register(s Scanner) {
	if r.byType == nil {
		r.byType = make(map[domain.SourceType]Scanner)
	}
	r.byType[s.Type()] = s
}

// For returns the strategy of a source type. An unregistered type is a
// validation error: the source can never be polled until one is wired.
func (r *Registry) For(t domain.SourceType) (Scanner, error) {
	if s, ok := r.byType[t]; ok {
		return s, nil
	}
	return nil, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("no scanner for source type %q", t)}
}

// Types lists the registered source types in sorted order.
func (r *Registry) Types() []domain.SourceType {
	out := make([]domain.SourceType, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
