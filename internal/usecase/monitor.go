package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"Newsroom/internal/dedup"
	"Newsroom/internal/domain"
	"Newsroom/internal/metrics"
	"Newsroom/internal/ports"
	"Newsroom/internal/scoring"
)

const (
	DefaultMonitorConcurrency = 4
	DefaultSignatureTTL       = 7 * 24 * time.Hour
	DefaultUnhealthyAfter     = 5
	DefaultFetchTimeout       = 30 * time.Second
	MonitorOwner              = "monitor"
)

// MonitorConfig tunes polling.
type MonitorConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	Burst          int           `yaml:"burst"`
	HistoryLimit   int           `yaml:"historyLimit"`
	SignatureTTL   time.Duration `yaml:"signatureTTL"`
	UnhealthyAfter int           `yaml:"unhealthyAfter"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout"`
}

// MonitorDeps wires the source monitor.
type MonitorDeps struct {
	Sources    ports.SourceRepository
	Items      ports.ItemRepository
	Fetcher    ports.FeedFetcher
	Queue      Enqueuer
	Breaker    ports.Breaker
	Dedup      *dedup.Engine
	Signatures ports.SignatureCache
	Notifier   ports.Notifier
	Config     MonitorConfig
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

// MonitorReport summarises one pass.
type MonitorReport struct {
	Sources    int
	Fetched    int
	Duplicates int
	Discarded  int
	Enqueued   int
	Failed     int
}

func (r *MonitorReport) add(o MonitorReport) {
	r.Sources += o.Sources
	r.Fetched += o.Fetched
	r.Duplicates += o.Duplicates
	r.Discarded += o.Discarded
	r.Enqueued += o.Enqueued
	r.Failed += o.Failed
}

// SourceHealth is one row of the health listing.
type SourceHealth struct {
	Source  domain.Source
	Healthy bool
	Circuit domain.BreakerState
}

// Monitor polls due sources and turns new relevant entries into fetch tasks.
type Monitor struct {
	sources    ports.SourceRepository
	items      ports.ItemRepository
	fetcher    ports.FeedFetcher
	queue      Enqueuer
	breaker    ports.Breaker
	dedup      *dedup.Engine
	signatures ports.SignatureCache
	notifier   ports.Notifier
	cfg        MonitorConfig
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewMonitor applies defaults.
func NewMonitor(deps MonitorDeps) *Monitor {
	cfg := deps.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultMonitorConcurrency
	}
	if cfg.SignatureTTL <= 0 {
		cfg.SignatureTTL = DefaultSignatureTTL
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = DefaultUnhealthyAfter
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	m := &Monitor{
		sources:    deps.Sources,
		items:      deps.Items,
		fetcher:    deps.Fetcher,
		queue:      deps.Queue,
		breaker:    deps.Breaker,
		dedup:      deps.Dedup,
		signatures: deps.Signatures,
		notifier:   deps.Notifier,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Clock,
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.dedup == nil {
		m.dedup = dedup.NewEngine(dedup.Config{})
	}
	if m.cfg.HistoryLimit <= 0 {
		m.cfg.HistoryLimit = m.dedup.MaxComparisons()
	}
	return m
}

// batch collects signatures and records accepted during one pass so sources
// polled concurrently do not enqueue the same story twice.
type batch struct {
	mu      sync.Mutex
	history []dedup.Record
	seen    map[string]struct{}
}

func (b *batch) snapshot() []dedup.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]dedup.Record(nil), b.history...)
}

// accept reports false when the signature was already accepted in this pass.
func (b *batch) accept(signature string, rec dedup.Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[signature]; ok {
		return false
	}
	b.seen[signature] = struct{}{}
	// newest first, matching repository order
	b.history = append([]dedup.Record{rec}, b.history...)
	return true
}

// RunDue polls every active source due at now.
func (m *Monitor) RunDue(ctx context.Context, now time.Time) (MonitorReport, error) {
	var report MonitorReport

	sources, err := m.sources.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("list active sources: %w", err)
	}

	due := sources[:0:0]
	for _, src := range sources {
		if src.Due(now) {
			due = append(due, src)
		}
	}
	if len(due) == 0 {
		return report, nil
	}

	history, err := m.history(ctx, now)
	if err != nil {
		return report, err
	}
	b := &batch{history: history, seen: map[string]struct{}{}}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	for _, src := range due {
		g.Go(func() error {
			if err := m.limiter.Wait(gctx); err != nil {
				return err
			}
			r := m.pollSource(gctx, src, b, now)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	m.logger.Info("monitor pass finished",
		"sources", report.Sources,
		"fetched", report.Fetched,
		"duplicates", report.Duplicates,
		"discarded", report.Discarded,
		"enqueued", report.Enqueued,
		"failed", report.Failed)
	return report, nil
}

func (m *Monitor) history(ctx context.Context, now time.Time) ([]dedup.Record, error) {
	if m.items == nil {
		return nil, nil
	}
	items, err := m.items.Recent(ctx, now.Add(-m.dedup.Window()), m.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load dedup history: %w", err)
	}
	records := make([]dedup.Record, 0, len(items))
	for _, item := range items {
		records = append(records, dedup.Record{
			ID:        item.ID,
			Content:   dedup.Content{Title: item.Raw.Title, Summary: item.Raw.Summary, Body: item.Raw.Body},
			TitleKey:  item.TitleKey,
			CreatedAt: item.CreatedAt,
		})
	}
	return records, nil
}

// pollSource never returns an error; failures are recorded on the source.
func (m *Monitor) pollSource(ctx context.Context, src domain.Source, b *batch, now time.Time) MonitorReport {
	report := MonitorReport{Sources: 1}
	log := m.logger.With("source_id", src.ID, "source", src.Name)

	entries, err := m.fetch(ctx, src)
	if err != nil {
		report.Failed++
		m.recordFailure(ctx, src, err, now, log)
		return report
	}
	if err := m.sources.RecordSuccess(ctx, src.ID, now); err != nil {
		log.Error("record source success", "error", err)
	}
	report.Fetched = len(entries)

	signatures := make([]string, 0, len(entries))
	for _, e := range entries {
		signatures = append(signatures, dedup.Compute(entryContent(e)).Signature)
	}
	stored := map[string]bool{}
	if m.items != nil && len(signatures) > 0 {
		if stored, err = m.items.ExistingSignatures(ctx, signatures); err != nil {
			log.Error("lookup stored signatures", "error", err)
			stored = map[string]bool{}
		}
	}

	for i, entry := range entries {
		outcome := m.consider(ctx, src, entry, signatures[i], stored, b, now, log)
		m.metrics.MonitorEntry(outcome)
		switch outcome {
		case outcomeEnqueued:
			report.Enqueued++
		case outcomeDuplicate:
			report.Duplicates++
		case outcomeFailed:
			report.Failed++
		default:
			report.Discarded++
		}
	}
	return report
}

const (
	outcomeEnqueued  = "enqueued"
	outcomeDuplicate = "duplicate"
	outcomeDiscarded = "discarded"
	outcomeInvalid   = "invalid"
	outcomeFailed    = "failed"
)

func (m *Monitor) consider(ctx context.Context, src domain.Source, entry domain.FeedEntry, signature string,
	stored map[string]bool, b *batch, now time.Time, log *slog.Logger,
) string {
	entry = normalizeEntry(entry)
	if entry.Title == "" && entry.Link == "" {
		log.Debug("entry discarded", "error", &domain.ValidationError{Field: "entry", Reason: "title or link required"})
		return outcomeInvalid
	}
	if stored[signature] {
		return outcomeDuplicate
	}

	content := entryContent(entry)
	if res := m.dedup.Check(content, b.snapshot(), now); res.Duplicate {
		log.Debug("duplicate entry", "title", entry.Title, "matched", res.MatchedID, "reason", res.Reason, "similarity", res.Similarity)
		return outcomeDuplicate
	}

	relevance := scoring.Relevance(strings.Join([]string{entry.Title, entry.Summary, entry.Body}, " "), src.Config.Keywords)
	if relevance < src.Config.MinRelevance {
		log.Debug("entry below relevance", "title", entry.Title, "relevance", relevance, "min", src.Config.MinRelevance)
		return outcomeDiscarded
	}

	fp := dedup.Compute(content)
	if !b.accept(signature, dedup.Record{ID: signature, Content: content, TitleKey: fp.TitleKey, CreatedAt: now}) {
		return outcomeDuplicate
	}
	if m.signatures != nil {
		claimed, err := m.signatures.Claim(ctx, signature, m.cfg.SignatureTTL)
		if err != nil {
			log.Warn("signature cache unavailable", "error", err)
		} else if !claimed {
			return outcomeDuplicate
		}
	}

	_, err := m.queue.Enqueue(ctx, domain.NewTask{
		Owner:     MonitorOwner,
		Priority:  scoring.PriorityFor(relevance),
		SourceURL: entry.Link,
		Payload: domain.FetchPayload{
			SourceID:  src.ID,
			Entry:     entry,
			Relevance: relevance,
			Signature: signature,
		},
	})
	if err != nil {
		log.Error("enqueue fetch task", "title", entry.Title, "error", err)
		if m.signatures != nil {
			if rerr := m.signatures.Release(context.WithoutCancel(ctx), signature); rerr != nil {
				log.Warn("release signature", "error", rerr)
			}
		}
		return outcomeFailed
	}
	return outcomeEnqueued
}

func (m *Monitor) fetch(ctx context.Context, src domain.Source) ([]domain.FeedEntry, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	var entries []domain.FeedEntry
	call := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		defer cancel()

		var err error
		entries, err = m.fetcher.Fetch(ctx, src)
		return err
	}

	var err error
	if m.breaker == nil {
		err = call(ctx)
	} else {
		err = m.breaker.Do(ctx, fetchOperation(src.ID), call)
	}
	return entries, err
}

func (m *Monitor) recordFailure(ctx context.Context, src domain.Source, cause error, now time.Time, log *slog.Logger) {
	if errors.Is(cause, domain.ErrCircuitOpen) {
		log.Info("source circuit open, skipped", "error", cause)
		return
	}
	log.Warn("source fetch failed", "error", cause)

	ctx = context.WithoutCancel(ctx)
	if err := m.sources.RecordFailure(ctx, src.ID, cause.Error(), now); err != nil {
		log.Error("record source failure", "error", err)
		return
	}
	if src.ErrorCount+1 != m.cfg.UnhealthyAfter || m.notifier == nil {
		return
	}
	msg := fmt.Sprintf("Source %q (%s) failed %d times in a row: %v", src.Name, src.URL, m.cfg.UnhealthyAfter, cause)
	if err := m.notifier.Notify(ctx, msg); err != nil {
		log.Warn("notify unhealthy source", "error", err)
	}
}

// Health lists every registered source with its circuit state.
func (m *Monitor) Health(ctx context.Context) ([]SourceHealth, error) {
	sources, err := m.sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]SourceHealth, 0, len(sources))
	for _, src := range sources {
		h := SourceHealth{Source: src, Healthy: src.Healthy(m.cfg.UnhealthyAfter)}
		if m.breaker != nil {
			state, err := m.breaker.State(ctx, fetchOperation(src.ID))
			if err != nil {
				return nil, fmt.Errorf("circuit state of %s: %w", src.ID, err)
			}
			h.Circuit = state
		}
		out = append(out, h)
	}
	return out, nil
}

func fetchOperation(sourceID string) string {
	return "fetch:" + sourceID
}

func normalizeEntry(e domain.FeedEntry) domain.FeedEntry {
	e.Title = strings.TrimSpace(e.Title)
	e.Summary = strings.TrimSpace(e.Summary)
	e.Body = strings.TrimSpace(e.Body)
	e.Link = strings.TrimSpace(e.Link)
	return e
}

func entryContent(e domain.FeedEntry) dedup.Content {
	return dedup.Content{Title: e.Title, Summary: e.Summary, Body: e.Body}
}
