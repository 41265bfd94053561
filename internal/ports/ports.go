package ports

import (
	"context"
	"time"

	"Newsroom/internal/domain"
)

// TaskRepository persists tasks. Claim and Finish are conditional updates so
// concurrent workers never process or finish the same task twice.
type TaskRepository interface {
	Insert(ctx context.Context, task domain.NewTask) (string, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	// ListPending returns pending tasks ordered by priority (high first), then age.
	ListPending(ctx context.Context, limit int) ([]domain.Task, error)
	// Claim moves a task from pending to processing or returns ErrConcurrencyConflict.
	Claim(ctx context.Context, id string, now time.Time) error
	// Finish writes a terminal outcome for a task currently in processing.
	Finish(ctx context.Context, id string, outcome domain.Outcome, now time.Time) error
	ListDeferredDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	// MarkRequeued sets requeued_at once; a second call returns ErrConcurrencyConflict.
	MarkRequeued(ctx context.Context, id string, now time.Time) error
	// FailAbandoned fails processing tasks whose claim is older than startedBefore
	// and returns how many it failed.
	FailAbandoned(ctx context.Context, startedBefore time.Time, details string, now time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}

// ItemRepository persists pipeline items. Advance only succeeds when the item is
// still in the expected predecessor stage.
type ItemRepository interface {
	// Create inserts the item or returns the existing one with the same signature.
	Create(ctx context.Context, item domain.PipelineItem) (domain.PipelineItem, bool, error)
	Get(ctx context.Context, id string) (domain.PipelineItem, error)
	Advance(ctx context.Context, id string, update domain.StageUpdate, now time.Time) error
	// Recent lists items created at or after since, newest first.
	Recent(ctx context.Context, since time.Time, limit int) ([]domain.PipelineItem, error)
	// ExistingSignatures returns which of the given signatures are already stored.
	ExistingSignatures(ctx context.Context, signatures []string) (map[string]bool, error)
}

// SourceRepository persists monitored sources and their health counters.
type SourceRepository interface {
	Create(ctx context.Context, source domain.Source) (string, error)
	Get(ctx context.Context, id string) (domain.Source, error)
	List(ctx context.Context) ([]domain.Source, error)
	ListActive(ctx context.Context) ([]domain.Source, error)
	RecordSuccess(ctx context.Context, id string, fetchedAt time.Time) error
	RecordFailure(ctx context.Context, id string, message string, at time.Time) error
}

// RuleRepository persists budget rules.
type RuleRepository interface {
	Create(ctx context.Context, rule domain.BudgetRule) (string, error)
	List(ctx context.Context) ([]domain.BudgetRule, error)
	// ListActive returns active rules in creation order.
	ListActive(ctx context.Context) ([]domain.BudgetRule, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// ViolationLog records every violated budget rule.
type ViolationLog interface {
	LogViolation(ctx context.Context, v domain.Violation) error
}

// AlertSink receives alerts raised by warn-class violations.
type AlertSink interface {
	RaiseAlert(ctx context.Context, alert domain.Alert) error
}

// Breaker runs calls behind named circuits shared by all workers.
type Breaker interface {
	Do(ctx context.Context, operation string, fn func(context.Context) error) error
	State(ctx context.Context, operation string) (domain.BreakerState, error)
}

// BudgetGate decides whether a metered call may go ahead and records its spend.
type BudgetGate interface {
	CheckPermission(ctx context.Context, caller, service string, estimatedCost float64) (domain.Decision, error)
	RecordUsage(ctx context.Context, caller, service string, cost float64) error
}

// Admission is the breaker store's answer to "may this call go ahead?".
type Admission int

const (
	// AdmitClosed lets the call through a closed circuit.
	AdmitClosed Admission = iota
	// AdmitProbe lets exactly one trial call through a half-open circuit.
	AdmitProbe
	// AdmitDenied short-circuits the call.
	AdmitDenied
)

// BreakerStore keeps circuit state in a shared store updated atomically.
type BreakerStore interface {
	Acquire(ctx context.Context, operation string, now time.Time, openTimeout time.Duration) (Admission, domain.BreakerState, error)
	RecordSuccess(ctx context.Context, operation string) error
	RecordFailure(ctx context.Context, operation string, now time.Time, threshold int, probe bool) (domain.BreakerState, error)
	State(ctx context.Context, operation string) (domain.BreakerState, error)
}

// QuotaLimits sizes the rolling allowance of a (caller, service) pair.
type QuotaLimits struct {
	Limit    int64
	Window   time.Duration
	Cooldown time.Duration
}

// QuotaStore consumes request quota atomically.
type QuotaStore interface {
	// Consume takes one request from the allowance. Allowed is false while the
	// caller is blocked; the returned quota never has negative remaining.
	Consume(ctx context.Context, caller, service string, limits QuotaLimits, now time.Time) (domain.RequestQuota, bool, error)
	Get(ctx context.Context, caller, service string) (domain.RequestQuota, error)
}

// UsageStore tracks spend per caller, service and globally.
type UsageStore interface {
	Record(ctx context.Context, caller, service string, cost float64, now time.Time) error
	Usage(ctx context.Context, caller, service string, now time.Time) (domain.Usage, error)
}

// ThrottleStore holds throttle cooldowns imposed by budget rules.
type ThrottleStore interface {
	Throttle(ctx context.Context, caller, service string, until, now time.Time) error
	ThrottledUntil(ctx context.Context, caller, service string, now time.Time) (time.Time, error)
}

// SignatureCache remembers content signatures recently accepted by any monitor.
type SignatureCache interface {
	// Claim returns false when the signature was already claimed within ttl.
	Claim(ctx context.Context, signature string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, signature string) error
}

// Generator calls a generative language model.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error)
}

// ServiceCatalog resolves generative services by id.
type ServiceCatalog interface {
	Lookup(id string) (domain.Service, Generator, bool)
	Default() string
}

// Enricher derives sentiment, entities, location and topics from raw content.
type Enricher interface {
	Enrich(ctx context.Context, raw domain.RawContent) (domain.ProcessedContent, error)
}

// FeedFetcher pulls ordered entries from a registered source.
type FeedFetcher interface {
	Fetch(ctx context.Context, source domain.Source) ([]domain.FeedEntry, error)
}

// ArticleExtractor downloads an article page and returns its readable text.
type ArticleExtractor interface {
	Extract(ctx context.Context, link string) (string, error)
}

// Notifier forwards short operator messages to Telegram or other channels.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Scheduler controls when recurring jobs execute.
type Scheduler interface {
	Schedule(spec string, name string, job func(time.Time)) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
