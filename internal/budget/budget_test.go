package budget_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Newsroom/internal/budget"
	"Newsroom/internal/domain"
	"Newsroom/internal/infrastructure/redisstore"
)

type fakeRules struct {
	rules []domain.BudgetRule
}

func (f *fakeRules) Create(_ context.Context, r domain.BudgetRule) (string, error) {
	f.rules = append(f.rules, r)
	return r.ID, nil
}

func (f *fakeRules) List(context.Context) ([]domain.BudgetRule, error) { return f.rules, nil }

func (f *fakeRules) ListActive(context.Context) ([]domain.BudgetRule, error) {
	var out []domain.BudgetRule
	for _, r := range f.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRules) SetActive(_ context.Context, id string, active bool) error {
	for i := range f.rules {
		if f.rules[i].ID == id {
			f.rules[i].IsActive = active
			return nil
		}
	}
	return domain.ErrNotFound
}

type recorder struct {
	mu         sync.Mutex
	violations []domain.Violation
	alerts     []domain.Alert
	notified   []string
}

func (r *recorder) LogViolation(_ context.Context, v domain.Violation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
	return nil
}

func (r *recorder) RaiseAlert(_ context.Context, a domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) Notify(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, msg)
	return nil
}

type fixture struct {
	enforcer *budget.Enforcer
	rules    *fakeRules
	rec      *recorder
	usage    *redisstore.UsageStore
	now      time.Time
}

func newFixture(t *testing.T, cfg budget.Config, quota budget.QuotaConfig, rules ...domain.BudgetRule) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		rules: &fakeRules{rules: rules},
		rec:   &recorder{},
		usage: redisstore.NewUsageStore(client, ""),
		now:   time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC),
	}
	f.enforcer = budget.NewEnforcer(budget.Deps{
		Rules:      f.rules,
		Usage:      f.usage,
		Quota:      redisstore.NewQuotaStore(client, ""),
		Throttle:   redisstore.NewThrottleStore(client, ""),
		Violations: f.rec,
		Alerts:     f.rec,
		Notifier:   f.rec,
		Config:     cfg,
		QuotaCfg:   quota,
		Clock:      func() time.Time { return f.now },
	})
	return f
}

func rule(id string, scope domain.RuleScope, target string, typ domain.RuleType, value float64, action domain.Action) domain.BudgetRule {
	r := domain.BudgetRule{
		ID:        id,
		Scope:     scope,
		Target:    target,
		RuleType:  typ,
		RuleValue: value,
		Action:    action,
		IsActive:  true,
	}
	if action == domain.ActionDowngrade {
		r.AlternativeService = "haiku"
	}
	return r
}

func TestAllowWithoutRules(t *testing.T) {
	t.Parallel()

	f := newFixture(t, budget.Config{}, budget.QuotaConfig{DefaultLimit: 3})
	d, err := f.enforcer.CheckPermission(context.Background(), "writer", "claude", 0.01)
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, domain.ActionAllow, d.Action)
	assert.EqualValues(t, 2, d.RequestsRemaining)
}

func TestMonthlyCeilingBlocksFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, budget.Config{MonthlyCeiling: 10}, budget.QuotaConfig{},
		rule("warn", domain.ScopeGlobal, "", domain.RulePerRequest, 0, domain.ActionWarn))
	ctx := context.Background()
	require.NoError(t, f.usage.Record(ctx, "someone", "gpt", 9.5, f.now))

	d, err := f.enforcer.CheckPermission(ctx, "writer", "claude", 1)
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ActionBlock, d.Action)
	assert.Contains(t, d.Reason, "ceiling")
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), d.RetryAfter)
	assert.Empty(t, f.rec.alerts, "rules are not evaluated once the ceiling rejects")
}

func TestMostRestrictiveViolationWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t, budget.Config{ThrottleCooldown: time.Hour, MaxThrottle: 10 * time.Minute}, budget.QuotaConfig{},
		rule("r-warn", domain.ScopeGlobal, "", domain.RulePerRequest, 0.1, domain.ActionWarn),
		rule("r-down", domain.ScopeSpecificService, "claude", domain.RulePerRequest, 0.1, domain.ActionDowngrade),
		rule("r-throttle", domain.ScopeSpecificUser, "writer", domain.RulePerRequest, 0.1, domain.ActionThrottle),
	)
	ctx := context.Background()

	d, err := f.enforcer.CheckPermission(ctx, "writer", "claude", 0.5)
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ActionThrottle, d.Action)
	assert.Equal(t, "r-throttle", d.RuleID)
	assert.Equal(t, f.now.Add(10*time.Minute), d.RetryAfter, "cooldown is bounded by max throttle")

	assert.Len(t, f.rec.violations, 3, "every violated rule is logged")
	require.Len(t, f.rec.alerts, 1)
	assert.Equal(t, "r-warn", f.rec.alerts[0].RuleID)
	assert.InDelta(t, 0.5, f.rec.alerts[0].CurrentUsage, 1e-9)
	assert.Len(t, f.rec.notified, 1)

	f.now = f.now.Add(5 * time.Minute)
	d, err = f.enforcer.CheckPermission(ctx, "writer", "claude", 0.01)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "active throttle denies before any rule")
	assert.Equal(t, domain.ActionThrottle, d.Action)
	assert.Len(t, f.rec.violations, 3)
}

func TestTiesGoToFirstRule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, budget.Config{}, budget.QuotaConfig{},
		rule("first", domain.ScopeGlobal, "", domain.RulePerRequest, 0.1, domain.ActionBlock),
		rule("second", domain.ScopeGlobal, "", domain.RulePerRequest, 0.1, domain.ActionBlock),
	)
	d, err := f.enforcer.CheckPermission(context.Background(), "writer", "claude", 1)
	require.NoError(t, err)
	assert.Equal(t, "first", d.RuleID)
}

func TestDowngradeSuggestsAlternative(t *testing.T) {
	t.Parallel()

	f := newFixture(t, budget.Config{}, budget.QuotaConfig{},
		rule("down", domain.ScopeSpecificService, "claude", domain.RuleService, 5, domain.ActionDowngrade))
	ctx := context.Background()
	require.NoError(t, f.enforcer.RecordUsage(ctx, "writer", "claude", 4.9))

	d, err := f.enforcer.CheckPermission(ctx, "writer", "claude", 0.2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ActionDowngrade, d.Action)
	assert.Equal(t, "haiku", d.SuggestedAlternative)

	d, err = f.enforcer.CheckPermission(ctx, "writer", "haiku", 0.2)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "the alternative is not covered by the service rule")
}

func TestWarnAllowsAndAlerts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, budget.Config{}, budget.QuotaConfig{},
		rule("daily", domain.ScopeSpecificUser, "writer", domain.RuleDaily, 1, domain.ActionWarn))
	ctx := context.Background()
	require.NoError(t, f.enforcer.RecordUsage(ctx, "writer", "claude", 0.95))

	d, err := f.enforcer.CheckPermission(ctx, "writer", "claude", 0.1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, domain.ActionWarn, d.Action)
	require.Len(t, f.rec.alerts, 1)
	assert.InDelta(t, 1.05, f.rec.alerts[0].CurrentUsage, 1e-9)
	assert.InDelta(t, 1, f.rec.alerts[0].Limit, 1e-9)

	d, err = f.enforcer.CheckPermission(ctx, "analyst", "claude", 0.1)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAllow, d.Action, "user-scoped rule ignores other callers")
}

func TestExhaustedQuotaIsRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, budget.Config{}, budget.QuotaConfig{DefaultLimit: 100, Cooldown: time.Minute},
		rule("rate", domain.ScopeSpecificService, "claude", domain.RuleRate, 1, domain.ActionBlock))
	ctx := context.Background()

	d, err := f.enforcer.CheckPermission(ctx, "writer", "claude", 0.01)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.EqualValues(t, 0, d.RequestsRemaining)

	d, err = f.enforcer.CheckPermission(ctx, "writer", "claude", 0.01)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, budget.ReasonRateLimited, d.Reason)
	assert.EqualValues(t, 0, d.RequestsRemaining)
	assert.Equal(t, f.now.Add(time.Minute), d.RetryAfter)

	denied := &domain.BudgetDeniedError{Decision: d}
	reason, retryAfter, ok := domain.IsDeferrable(denied)
	assert.True(t, ok)
	assert.Equal(t, budget.ReasonRateLimited, reason)
	assert.Equal(t, d.RetryAfter, retryAfter)

	f.now = f.now.Add(time.Minute)
	d, err = f.enforcer.CheckPermission(ctx, "writer", "claude", 0.01)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "quota and block clear together after the cooldown")
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()

	svc := domain.Service{MaxTokens: 1000, InputPricePer1K: 3, OutputPricePer1K: 15}
	assert.InDelta(t, 3+15.0, budget.EstimateCost(svc, 4000, 0), 1e-9)
	assert.InDelta(t, 3+7.5, budget.EstimateCost(svc, 4000, 500), 1e-9)
}
