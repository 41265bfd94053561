// Package budget decides whether a caller may spend on a metered service.
// All counters it consults live in shared stores; the enforcer itself is
// stateless and safe to run in any number of workers.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"Newsroom/internal/domain"
	"Newsroom/internal/metrics"
	"Newsroom/internal/ports"
)

const (
	DefaultThrottleCooldown = 5 * time.Minute
	DefaultMaxThrottle      = 30 * time.Minute
	DefaultQuotaLimit       = 60
	DefaultQuotaWindow      = time.Hour
	DefaultQuotaCooldown    = 10 * time.Minute

	// ReasonRateLimited is returned when the request quota is exhausted.
	ReasonRateLimited = "rate limit exceeded"

	charsPerToken = 4
)

// Config holds spend ceilings and throttle bounds.
type Config struct {
	MonthlyCeiling   float64       `yaml:"monthlyCeiling"`
	ThrottleCooldown time.Duration `yaml:"throttleCooldown"`
	MaxThrottle      time.Duration `yaml:"maxThrottle"`
	FallbackService  string        `yaml:"fallbackService"`
}

// QuotaConfig sizes request quotas when no rate_limit rule applies. A zero
// DefaultLimit disables the quota for pairs without a rate_limit rule.
type QuotaConfig struct {
	DefaultLimit int64         `yaml:"defaultLimit"`
	Window       time.Duration `yaml:"window"`
	Cooldown     time.Duration `yaml:"cooldown"`
}

// Deps wires the enforcer to its stores.
type Deps struct {
	Rules      ports.RuleRepository
	Usage      ports.UsageStore
	Quota      ports.QuotaStore
	Throttle   ports.ThrottleStore
	Violations ports.ViolationLog
	Alerts     ports.AlertSink
	Notifier   ports.Notifier
	Config     Config
	QuotaCfg   QuotaConfig
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Clock      func() time.Time
	NewID      func() string
}

// Enforcer evaluates budget rules, spend ceilings and request quotas.
type Enforcer struct {
	rules      ports.RuleRepository
	usage      ports.UsageStore
	quota      ports.QuotaStore
	throttle   ports.ThrottleStore
	violations ports.ViolationLog
	alerts     ports.AlertSink
	notifier   ports.Notifier
	cfg        Config
	quotaCfg   QuotaConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	newID      func() string
}

var _ ports.BudgetGate = (*Enforcer)(nil)

// NewEnforcer applies defaults.
func NewEnforcer(deps Deps) *Enforcer {
	cfg := deps.Config
	if cfg.ThrottleCooldown <= 0 {
		cfg.ThrottleCooldown = DefaultThrottleCooldown
	}
	if cfg.MaxThrottle <= 0 {
		cfg.MaxThrottle = DefaultMaxThrottle
	}
	quotaCfg := deps.QuotaCfg
	if quotaCfg.Window <= 0 {
		quotaCfg.Window = DefaultQuotaWindow
	}
	if quotaCfg.Cooldown <= 0 {
		quotaCfg.Cooldown = DefaultQuotaCooldown
	}

	e := &Enforcer{
		rules:      deps.Rules,
		usage:      deps.Usage,
		quota:      deps.Quota,
		throttle:   deps.Throttle,
		violations: deps.Violations,
		alerts:     deps.Alerts,
		notifier:   deps.Notifier,
		cfg:        cfg,
		quotaCfg:   quotaCfg,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Clock,
		newID:      deps.NewID,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// EstimateCost prices a call before it is made: prompt tokens approximated
// from characters plus the full completion allowance.
func EstimateCost(svc domain.Service, promptChars, maxTokens int) float64 {
	if maxTokens <= 0 {
		maxTokens = svc.MaxTokens
	}
	in := math.Ceil(float64(promptChars) / charsPerToken)
	return in/1000*svc.InputPricePer1K + float64(maxTokens)/1000*svc.OutputPricePer1K
}

// CheckPermission runs, in order: active throttle, the monthly ceiling, every
// matching budget rule, then the request quota. Only violations and quota
// consumption have side effects.
func (e *Enforcer) CheckPermission(ctx context.Context, caller, service string, estimatedCost float64) (domain.Decision, error) {
	decision, err := e.check(ctx, caller, service, estimatedCost)
	if err != nil {
		return domain.Decision{}, err
	}
	e.metrics.BudgetDecision(service, string(decision.Action))
	if !decision.Allowed {
		e.logger.Info("budget denied",
			"caller", caller,
			"service", service,
			"action", decision.Action,
			"reason", decision.Reason,
			"rule_id", decision.RuleID,
		)
	}
	return decision, nil
}

func (e *Enforcer) check(ctx context.Context, caller, service string, estimate float64) (domain.Decision, error) {
	now := e.now()

	if e.throttle != nil {
		until, err := e.throttle.ThrottledUntil(ctx, caller, service, now)
		if err != nil {
			return domain.Decision{}, fmt.Errorf("check throttle: %w", err)
		}
		if !until.IsZero() {
			return domain.Decision{
				Action:     domain.ActionThrottle,
				Reason:     fmt.Sprintf("throttled until %s", until.Format(time.RFC3339)),
				RetryAfter: until,
			}, nil
		}
	}

	usage, err := e.usage.Usage(ctx, caller, service, now)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("load usage: %w", err)
	}

	if e.cfg.MonthlyCeiling > 0 && usage.GlobalMonth+estimate > e.cfg.MonthlyCeiling {
		reason := fmt.Sprintf("monthly budget ceiling exceeded: %.4f > %.4f", usage.GlobalMonth+estimate, e.cfg.MonthlyCeiling)
		e.logViolation(ctx, caller, service, "", domain.ActionBlock, reason, now)
		return domain.Decision{
			Action:     domain.ActionBlock,
			Reason:     reason,
			RetryAfter: startOfNextMonth(now),
		}, nil
	}

	rules, err := e.rules.ListActive(ctx)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("load budget rules: %w", err)
	}

	var (
		winner       *domain.BudgetRule
		winnerReason string
		rateLimit    = e.quotaCfg.DefaultLimit
		rateRuleID   string
	)
	for i := range rules {
		rule := rules[i]
		if !rule.Applies(caller, service) {
			continue
		}
		if rule.RuleType == domain.RuleRate {
			if limit := int64(rule.RuleValue); rateRuleID == "" || limit < rateLimit {
				rateLimit, rateRuleID = limit, rule.ID
			}
			continue
		}

		current, violated := evaluate(rule, usage, estimate)
		if !violated {
			continue
		}

		reason := fmt.Sprintf("%s %s exceeded: %.4f > %.4f", rule.Scope, rule.RuleType, current, rule.RuleValue)
		e.logViolation(ctx, caller, service, rule.ID, rule.Action, reason, now)
		if rule.Action == domain.ActionWarn {
			e.raiseAlert(ctx, caller, rule, current, reason, now)
		}
		if winner == nil || rule.Action.MoreRestrictive(winner.Action) {
			winner, winnerReason = &rules[i], reason
		}
	}

	decision := domain.Decision{Allowed: true, Action: domain.ActionAllow, RequestsRemaining: -1}
	if winner != nil {
		switch winner.Action {
		case domain.ActionBlock:
			return domain.Decision{Action: domain.ActionBlock, Reason: winnerReason, RuleID: winner.ID}, nil
		case domain.ActionThrottle:
			return e.imposeThrottle(ctx, caller, service, winner.ID, winnerReason, now)
		case domain.ActionDowngrade:
			alternative := winner.AlternativeService
			if alternative == "" {
				alternative = e.cfg.FallbackService
			}
			if alternative == service {
				alternative = ""
			}
			return domain.Decision{
				Action:               domain.ActionDowngrade,
				Reason:               winnerReason,
				RuleID:               winner.ID,
				SuggestedAlternative: alternative,
			}, nil
		case domain.ActionWarn:
			decision.Action, decision.Reason, decision.RuleID = domain.ActionWarn, winnerReason, winner.ID
		}
	}

	if rateLimit <= 0 && rateRuleID == "" {
		return decision, nil
	}

	quota, allowed, err := e.quota.Consume(ctx, caller, service, ports.QuotaLimits{
		Limit:    rateLimit,
		Window:   e.quotaCfg.Window,
		Cooldown: e.quotaCfg.Cooldown,
	}, now)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("consume quota: %w", err)
	}
	if !allowed {
		e.logViolation(ctx, caller, service, rateRuleID, domain.ActionThrottle, ReasonRateLimited, now)
		return domain.Decision{
			Action:            domain.ActionThrottle,
			Reason:            ReasonRateLimited,
			RuleID:            rateRuleID,
			RetryAfter:        quota.BlockedUntil,
			RequestsRemaining: 0,
		}, nil
	}

	decision.RequestsRemaining = quota.RequestsRemaining
	return decision, nil
}

// evaluate compares a rule against tracked usage plus the estimate.
func evaluate(rule domain.BudgetRule, usage domain.Usage, estimate float64) (float64, bool) {
	var current float64
	switch rule.RuleType {
	case domain.RulePerRequest:
		current = estimate
	case domain.RuleDaily:
		current = usage.CallerDay + estimate
	case domain.RuleMonthly:
		current = usage.CallerMonth + estimate
	case domain.RuleService:
		current = usage.ServiceMonth + estimate
	default:
		return 0, false
	}
	return current, current > rule.RuleValue
}

func (e *Enforcer) imposeThrottle(ctx context.Context, caller, service, ruleID, reason string, now time.Time) (domain.Decision, error) {
	cooldown := min(e.cfg.ThrottleCooldown, e.cfg.MaxThrottle)
	until := now.Add(cooldown)
	if e.throttle != nil {
		if err := e.throttle.Throttle(ctx, caller, service, until, now); err != nil {
			return domain.Decision{}, fmt.Errorf("impose throttle: %w", err)
		}
	}
	return domain.Decision{
		Action:     domain.ActionThrottle,
		Reason:     reason,
		RuleID:     ruleID,
		RetryAfter: until,
	}, nil
}

func (e *Enforcer) logViolation(ctx context.Context, caller, service, ruleID string, action domain.Action, message string, now time.Time) {
	e.logger.Warn("budget rule violated",
		"caller", caller,
		"service", service,
		"rule_id", ruleID,
		"action", action,
		"message", message,
	)
	if e.violations == nil {
		return
	}
	err := e.violations.LogViolation(ctx, domain.Violation{
		ID:        e.newID(),
		CallerID:  caller,
		ServiceID: service,
		RuleID:    ruleID,
		Action:    action,
		Message:   message,
		CreatedAt: now,
	})
	if err != nil {
		e.logger.Error("persist violation failed", "rule_id", ruleID, "error", err)
	}
}

func (e *Enforcer) raiseAlert(ctx context.Context, caller string, rule domain.BudgetRule, current float64, message string, now time.Time) {
	alert := domain.Alert{
		ID:           e.newID(),
		CallerID:     caller,
		RuleID:       rule.ID,
		CurrentUsage: current,
		Limit:        rule.RuleValue,
		Message:      message,
		CreatedAt:    now,
	}
	if e.alerts != nil {
		if err := e.alerts.RaiseAlert(ctx, alert); err != nil {
			e.logger.Error("persist alert failed", "rule_id", rule.ID, "error", err)
		}
	}
	if e.notifier != nil {
		text := fmt.Sprintf("Budget warning for %s: %s", caller, message)
		if err := e.notifier.Notify(ctx, text); err != nil {
			e.logger.Warn("notify alert failed", "rule_id", rule.ID, "error", err)
		}
	}
}

// RecordUsage adds the actual cost of a completed call to the shared counters.
func (e *Enforcer) RecordUsage(ctx context.Context, caller, service string, cost float64) error {
	if err := e.usage.Record(ctx, caller, service, cost, e.now()); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	e.metrics.Spend(service, cost)
	return nil
}

func startOfNextMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
