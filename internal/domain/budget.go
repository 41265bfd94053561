package domain

import (
	"fmt"
	"time"
)

// RuleScope decides which requests a budget rule applies to.
type RuleScope string

const (
	ScopeGlobal          RuleScope = "global"
	ScopeSpecificService RuleScope = "specific_service"
	ScopeSpecificUser    RuleScope = "specific_user"
)

// RuleType selects which tracked usage a rule compares against.
type RuleType string

const (
	RulePerRequest RuleType = "per_request_limit"
	RuleDaily      RuleType = "daily_limit"
	RuleMonthly    RuleType = "monthly_limit"
	RuleService    RuleType = "service_limit"
	RuleRate       RuleType = "rate_limit"
)

// Action is the enforcement taken when a rule is violated.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionWarn      Action = "warn"
	ActionDowngrade Action = "downgrade"
	ActionThrottle  Action = "throttle"
	ActionBlock     Action = "block"
)

// actionPrecedence is the explicit restrictiveness table: block > throttle >
// downgrade > warn > allow.
var actionPrecedence = map[Action]int{
	ActionAllow:     0,
	ActionWarn:      1,
	ActionDowngrade: 2,
	ActionThrottle:  3,
	ActionBlock:     4,
}

// Precedence returns the restrictiveness rank of a; unknown actions rank -1.
func (a Action) Precedence() int {
	if p, ok := actionPrecedence[a]; ok {
		return p
	}
	return -1
}

// MoreRestrictive reports whether a strictly outranks b.
func (a Action) MoreRestrictive(b Action) bool {
	return a.Precedence() > b.Precedence()
}

// Denies reports whether the action refuses the request.
func (a Action) Denies() bool {
	return a == ActionBlock || a == ActionThrottle || a == ActionDowngrade
}

// BudgetRule constrains spend or request volume.
type BudgetRule struct {
	ID                 string
	Scope              RuleScope
	Target             string
	RuleType           RuleType
	RuleValue          float64
	Action             Action
	AlternativeService string
	IsActive           bool
	CreatedAt          time.Time
}

// Applies reports whether the rule covers a (caller, service) request.
func (r BudgetRule) Applies(caller, service string) bool {
	if !r.IsActive {
		return false
	}
	switch r.Scope {
	case ScopeGlobal:
		return true
	case ScopeSpecificService:
		return r.Target == service
	case ScopeSpecificUser:
		return r.Target == caller
	}
	return false
}

// Validate checks a rule before it is stored.
func (r BudgetRule) Validate() error {
	switch r.Scope {
	case ScopeGlobal:
	case ScopeSpecificService, ScopeSpecificUser:
		if r.Target == "" {
			return &ValidationError{Field: "target", Reason: fmt.Sprintf("required for scope %s", r.Scope)}
		}
	default:
		return &ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", r.Scope)}
	}
	switch r.RuleType {
	case RulePerRequest, RuleDaily, RuleMonthly, RuleService, RuleRate:
	default:
		return &ValidationError{Field: "rule_type", Reason: fmt.Sprintf("unknown rule type %q", r.RuleType)}
	}
	if r.RuleValue < 0 {
		return &ValidationError{Field: "rule_value", Reason: "must not be negative"}
	}
	if r.Action == ActionAllow || r.Action.Precedence() < 0 {
		return &ValidationError{Field: "enforcement_action", Reason: fmt.Sprintf("unknown action %q", r.Action)}
	}
	if r.Action == ActionDowngrade && r.AlternativeService == "" {
		return &ValidationError{Field: "alternative_service", Reason: "required for downgrade"}
	}
	return nil
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed              bool
	Action               Action
	Reason               string
	SuggestedAlternative string
	RuleID               string
	RetryAfter           time.Time
	// RequestsRemaining is -1 when no quota applies.
	RequestsRemaining int64
}

// RequestQuota is the rolling allowance of one (caller, service) pair.
type RequestQuota struct {
	CallerID          string
	ServiceType       string
	RequestsRemaining int64
	ResetTime         time.Time
	BlockedUntil      time.Time
}

// Blocked reports whether the caller is still cooling down at now.
func (q RequestQuota) Blocked(now time.Time) bool {
	return !q.BlockedUntil.IsZero() && now.Before(q.BlockedUntil)
}

// BreakerState is the shared circuit state of one operation.
type BreakerState struct {
	OperationID     string
	FailureCount    int
	LastFailureTime time.Time
	IsOpen          bool
	ProbeUntil      time.Time
}

// Alert is raised for warn-class violations.
type Alert struct {
	ID           string
	CallerID     string
	RuleID       string
	CurrentUsage float64
	Limit        float64
	Message      string
	CreatedAt    time.Time
}

// Violation is logged for every violated rule regardless of action.
type Violation struct {
	ID        string
	CallerID  string
	ServiceID string
	RuleID    string
	Action    Action
	Message   string
	CreatedAt time.Time
}

// Usage is tracked spend relevant to one permission check.
type Usage struct {
	CallerDay    float64
	CallerMonth  float64
	ServiceMonth float64
	GlobalMonth  float64
}
