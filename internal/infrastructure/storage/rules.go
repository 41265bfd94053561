package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

var ruleColumns = []string{
	"id", "scope", "target", "rule_type", "rule_value", "enforcement_action",
	"alternative_service", "is_active", "created_at",
}

// RuleRepository persists budget rules.
type RuleRepository struct {
	base
}

var _ ports.RuleRepository = (*RuleRepository)(nil)

func NewRuleRepository(db *sql.DB, timeout time.Duration) *RuleRepository {
	return &RuleRepository{base{db: db, timeout: timeout}}
}

// Create validates and stores an active rule.
func (r *RuleRepository) Create(ctx context.Context, rule domain.BudgetRule) (string, error) {
	rule.IsActive = true
	if err := rule.Validate(); err != nil {
		return "", err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	_, err := r.exec(ctx, psql.Insert("budget_rules").
		Columns("id", "scope", "target", "rule_type", "rule_value", "enforcement_action", "alternative_service", "is_active").
		Values(rule.ID, string(rule.Scope), rule.Target, string(rule.RuleType), rule.RuleValue,
			string(rule.Action), rule.AlternativeService, rule.IsActive))
	if err != nil {
		return "", fmt.Errorf("insert budget rule: %w", err)
	}
	return rule.ID, nil
}

func (r *RuleRepository) List(ctx context.Context) ([]domain.BudgetRule, error) {
	return r.list(ctx, nil)
}

// ListActive returns active rules in creation order, which decides ties
// between equally restrictive violations.
func (r *RuleRepository) ListActive(ctx context.Context) ([]domain.BudgetRule, error) {
	return r.list(ctx, sq.Eq{"is_active": true})
}

func (r *RuleRepository) list(ctx context.Context, where sq.Sqlizer) ([]domain.BudgetRule, error) {
	builder := psql.Select(ruleColumns...).From("budget_rules").OrderBy("created_at ASC", "id ASC")
	if where != nil {
		builder = builder.Where(where)
	}

	var rules []domain.BudgetRule
	err := r.query(ctx, builder, func(rows *sql.Rows) error {
		var (
			rule                    domain.BudgetRule
			scope, ruleType, action string
		)
		if err := rows.Scan(&rule.ID, &scope, &rule.Target, &ruleType, &rule.RuleValue,
			&action, &rule.AlternativeService, &rule.IsActive, &rule.CreatedAt); err != nil {
			return fmt.Errorf("scan budget rule: %w", err)
		}
		rule.Scope = domain.RuleScope(scope)
		rule.RuleType = domain.RuleType(ruleType)
		rule.Action = domain.Action(action)
		rules = append(rules, rule)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list budget rules: %w", err)
	}
	return rules, nil
}

// SetActive toggles a rule; unknown ids return ErrNotFound.
func (r *RuleRepository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.exec(ctx, psql.Update("budget_rules").Set("is_active", active).Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("update budget rule %s: %w", id, err)
	}
	if err := affectedOne(res, domain.ErrNotFound); err != nil {
		return fmt.Errorf("budget rule %s: %w", id, err)
	}
	return nil
}
