package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

// BudgetLog appends violations and alerts.
type BudgetLog struct {
	base
}

var (
	_ ports.ViolationLog = (*BudgetLog)(nil)
	_ ports.AlertSink    = (*BudgetLog)(nil)
)

func NewBudgetLog(db *sql.DB, timeout time.Duration) *BudgetLog {
	return &BudgetLog{base{db: db, timeout: timeout}}
}

func (l *BudgetLog) LogViolation(ctx context.Context, v domain.Violation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	_, err := l.exec(ctx, psql.Insert("budget_violations").
		Columns("id", "caller_id", "service_id", "rule_id", "action", "message", "created_at").
		Values(v.ID, v.CallerID, v.ServiceID, v.RuleID, string(v.Action), v.Message, v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert budget violation: %w", err)
	}
	return nil
}

func (l *BudgetLog) RaiseAlert(ctx context.Context, a domain.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := l.exec(ctx, psql.Insert("budget_alerts").
		Columns("id", "caller_id", "rule_id", "current_usage", "limit_value", "message", "created_at").
		Values(a.ID, a.CallerID, a.RuleID, a.CurrentUsage, a.Limit, a.Message, a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert budget alert: %w", err)
	}
	return nil
}
