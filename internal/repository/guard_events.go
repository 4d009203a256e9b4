package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

// GuardEventsRepository 守护审计事件仓库（对应 guard_events 表）
//
// 只写入脱敏摘要：设备/区域标识、决策与风险级别，严禁写入原始语音文本
type GuardEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGuardEventsRepository 创建审计事件仓库
func NewGuardEventsRepository(db *sql.DB, logger *zap.Logger) *GuardEventsRepository {
	return &GuardEventsRepository{
		db:     db,
		logger: logger,
	}
}

// GuardEvent 审计事件行
type GuardEvent struct {
	EventID       string    `json:"event_id" db:"event_id"`
	HomeID        string    `json:"home_id" db:"home_id"`
	Category      string    `json:"category" db:"category"`
	Decision      string    `json:"decision" db:"decision"`
	RiskLevel     string    `json:"risk_level" db:"risk_level"`
	Zone          string    `json:"zone" db:"zone"`
	DeviceID      string    `json:"device_id" db:"device_id"`
	NeedConfirm   bool      `json:"need_confirm" db:"need_confirm"`
	ViolatedRules string    `json:"violated_rules" db:"violated_rules"` // JSONB
	Source        string    `json:"source" db:"source"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// CreateGuardEvent 写入一条审计事件
func (r *GuardEventsRepository) CreateGuardEvent(ctx context.Context, homeID, eventID string, decision *models.Decision) error {
	if homeID == "" {
		return fmt.Errorf("home_id is required")
	}
	if decision == nil {
		return fmt.Errorf("decision is required")
	}

	violated, err := json.Marshal(decision.ViolatedRules)
	if err != nil {
		return fmt.Errorf("failed to marshal violated rules: %w", err)
	}

	query := `
		INSERT INTO guard_events (
			event_id,
			home_id,
			category,
			decision,
			risk_level,
			zone,
			device_id,
			need_confirm,
			violated_rules,
			source,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		eventID,
		homeID,
		decision.Audit.Category,
		string(decision.Audit.Decision),
		decision.Audit.RiskLevel,
		decision.Audit.Zone,
		decision.Audit.DeviceID,
		decision.Audit.NeedConfirm,
		string(violated),
		decision.Audit.Source,
		decision.Audit.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create guard event: %w", err)
	}

	return nil
}

// GetGuardEvent 根据 event_id 获取单条审计事件（需验证 home_id）
func (r *GuardEventsRepository) GetGuardEvent(ctx context.Context, homeID, eventID string) (*GuardEvent, error) {
	if homeID == "" {
		return nil, fmt.Errorf("home_id is required")
	}
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := `
		SELECT
			event_id,
			home_id,
			category,
			decision,
			risk_level,
			zone,
			device_id,
			need_confirm,
			violated_rules,
			source,
			created_at
		FROM guard_events
		WHERE event_id = $1 AND home_id = $2
	`

	event := &GuardEvent{}
	err := r.db.QueryRowContext(ctx, query, eventID, homeID).Scan(
		&event.EventID,
		&event.HomeID,
		&event.Category,
		&event.Decision,
		&event.RiskLevel,
		&event.Zone,
		&event.DeviceID,
		&event.NeedConfirm,
		&event.ViolatedRules,
		&event.Source,
		&event.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("guard event not found: %s", eventID)
		}
		return nil, fmt.Errorf("failed to get guard event: %w", err)
	}

	return event, nil
}

// ListRecentGuardEvents 按时间倒序列出最近的审计事件
func (r *GuardEventsRepository) ListRecentGuardEvents(ctx context.Context, homeID string, limit int) ([]GuardEvent, error) {
	if homeID == "" {
		return nil, fmt.Errorf("home_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT
			event_id,
			home_id,
			category,
			decision,
			risk_level,
			zone,
			device_id,
			need_confirm,
			violated_rules,
			source,
			created_at
		FROM guard_events
		WHERE home_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, homeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list guard events: %w", err)
	}
	defer rows.Close()

	var events []GuardEvent
	for rows.Next() {
		event := GuardEvent{}
		if err := rows.Scan(
			&event.EventID,
			&event.HomeID,
			&event.Category,
			&event.Decision,
			&event.RiskLevel,
			&event.Zone,
			&event.DeviceID,
			&event.NeedConfirm,
			&event.ViolatedRules,
			&event.Source,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan guard event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}
