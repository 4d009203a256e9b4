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

// IncidentsRepository 紧急事件仓库（对应 incidents 表）
type IncidentsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIncidentsRepository 创建紧急事件仓库
func NewIncidentsRepository(db *sql.DB, logger *zap.Logger) *IncidentsRepository {
	return &IncidentsRepository{
		db:     db,
		logger: logger,
	}
}

// Incident 紧急事件行
type Incident struct {
	IncidentID string     `json:"incident_id" db:"incident_id"`
	HomeID     string     `json:"home_id" db:"home_id"`
	Category   string     `json:"category" db:"category"`
	Severity   int        `json:"severity" db:"severity"`
	Resolved   bool       `json:"resolved" db:"resolved"`
	Exhausted  bool       `json:"exhausted" db:"exhausted"`
	Attempts   string     `json:"attempts" db:"attempts"` // JSONB
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// CreateIncident 创建紧急事件记录
func (r *IncidentsRepository) CreateIncident(ctx context.Context, homeID, incidentID string, category models.SignalCategory, severity int, startedAt time.Time) error {
	if homeID == "" {
		return fmt.Errorf("home_id is required")
	}
	if incidentID == "" {
		return fmt.Errorf("incident_id is required")
	}

	query := `
		INSERT INTO incidents (
			incident_id,
			home_id,
			category,
			severity,
			resolved,
			exhausted,
			attempts,
			started_at
		) VALUES ($1, $2, $3, $4, false, false, '[]', $5)
		ON CONFLICT (incident_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query, incidentID, homeID, string(category), severity, startedAt)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}

	return nil
}

// CloseIncident 以终态关闭紧急事件（resolved 或 exhausted）
func (r *IncidentsRepository) CloseIncident(ctx context.Context, homeID string, session *models.EscalationSession) error {
	if homeID == "" {
		return fmt.Errorf("home_id is required")
	}
	if session == nil {
		return fmt.Errorf("session is required")
	}

	attempts, err := json.Marshal(session.Attempts)
	if err != nil {
		return fmt.Errorf("failed to marshal attempts: %w", err)
	}

	query := `
		UPDATE incidents
		SET resolved = $1,
		    exhausted = $2,
		    attempts = $3,
		    ended_at = $4
		WHERE incident_id = $5 AND home_id = $6
	`

	result, err := r.db.ExecContext(ctx, query,
		session.Resolved,
		session.Exhausted,
		string(attempts),
		time.Now(),
		session.IncidentID,
		homeID,
	)
	if err != nil {
		return fmt.Errorf("failed to close incident: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("incident not found: %s", session.IncidentID)
	}

	return nil
}

// GetIncident 根据 incident_id 获取紧急事件（需验证 home_id）
func (r *IncidentsRepository) GetIncident(ctx context.Context, homeID, incidentID string) (*Incident, error) {
	if homeID == "" {
		return nil, fmt.Errorf("home_id is required")
	}
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}

	query := `
		SELECT
			incident_id,
			home_id,
			category,
			severity,
			resolved,
			exhausted,
			attempts,
			started_at,
			ended_at
		FROM incidents
		WHERE incident_id = $1 AND home_id = $2
	`

	incident := &Incident{}
	err := r.db.QueryRowContext(ctx, query, incidentID, homeID).Scan(
		&incident.IncidentID,
		&incident.HomeID,
		&incident.Category,
		&incident.Severity,
		&incident.Resolved,
		&incident.Exhausted,
		&incident.Attempts,
		&incident.StartedAt,
		&incident.EndedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("incident not found: %s", incidentID)
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	return incident, nil
}
