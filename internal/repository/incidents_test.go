package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

func TestCreateIncident(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewIncidentsRepository(db, zap.NewNop())
	now := time.Now()

	mock.ExpectExec("INSERT INTO incidents").
		WithArgs("inc-1", "home-1", "medical", 4, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.CreateIncident(context.Background(), "home-1", "inc-1", models.SignalMedical, 4, now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIncidentValidation(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewIncidentsRepository(db, zap.NewNop())

	err = repo.CreateIncident(context.Background(), "", "inc-1", models.SignalMedical, 4, time.Now())
	assert.ErrorContains(t, err, "home_id is required")

	err = repo.CreateIncident(context.Background(), "home-1", "", models.SignalMedical, 4, time.Now())
	assert.ErrorContains(t, err, "incident_id is required")
}

func TestCloseIncident(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewIncidentsRepository(db, zap.NewNop())

	session := &models.EscalationSession{
		IncidentID: "inc-1",
		Category:   models.SignalExplicit,
		Resolved:   true,
		Attempts: []models.ContactAttempt{
			{ContactID: "c1", State: models.AttemptConnected},
		},
	}

	mock.ExpectExec("UPDATE incidents").
		WithArgs(true, false, sqlmock.AnyArg(), sqlmock.AnyArg(), "inc-1", "home-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.CloseIncident(context.Background(), "home-1", session)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseIncidentNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewIncidentsRepository(db, zap.NewNop())

	session := &models.EscalationSession{IncidentID: "inc-missing", Exhausted: true}

	mock.ExpectExec("UPDATE incidents").
		WithArgs(false, true, sqlmock.AnyArg(), sqlmock.AnyArg(), "inc-missing", "home-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.CloseIncident(context.Background(), "home-1", session)
	assert.ErrorContains(t, err, "incident not found")
}

func TestGetIncident(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewIncidentsRepository(db, zap.NewNop())
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"incident_id", "home_id", "category", "severity",
		"resolved", "exhausted", "attempts", "started_at", "ended_at",
	}).AddRow("inc-1", "home-1", "medical", 4, true, false, `[{"contact_id":"c1"}]`, now, nil)

	mock.ExpectQuery("SELECT (.+) FROM incidents").
		WithArgs("inc-1", "home-1").
		WillReturnRows(rows)

	incident, err := repo.GetIncident(context.Background(), "home-1", "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "inc-1", incident.IncidentID)
	assert.True(t, incident.Resolved)
	assert.Equal(t, 4, incident.Severity)
	assert.Nil(t, incident.EndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
