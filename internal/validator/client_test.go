package validator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

func TestValidateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/validate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body ValidateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "turn_on", body.Request.Intent)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ValidateResponse{
			Status: 0,
			Decision: &models.Decision{
				Outcome:    models.OutcomeAllow,
				Confidence: 0.85,
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, zap.NewNop())
	decision, err := client.Validate(context.Background(),
		&models.GuardRequest{Intent: "turn_on", Device: "bedroom_light"},
		&models.EvalContext{Zone: "bedroom"},
	)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAllow, decision.Outcome)
	assert.InDelta(t, 0.85, decision.Confidence, 0.001)
	// 远端未标注来源时补标 remote
	assert.Equal(t, "remote", decision.Audit.Source)
}

func TestValidateHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, zap.NewNop())
	_, err := client.Validate(context.Background(), &models.GuardRequest{}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestValidateApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ValidateResponse{Status: 1001, Msg: "policy pack mismatch"})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, zap.NewNop())
	_, err := client.Validate(context.Background(), &models.GuardRequest{}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy pack mismatch")
}

func TestValidateEmptyDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ValidateResponse{Status: 0})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, zap.NewNop())
	_, err := client.Validate(context.Background(), &models.GuardRequest{}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty decision")
}

func TestValidateTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	// 超时远小于关键路径预算，超时后调用方走本地降级
	client := NewClient(server.URL, 50*time.Millisecond, zap.NewNop())
	_, err := client.Validate(context.Background(), &models.GuardRequest{}, nil)

	assert.Error(t, err)
}
