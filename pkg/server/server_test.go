package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/taopulse/internal/handlers"
	"github.com/aigoflow/taopulse/internal/models"
	"github.com/aigoflow/taopulse/internal/services"
	"github.com/aigoflow/taopulse/internal/store"
)

type stubDividends struct{}

func (stubDividends) Handle(ctx context.Context, subject models.Subject, trigger bool) (*models.DividendsAnswer, error) {
	return &models.DividendsAnswer{Dividends: models.Dividends{}, CollectedAt: time.Now().UTC(), RequestID: "r1"}, nil
}

func (stubDividends) Lookup(ctx context.Context, requestID string) (*models.RequestRecords, error) {
	return &models.RequestRecords{RequestID: requestID}, nil
}

type stubHealth struct{}

func (stubHealth) Check(ctx context.Context) services.HealthStatus {
	return services.HealthStatus{Status: "ok"}
}

type stubEvents struct{}

func (stubEvents) RecentEvents(ctx context.Context, limit int) ([]store.Event, error) {
	return nil, nil
}

func TestServerRoutes(t *testing.T) {
	s := NewServer(":0",
		handlers.NewDividendsHandler(stubDividends{}),
		handlers.NewHealthHandler(stubHealth{}, stubEvents{}))

	do := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	rec := do("/api/v1/tao_dividends?netuid=18")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"request_id":"r1"`)

	rec = do("/api/v1/tao_dividends?netuid=x")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"netuid must be a non-negative integer"}`, rec.Body.String())

	rec = do("/nowhere")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	assert.Equal(t, http.StatusOK, do("/health").Code)

	rec = do("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taopulse_requests_total")
}
