package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/taopulse/internal/models"
	"github.com/aigoflow/taopulse/internal/store"
)

func TestGormRepository(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "repo.sqlite"))
	require.NoError(t, err)
	defer db.Close()

	repo := NewGormRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.Ping(ctx))
	require.NoError(t, repo.Records().EnsureSchema(ctx))

	rec := &models.SentimentRecord{
		RecordBase:  models.NewRecordBase("req-7", 2*time.Second, true, ""),
		Netuid:      7,
		Score:       -12,
		TweetsCount: 4,
	}
	require.NoError(t, repo.Records().WriteBatch(ctx, models.KindSentiment, []models.Record{rec}))

	got, err := repo.Records().GetByRequestID(ctx, "req-7")
	require.NoError(t, err)
	require.NotNil(t, got.Sentiment)
	assert.Equal(t, -12, got.Sentiment.Score)
	assert.Nil(t, got.Trade)

	require.NoError(t, repo.Event().LogEvent(ctx, "info", "startup", "Server starting", map[string]interface{}{"http_addr": ":8000"}))
	events, err := repo.Event().RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "startup", events[0].Code)
	assert.JSONEq(t, `{"http_addr":":8000"}`, events[0].Meta)
}

func TestLogEventReportsFailure(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "repo.sqlite"))
	require.NoError(t, err)

	events := NewGormRepository(db).Event()
	require.NoError(t, db.EnsureSchema(context.Background()))
	require.NoError(t, db.Close())

	err = events.LogEvent(context.Background(), "error", "http.failed", "HTTP server failed", nil)
	assert.Error(t, err)
}
