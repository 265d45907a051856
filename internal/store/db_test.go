package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/taopulse/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestWriteBatchAndLookup(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	div := &models.DividendRecord{
		RecordBase:     models.NewRecordBase("req-1", 0, true, ""),
		Netuid:         models.IntPtr(18),
		TradeTriggered: true,
		Data:           `{"18":{"hk1":1000}}`,
	}
	tweets := &models.TweetRecord{
		RecordBase: models.NewRecordBase("req-1", 150*time.Millisecond, true, ""),
		Netuid:     18,
		Query:      "Bittensor netuid 18",
		ItemCount:  2,
		Items: []models.SignalItem{
			{Text: "to the moon", Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
			{Text: "meh", Timestamp: time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)},
		},
	}
	sentiment := &models.SentimentRecord{
		RecordBase:  models.NewRecordBase("req-1", time.Second, true, "ok"),
		Netuid:      18,
		Score:       42,
		TweetsCount: 2,
	}
	trade := &models.TradeRecord{
		RecordBase:     models.NewRecordBase("req-1", time.Second, true, "dry run"),
		Netuid:         18,
		Hotkey:         "hk1",
		Action:         "increase",
		Amount:         0.42,
		SentimentScore: 42,
	}

	require.NoError(t, db.WriteBatch(ctx, models.KindDividends, []models.Record{div}))
	require.NoError(t, db.WriteBatch(ctx, models.KindTweets, []models.Record{tweets}))
	require.NoError(t, db.WriteBatch(ctx, models.KindSentiment, []models.Record{sentiment}))
	require.NoError(t, db.WriteBatch(ctx, models.KindTrades, []models.Record{trade}))

	got, err := db.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got.Dividend)
	require.NotNil(t, got.Tweets)
	require.NotNil(t, got.Sentiment)
	require.NotNil(t, got.Trade)

	assert.Equal(t, 18, *got.Dividend.Netuid)
	assert.True(t, got.Dividend.TradeTriggered)
	assert.Len(t, got.Tweets.Items, 2)
	assert.Equal(t, "to the moon", got.Tweets.Items[0].Text)
	assert.Equal(t, 42, got.Sentiment.Score)
	assert.Equal(t, "increase", got.Trade.Action)
	assert.InDelta(t, 0.42, got.Trade.Amount, 1e-9)

	missing, err := db.GetByRequestID(ctx, "nope")
	require.NoError(t, err)
	assert.True(t, missing.Empty())
}

func TestWriteBatchRejectsMixedKinds(t *testing.T) {
	db := testDB(t)
	rec := &models.TradeRecord{RecordBase: models.NewRecordBase("req-2", 0, true, "")}

	err := db.WriteBatch(context.Background(), models.KindTweets, []models.Record{rec})
	assert.Error(t, err)

	n, err := db.CountByRequestID(context.Background(), models.KindTweets, "req-2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteBatchTwiceStoresOnce(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	batch := []models.Record{
		&models.TradeRecord{RecordBase: models.NewRecordBase("req-a", 0, true, ""), Netuid: 1, Hotkey: "hk1", Action: "increase"},
		&models.TradeRecord{RecordBase: models.NewRecordBase("req-b", 0, false, "signer down"), Netuid: 2, Hotkey: "hk2"},
	}
	require.NoError(t, db.WriteBatch(ctx, models.KindTrades, batch))
	// same rows again, e.g. after a commit whose ack was lost
	require.NoError(t, db.WriteBatch(ctx, models.KindTrades, batch))

	for _, id := range []string{"req-a", "req-b"} {
		n, err := db.CountByRequestID(ctx, models.KindTrades, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, id)
	}
}

func TestLogEventOnClosedDB(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Close())
	assert.Error(t, db.LogEvent(context.Background(), "info", "shutdown", "Server stopped", nil))
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	db := testDB(t)
	assert.NoError(t, db.WriteBatch(context.Background(), models.KindTrades, nil))
}

func TestEventLog(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.LogEvent(context.Background(), "info", "startup", "Server starting", map[string]interface{}{"http_addr": ":8000"}))

	events, err := db.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "startup", events[0].Code)
	assert.Contains(t, events[0].Meta, "http_addr")
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.False(t, isBusy(errors.New("boom")))
	assert.False(t, isBusy(nil))
}
