package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestGetDividends(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tao_dividends", r.URL.Path)
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dividends":{"18":{"hk1":1000}},"collected_at":"2024-05-01T12:00:00Z","cached":true,"action_triggered":{"triggered":true,"subnet_id":18},"request_id":"01HZY"}`))
	}))
	defer srv.Close()

	answer, err := New(srv.URL+"/").GetDividends(context.Background(), intPtr(18), "hk1", true)
	require.NoError(t, err)

	assert.Equal(t, "hotkey=hk1&netuid=18&trade=true", query)
	assert.Equal(t, int64(1000), answer.Dividends[18]["hk1"])
	assert.True(t, answer.Cached)
	assert.True(t, answer.ActionTriggered.Triggered)
	assert.Equal(t, "01HZY", answer.RequestID)
}

func TestGetDividendsDefaultsSendNoQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"dividends":{},"request_id":"x"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetDividends(context.Background(), nil, "", false)
	require.NoError(t, err)
	assert.Empty(t, query)
}

func TestAPIErrorCarriesServiceMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"netuid must be a non-negative integer"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetDividends(context.Background(), intPtr(1), "", false)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "netuid must be a non-negative integer", apiErr.Message)
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream"}`))
			return
		}
		_, _ = w.Write([]byte(`{"request_id":"abc","dividends":{},"tweets":{},"sentiment":{},"trade":{}}`))
	}))
	defer srv.Close()

	records, err := New(srv.URL).GetRequest(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "abc", records.RequestID)
	assert.Nil(t, records.Dividend)
}

func TestHealthDownIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"down","database":"unreachable","cache":"ok","backpressure":{"queues":{"trades":3},"status":"healthy"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetRetryMax(0)
	st, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "down", st.Status)
	assert.Equal(t, 3, st.Backpressure.Queues["trades"])
}

func TestGetRequestDecodesStages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/requests/req-9", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"request_id": "req-9",
			"dividends": {"id": "d1", "request_id": "req-9", "is_success": true, "netuid": 18, "hotkey": "hk1", "trade_triggered": true, "data": "{}"},
			"tweets": {"id": "t1", "request_id": "req-9", "netuid": 18, "query": "Bittensor netuid 18", "item_count": 1, "items": [{"text": "gm", "timestamp": "2025-03-01T12:00:00Z"}]},
			"sentiment": {"id": "s1", "request_id": "req-9", "netuid": 18, "score": 42, "tweets_count": 1},
			"trade": {}
		}`))
	}))
	defer srv.Close()

	records, err := New(srv.URL).GetRequest(context.Background(), "req-9")
	require.NoError(t, err)

	require.NotNil(t, records.Dividend)
	assert.Equal(t, 18, *records.Dividend.Netuid)
	assert.True(t, records.Dividend.TradeTriggered)
	require.NotNil(t, records.Tweets)
	require.Len(t, records.Tweets.Items, 1)
	assert.Equal(t, "gm", records.Tweets.Items[0].Text)
	require.NotNil(t, records.Sentiment)
	assert.Equal(t, 42, records.Sentiment.Score)
	assert.Nil(t, records.Trade)
}
