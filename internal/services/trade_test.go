package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		verdict int
		action  Action
		amount  float64
	}{
		{5, ActionIncrease, 0.05},
		{100, ActionIncrease, 1.0},
		{-30, ActionDecrease, 0.3},
		{-100, ActionDecrease, 1.0},
		{0, ActionNone, 0},
	}
	for _, tt := range tests {
		o := Decide(18, "hk", tt.verdict, 0.01)
		assert.Equal(t, tt.action, o.Action, "verdict %d", tt.verdict)
		assert.InDelta(t, tt.amount, o.Amount, 1e-9, "verdict %d", tt.verdict)
		assert.Equal(t, tt.verdict, o.Verdict)
	}
}

func TestDryRunExecutor(t *testing.T) {
	msg, err := DryRunExecutor{}.Execute(context.Background(), Decide(3, "hk", 20, 0.01))
	require.NoError(t, err)
	assert.Contains(t, msg, "increase")
}

func TestSignerExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req signerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ActionDecrease, req.Action)
		assert.Equal(t, "5Wallet", req.Wallet)
		assert.Equal(t, 18, req.Netuid)
		_ = json.NewEncoder(w).Encode(signerResponse{TxHash: "0xabc"})
	}))
	defer srv.Close()

	e := NewSignerExecutor(srv.URL, "5Wallet", time.Second)
	msg, err := e.Execute(context.Background(), Decide(18, "hk", -10, 0.01))
	require.NoError(t, err)
	assert.Equal(t, "decrease submitted: 0xabc", msg)
}

func TestSignerExecutorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(signerResponse{Error: "node unreachable"})
	}))
	defer srv.Close()

	e := NewSignerExecutor(srv.URL, "", time.Second)
	_, err := e.Execute(context.Background(), Decide(18, "hk", 10, 0.01))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node unreachable")
	assert.Equal(t, 1, calls)
}
