package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type Action string

const (
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
	ActionNone     Action = "none"
)

// Order is a stake adjustment derived from a sentiment verdict
type Order struct {
	Netuid  int     `json:"netuid"`
	Hotkey  string  `json:"hotkey"`
	Action  Action  `json:"action"`
	Amount  float64 `json:"amount"`
	Verdict int     `json:"verdict"`
}

// Decide maps a verdict to an order. The sign picks the direction and the
// amount is scale times the magnitude.
func Decide(netuid int, hotkey string, verdict int, scale float64) Order {
	o := Order{Netuid: netuid, Hotkey: hotkey, Verdict: verdict, Action: ActionNone}
	switch {
	case verdict > 0:
		o.Action = ActionIncrease
	case verdict < 0:
		o.Action = ActionDecrease
	}
	// rounded to rao precision
	o.Amount = math.Round(scale*math.Abs(float64(verdict))*1e9) / 1e9
	return o
}

// Executor carries out an order and reports a short outcome message
type Executor interface {
	Execute(ctx context.Context, order Order) (string, error)
}

// DryRunExecutor only logs what it would have done
type DryRunExecutor struct{}

func (DryRunExecutor) Execute(ctx context.Context, order Order) (string, error) {
	slog.Info("Dry run trade",
		"action", order.Action,
		"netuid", order.Netuid,
		"hotkey", order.Hotkey,
		"amount", order.Amount)
	return fmt.Sprintf("dry run: %s %.9f on subnet %d", order.Action, order.Amount, order.Netuid), nil
}

// SignerExecutor hands orders to an external signing and broadcasting
// service over HTTP.
type SignerExecutor struct {
	url    string
	wallet string
	client *retryablehttp.Client
}

type signerRequest struct {
	Order
	Wallet string `json:"wallet_hotkey,omitempty"`
}

type signerResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

func NewSignerExecutor(url, wallet string, timeout time.Duration) *SignerExecutor {
	c := newRetryClient("signer", timeout)
	// a stake call must not be replayed after the signer saw it
	c.RetryMax = 0
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &SignerExecutor{url: url, wallet: wallet, client: c}
}

func (s *SignerExecutor) Execute(ctx context.Context, order Order) (string, error) {
	body, err := json.Marshal(signerRequest{Order: order, Wallet: s.wallet})
	if err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("signer request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read signer response: %w", err)
	}
	var out signerResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("signer error: %d - %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("signer error: %d - %s", resp.StatusCode, string(raw))
	}
	return fmt.Sprintf("%s submitted: %s", order.Action, out.TxHash), nil
}
