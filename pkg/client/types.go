package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// DividendsAnswer is the body of GET /api/v1/tao_dividends. Dividends maps
// netuid to hotkey to amount.
type DividendsAnswer struct {
	Dividends       map[int]map[string]int64 `json:"dividends"`
	CollectedAt     time.Time                `json:"collected_at"`
	Cached          bool                     `json:"cached"`
	ActionTriggered ActionTriggered          `json:"action_triggered"`
	RequestID       string                   `json:"request_id"`
}

type ActionTriggered struct {
	Triggered bool `json:"triggered"`
	SubnetID  int  `json:"subnet_id"`
}

// RecordBase holds the fields every stage record carries
type RecordBase struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
	Duration  float64   `json:"duration"` // seconds
	IsSuccess bool      `json:"is_success"`
	Message   string    `json:"message"`
}

type DividendRecord struct {
	RecordBase
	Netuid         *int   `json:"netuid"`
	Hotkey         string `json:"hotkey"`
	TradeTriggered bool   `json:"trade_triggered"`
	Data           string `json:"data"`
}

type SignalItem struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type TweetRecord struct {
	RecordBase
	Netuid    int          `json:"netuid"`
	Query     string       `json:"query"`
	ItemCount int          `json:"item_count"`
	Items     []SignalItem `json:"items"`
}

type SentimentRecord struct {
	RecordBase
	Netuid      int    `json:"netuid"`
	Hotkey      string `json:"hotkey"`
	Score       int    `json:"score"`
	TweetsCount int    `json:"tweets_count"`
}

type TradeRecord struct {
	RecordBase
	Netuid         int     `json:"netuid"`
	Hotkey         string  `json:"hotkey"`
	Action         string  `json:"action"`
	Amount         float64 `json:"amount"`
	SentimentScore int     `json:"sentiment_score"`
}

// RequestRecords is the body of GET /api/v1/requests/{id}. Stages that
// never ran are nil.
type RequestRecords struct {
	RequestID string
	Dividend  *DividendRecord
	Tweets    *TweetRecord
	Sentiment *SentimentRecord
	Trade     *TradeRecord
}

// UnmarshalJSON reads the empty object the service sends for a missing
// stage as nil
func (r *RequestRecords) UnmarshalJSON(data []byte) error {
	var raw struct {
		RequestID string          `json:"request_id"`
		Dividends json.RawMessage `json:"dividends"`
		Tweets    json.RawMessage `json:"tweets"`
		Sentiment json.RawMessage `json:"sentiment"`
		Trade     json.RawMessage `json:"trade"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = RequestRecords{RequestID: raw.RequestID}
	var err error
	if r.Dividend, err = stage[DividendRecord](raw.Dividends); err != nil {
		return err
	}
	if r.Tweets, err = stage[TweetRecord](raw.Tweets); err != nil {
		return err
	}
	if r.Sentiment, err = stage[SentimentRecord](raw.Sentiment); err != nil {
		return err
	}
	r.Trade, err = stage[TradeRecord](raw.Trade)
	return err
}

func stage[T any](raw json.RawMessage) (*T, error) {
	switch string(raw) {
	case "", "{}", "null":
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

// HealthStatus is the body of GET /health
type HealthStatus struct {
	Status       string             `json:"status"`
	Database     string             `json:"database"`
	Cache        string             `json:"cache"`
	Backpressure BackpressureReport `json:"backpressure"`
	Endpoint     string             `json:"endpoint"`
	Version      string             `json:"version"`
	Timestamp    time.Time          `json:"timestamp"`
}

type BackpressureReport struct {
	Buffered         int            `json:"buffered"`
	Queues           map[string]int `json:"queues"`
	PipelineInflight int64          `json:"pipeline_inflight"`
	Threshold        int            `json:"threshold"`
	Status           string         `json:"status"`
}

// APIError is returned for any non 2xx answer of the service
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("taopulse: %d %s", e.StatusCode, e.Message)
}
