package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind names one persisted record shape. Each kind has its own table and
// its own persistence queue.
type Kind string

const (
	KindDividends Kind = "dividends"
	KindTweets    Kind = "tweets"
	KindSentiment Kind = "sentiment_analyses"
	KindTrades    Kind = "trades"
)

// AllKinds lists every record kind in flush order
var AllKinds = []Kind{KindDividends, KindTweets, KindSentiment, KindTrades}

// Record is implemented by every stage record
type Record interface {
	RecordKind() Kind
	Base() *RecordBase
}

// RecordBase holds the fields shared by every stage record
type RecordBase struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RequestID string    `gorm:"index;not null" json:"request_id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	Duration  float64   `json:"duration"` // seconds
	IsSuccess bool      `gorm:"not null" json:"is_success"`
	Message   string    `gorm:"type:text" json:"message"`
}

// NewRecordBase stamps a fresh id and creation time
func NewRecordBase(requestID string, duration time.Duration, ok bool, message string) RecordBase {
	return RecordBase{
		ID:        uuid.NewString(),
		RequestID: requestID,
		CreatedAt: time.Now().UTC(),
		Duration:  duration.Seconds(),
		IsSuccess: ok,
		Message:   message,
	}
}

func (b *RecordBase) Base() *RecordBase { return b }

// DividendRecord stores the primary answer of a dividends query
type DividendRecord struct {
	RecordBase
	Netuid         *int   `gorm:"index" json:"netuid"`
	Hotkey         string `gorm:"index" json:"hotkey"`
	TradeTriggered bool   `gorm:"not null" json:"trade_triggered"`
	Data           string `gorm:"type:text" json:"data"`
}

func (DividendRecord) TableName() string { return string(KindDividends) }
func (*DividendRecord) RecordKind() Kind { return KindDividends }

// TweetRecord stores the outcome of the signal fetch stage
type TweetRecord struct {
	RecordBase
	Netuid    int          `gorm:"index;not null" json:"netuid"`
	Query     string       `json:"query"`
	ItemCount int          `gorm:"not null" json:"item_count"`
	Items     []SignalItem `gorm:"serializer:json;type:text" json:"items"`
}

func (TweetRecord) TableName() string { return string(KindTweets) }
func (*TweetRecord) RecordKind() Kind { return KindTweets }

// SentimentRecord stores the outcome of the scoring stage
type SentimentRecord struct {
	RecordBase
	Netuid      int    `gorm:"index;not null" json:"netuid"`
	Hotkey      string `gorm:"index" json:"hotkey"`
	Score       int    `gorm:"not null" json:"score"` // -100..100
	TweetsCount int    `gorm:"not null" json:"tweets_count"`
}

func (SentimentRecord) TableName() string { return string(KindSentiment) }
func (*SentimentRecord) RecordKind() Kind { return KindSentiment }

// TradeRecord stores the outcome of the action stage
type TradeRecord struct {
	RecordBase
	Netuid         int     `gorm:"index;not null" json:"netuid"`
	Hotkey         string  `gorm:"index;not null" json:"hotkey"`
	Action         string  `json:"action"`
	Amount         float64 `json:"amount"`
	SentimentScore int     `json:"sentiment_score"`
}

func (TradeRecord) TableName() string { return string(KindTrades) }
func (*TradeRecord) RecordKind() Kind { return KindTrades }

// RequestRecords is everything persisted under one request id
type RequestRecords struct {
	RequestID string
	Dividend  *DividendRecord
	Tweets    *TweetRecord
	Sentiment *SentimentRecord
	Trade     *TradeRecord
}

// Empty reports whether nothing was found
func (r *RequestRecords) Empty() bool {
	return r.Dividend == nil && r.Tweets == nil && r.Sentiment == nil && r.Trade == nil
}

// MarshalJSON renders stages that never ran as empty objects
func (r RequestRecords) MarshalJSON() ([]byte, error) {
	orEmpty := func(v any, present bool) any {
		if !present {
			return struct{}{}
		}
		return v
	}
	return json.Marshal(map[string]any{
		"request_id": r.RequestID,
		"dividends":  orEmpty(r.Dividend, r.Dividend != nil),
		"tweets":     orEmpty(r.Tweets, r.Tweets != nil),
		"sentiment":  orEmpty(r.Sentiment, r.Sentiment != nil),
		"trade":      orEmpty(r.Trade, r.Trade != nil),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON
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
	r.RequestID = raw.RequestID
	r.Dividend, r.Tweets, r.Sentiment, r.Trade = nil, nil, nil, nil
	if err := decodeStage(raw.Dividends, &r.Dividend); err != nil {
		return err
	}
	if err := decodeStage(raw.Tweets, &r.Tweets); err != nil {
		return err
	}
	if err := decodeStage(raw.Sentiment, &r.Sentiment); err != nil {
		return err
	}
	return decodeStage(raw.Trade, &r.Trade)
}

func decodeStage[T any](raw json.RawMessage, dst **T) error {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	*dst = v
	return nil
}
