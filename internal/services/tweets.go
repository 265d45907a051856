package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/aigoflow/taopulse/internal/models"
)

// twitterTimeLayout is the created_at format of the search API
const twitterTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// Signal is the result of one social signal search
type Signal struct {
	Query string
	Items []models.SignalItem
}

// SignalSource fetches recent social posts about a subnet
type SignalSource interface {
	FetchSignal(ctx context.Context, netuid int) (*Signal, error)
}

// SignalQuery is the search phrase used for a subnet
func SignalQuery(netuid int) string {
	return fmt.Sprintf("Bittensor netuid %d", netuid)
}

type TweetSearchConfig struct {
	URL     string
	Token   string
	Count   int
	RPS     float64
	Timeout time.Duration
}

// TweetSearch queries the Datura twitter search API
type TweetSearch struct {
	cfg     TweetSearchConfig
	client  *retryablehttp.Client
	limiter *rate.Limiter
	now     func() time.Time
}

type tweetSearchRequest struct {
	Query        string `json:"query"`
	BlueVerified bool   `json:"blue_verified"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	IsImage      bool   `json:"is_image"`
	IsQuote      bool   `json:"is_quote"`
	IsVideo      bool   `json:"is_video"`
	Lang         string `json:"lang"`
	MinLikes     int    `json:"min_likes"`
	MinReplies   int    `json:"min_replies"`
	MinRetweets  int    `json:"min_retweets"`
	Sort         string `json:"sort"`
	Count        int    `json:"count"`
}

type tweet struct {
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

func NewTweetSearch(cfg TweetSearchConfig) *TweetSearch {
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &TweetSearch{
		cfg:     cfg,
		client:  newRetryClient("tweets", cfg.Timeout),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

func (t *TweetSearch) FetchSignal(ctx context.Context, netuid int) (*Signal, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tweet search rate limit: %w", err)
	}

	query := SignalQuery(netuid)
	now := t.now().UTC()
	body, err := json.Marshal(tweetSearchRequest{
		Query:     query,
		StartDate: now.AddDate(0, 0, -7).Format(time.DateOnly),
		EndDate:   now.AddDate(0, 0, 1).Format(time.DateOnly),
		Lang:      "en",
		Sort:      "Top",
		Count:     t.cfg.Count,
	})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", t.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tweet search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tweet search error: %d - %s", resp.StatusCode, string(msg))
	}

	var tweets []tweet
	if err := json.NewDecoder(resp.Body).Decode(&tweets); err != nil {
		return nil, fmt.Errorf("failed to decode tweets: %w", err)
	}

	items := make([]models.SignalItem, 0, len(tweets))
	for _, tw := range tweets {
		ts, err := time.Parse(twitterTimeLayout, tw.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("bad created_at %q: %w", tw.CreatedAt, err)
		}
		items = append(items, models.SignalItem{Text: tw.Text, Timestamp: ts.UTC()})
		if len(items) == t.cfg.Count {
			break
		}
	}

	slog.Info("Received tweets", "netuid", netuid, "count", len(items))
	return &Signal{Query: query, Items: items}, nil
}

// MockSignalSource returns Count copies of the same upbeat post
type MockSignalSource struct {
	Count int
}

func (m MockSignalSource) FetchSignal(ctx context.Context, netuid int) (*Signal, error) {
	now := time.Now().UTC()
	items := make([]models.SignalItem, m.Count)
	for i := range items {
		items[i] = models.SignalItem{Text: "this is good", Timestamp: now}
	}
	return &Signal{Query: SignalQuery(netuid), Items: items}, nil
}
