package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aigoflow/taopulse/internal/models"
)

// ErrNoScore is returned when the model answer carries no usable score
var ErrNoScore = errors.New("failed to extract sentiment score")

// NoItemsMessage is recorded when there is nothing to score
const NoItemsMessage = "No tweets to analyze"

// Scorer turns a set of posts into a verdict in [-100, 100]
type Scorer interface {
	Score(ctx context.Context, items []models.SignalItem) (int, error)
}

const sentimentPrompt = `You are an expert in sentiment analysis, specializing in social media content related to blockchain and AI technologies. Your task is to analyze a set of tweets about Bittensor and decentralized AI, providing an overall sentiment score and a concise explanation of your reasoning.

Here is the list of tweets you need to analyze:

<tweets>
%s
</tweets>

Please follow these steps to complete the sentiment analysis:

1. Read through all the tweets carefully.
2. Analyze each tweet, considering positive and negative language, enthusiasm (emojis, exclamation marks), potential sarcasm or irony, and the overall context of Bittensor and decentralized AI.
3. Assign a sentiment score to each tweet on a scale from -100 (extremely negative) to +100 (extremely positive).
4. Calculate an overall sentiment score for the entire set of tweets as a weighted average, giving more importance to strongly positive or negative tweets.
5. Provide a concise analysis of your findings.
6. Give your final sentiment score as a single number between -100 and +100.

Wrap your analysis in <sentiment_breakdown></sentiment_breakdown> tags and your final score in the following tags:

<score>
[Your final sentiment score here, as a single number between -100 and +100]
</score>`

var (
	mentionRe    = regexp.MustCompile(`@\w+`)
	urlRe        = regexp.MustCompile(`https?://\S+`)
	hashtagRe    = regexp.MustCompile(`#(\w+)`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	scoreRe      = regexp.MustCompile(`(?s)<score>.*?([-+]?\d+).*?</score>`)
)

// CleanTweet strips mentions and links, unwraps hashtags and collapses
// whitespace.
func CleanTweet(text string) string {
	text = mentionRe.ReplaceAllString(text, "")
	text = urlRe.ReplaceAllString(text, "")
	text = hashtagRe.ReplaceAllString(text, "$1")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// BuildPrompt renders the scoring prompt for a set of posts
func BuildPrompt(items []models.SignalItem) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(CleanTweet(it.Text))
		b.WriteByte('\n')
	}
	return fmt.Sprintf(sentimentPrompt, strings.TrimRight(b.String(), "\n"))
}

// ParseScore extracts the final score from a model answer and clamps it to
// [-100, 100].
func ParseScore(content string) (int, error) {
	m := scoreRe.FindStringSubmatch(content)
	if m == nil {
		return 0, ErrNoScore
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoScore, err)
	}
	return max(-100, min(100, v)), nil
}

type LLMScorerConfig struct {
	Token       string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// LLMScorer asks an OpenAI compatible chat endpoint (Chutes) for a score
type LLMScorer struct {
	client *openai.Client
	cfg    LLMScorerConfig
}

func NewLLMScorer(cfg LLMScorerConfig) *LLMScorer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	oc := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing LLM scorer", "model", cfg.Model, "base_url", oc.BaseURL)
	return &LLMScorer{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
	}
}

func (s *LLMScorer) Score(ctx context.Context, items []models.SignalItem) (int, error) {
	if len(items) == 0 {
		return 0, errors.New(NoItemsMessage)
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(items)},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return 0, fmt.Errorf("LLM call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, errors.New("LLM returned no choices")
	}

	content := resp.Choices[0].Message.Content
	score, err := ParseScore(content)
	if err != nil {
		slog.Error("Failed to extract sentiment score", "content", content)
		return 0, err
	}
	return score, nil
}

// StaticScorer always returns Verdict
type StaticScorer struct {
	Verdict int
}

func (s StaticScorer) Score(ctx context.Context, items []models.SignalItem) (int, error) {
	return s.Verdict, nil
}
