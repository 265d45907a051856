package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingSetting is returned by Validate when a required setting is empty
var ErrMissingSetting = errors.New("missing required setting")

type Config struct {
	// HTTP Configuration
	HTTPAddr      string
	ShutdownGrace time.Duration

	// Database Configuration
	DatabaseURL  string
	SaveInterval time.Duration
	MaxQueueSize int

	// Cache Configuration
	RedisURL       string
	CacheTTL       time.Duration
	CacheLocalSize int

	// Query defaults
	DefaultNetuid int
	DefaultHotkey string
	DividendsFile string

	// Pipeline Configuration
	StageTimeout time.Duration
	TradeScale   float64

	// Twitter (Datura) Configuration
	TwitterToken  string
	TwitterURL    string
	TwitterCount  int
	TwitterRPS    float64
	MockedTwitter bool

	// LLM (Chutes) Configuration
	ChutesToken     string
	ChutesURL       string
	LLMModel        string
	MockedSentiment bool
	MockedVerdict   int

	// Trade Configuration
	SignerURL    string
	WalletHotkey string

	// NATS Configuration
	NatsURL               string
	RecordsSubjectPrefix  string
	HeartbeatSubject      string
	HealthSubject         string
	MonitoringSubject     string
	BackpressureThreshold int
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	return &Config{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8000"),
		ShutdownGrace:         getEnvDuration("SHUTDOWN_GRACE", "30s"),
		DatabaseURL:           getEnv("DATABASE_URL", "data/taopulse.sqlite"),
		SaveInterval:          getEnvDuration("SAVE_INTERVAL", "2s"),
		MaxQueueSize:          getEnvInt("MAX_QUEUE_SIZE", 1000),
		RedisURL:              getEnv("REDIS_URL", ""),
		CacheTTL:              getEnvDuration("CACHE_TTL", "2m"),
		CacheLocalSize:        getEnvInt("CACHE_LOCAL_SIZE", 10000),
		DefaultNetuid:         getEnvInt("DEFAULT_NETUID", 18),
		DefaultHotkey:         getEnv("DEFAULT_HOTKEY", ""),
		DividendsFile:         getEnv("DIVIDENDS_FILE", ""),
		StageTimeout:          getEnvDuration("STAGE_TIMEOUT", "30s"),
		TradeScale:            getEnvFloat("TRADE_SCALE", 0.01),
		TwitterToken:          getEnv("TWITTER_BEARER_TOKEN", ""),
		TwitterURL:            getEnv("TWITTER_URL", "https://apis.datura.ai/twitter"),
		TwitterCount:          getEnvInt("TWITTER_COUNT", 10),
		TwitterRPS:            getEnvFloat("TWITTER_RPS", 1),
		MockedTwitter:         getEnvBool("MOCKED_TWITTER", false),
		ChutesToken:           getEnv("CHUTES_TOKEN", ""),
		ChutesURL:             getEnv("CHUTES_URL", "https://llm.chutes.ai/v1"),
		LLMModel:              getEnv("LLM_MODEL", "unsloth/Llama-3.2-3B-Instruct"),
		MockedSentiment:       getEnvBool("MOCKED_SENTIMENT", false),
		MockedVerdict:         getEnvInt("MOCKED_VERDICT", 50),
		SignerURL:             getEnv("SIGNER_URL", ""),
		WalletHotkey:          getEnv("WALLET_HOTKEY", ""),
		NatsURL:               getEnv("NATS_URL", ""),
		RecordsSubjectPrefix:  getEnv("RECORDS_SUBJECT_PREFIX", "taopulse.records"),
		HeartbeatSubject:      getEnv("HEARTBEAT_SUBJECT", "taopulse.heartbeat"),
		HealthSubject:         getEnv("HEALTH_SUBJECT", "taopulse.health"),
		MonitoringSubject:     getEnv("MONITORING_SUBJECT", "taopulse.backpressure"),
		BackpressureThreshold: getEnvInt("BACKPRESSURE_THRESHOLD", 500),
	}, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	var missing []string
	if c.TwitterToken == "" && !c.MockedTwitter {
		missing = append(missing, "TWITTER_BEARER_TOKEN")
	}
	if c.ChutesToken == "" && !c.MockedSentiment {
		missing = append(missing, "CHUTES_TOKEN")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.MaxQueueSize)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key, defaultVal string) time.Duration {
	val := getEnv(key, defaultVal)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	d, _ := time.ParseDuration(defaultVal)
	return d
}
