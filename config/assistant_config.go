package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// generateInstanceID creates a unique instance ID using hostname and PID
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "assistant"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	InstanceID  string

	// Store
	RedisURL string

	// Telegram
	TelegramBotToken     string
	TelegramOperatorChat int64

	// Classification backends. Backend 1 is required, 2 and 3 are optional
	// OpenAI-compatible services selected by base URL.
	Backends []BackendConfig

	// Deduplication
	DedupTTL time.Duration

	// Classification cache
	ClassCacheTTL           time.Duration
	ClassCacheMinConfidence float64
	DefaultTimezone         string

	// Budget guard
	BudgetGlobalDaily    int64
	BudgetGlobalHourly   int64
	BudgetPerCallerDaily int64
	BudgetWarnFraction   float64

	// Crash-loop guard
	CrashLoopThreshold int64
	CrashLoopWindow    time.Duration

	// Pipeline
	MinActionConfidence float64
	KeywordOverrides    string
	SenderRatePerMin    int64

	// Worker pool
	WorkerMax       int
	WorkerQueueSize int
}

// BackendConfig describes one external classification backend.
type BackendConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		InstanceID:  getEnv("INSTANCE_ID", generateInstanceID()),

		RedisURL: getEnv("REDIS_URL", ""),

		TelegramBotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramOperatorChat: getEnvInt64("TELEGRAM_OPERATOR_CHAT", 0),

		DedupTTL: time.Duration(getEnvInt("DEDUP_TTL_HOUR", 6)) * time.Hour,

		ClassCacheTTL:           time.Duration(getEnvInt("CLASS_CACHE_TTL_HOUR", 4)) * time.Hour,
		ClassCacheMinConfidence: getEnvFloat("CLASS_CACHE_MIN_CONFIDENCE", 0.75),
		DefaultTimezone:         getEnv("DEFAULT_TIMEZONE", "UTC"),

		BudgetGlobalDaily:    getEnvInt64("BUDGET_GLOBAL_DAILY", 2000),
		BudgetGlobalHourly:   getEnvInt64("BUDGET_GLOBAL_HOURLY", 300),
		BudgetPerCallerDaily: getEnvInt64("BUDGET_PER_CALLER_DAILY", 100),
		BudgetWarnFraction:   getEnvFloat("BUDGET_WARN_FRACTION", 0.66),

		CrashLoopThreshold: getEnvInt64("CRASHLOOP_THRESHOLD", 5),
		CrashLoopWindow:    time.Duration(getEnvInt("CRASHLOOP_WINDOW_SEC", 300)) * time.Second,

		MinActionConfidence: getEnvFloat("MIN_ACTION_CONFIDENCE", 0.60),
		KeywordOverrides:    getEnv("KEYWORD_OVERRIDES", ""),
		SenderRatePerMin:    getEnvInt64("SENDER_RATE_PER_MIN", 20),

		WorkerMax:       getEnvInt("WORKER_MAX", 20),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),
	}

	for i := 1; i <= 3; i++ {
		prefix := fmt.Sprintf("BACKEND%d_", i)
		apiKey := getEnv(prefix+"API_KEY", "")
		if i == 1 && apiKey == "" {
			// Backend 1 falls back to the plain OpenAI key for convenience.
			apiKey = getEnv("OPENAI_API_KEY", "")
		}
		if apiKey == "" {
			continue
		}
		cfg.Backends = append(cfg.Backends, BackendConfig{
			Name:    getEnv(prefix+"NAME", fmt.Sprintf("backend-%d", i)),
			APIKey:  apiKey,
			BaseURL: getEnv(prefix+"BASE_URL", ""),
			Model:   getEnv(prefix+"MODEL", "gpt-4o-mini"),
			Timeout: time.Duration(getEnvInt(prefix+"TIMEOUT_SEC", 15)) * time.Second,
		})
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
