package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBDriver string
	DBDSN    string
	HTTPAddr string
	LogLevel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TurnLockTTL   time.Duration

	ChatContextWindowSize int

	// AI provider
	AIProvider        string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// rabbitMQ
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int
}

// Redis and RabbitMQ are optional: an empty address disables them.
func Load() Config {
	return Config{
		DBDriver: getEnv("DB_DRIVER", "sqlite"),
		// mysql demo:
		// app:apppass@tcp(127.0.0.1:3306)/chat?charset=utf8mb4&parseTime=true&loc=UTC
		DBDSN:    getEnv("DB_DSN", "chat.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		TurnLockTTL:   getEnvDuration("TURN_LOCK_TTL", 5*time.Minute),

		ChatContextWindowSize: getEnvInt("CHAT_CONTEXT_WINDOW_SIZE", 0),

		AIProvider:        getEnv("AI_PROVIDER", "ollama"),
		OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       getEnv("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   getEnv("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       getEnv("RABBIT_QUEUE", "chat_turns"),
		WorkerConcurrency: clamp(getEnvInt("WORKER_CONCURRENCY", 2), 1, 50),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
