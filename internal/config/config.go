package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Client configures the sync engine and its collaborators on the
// device side.
type Client struct {
	BackendURL     string
	StatePath      string
	Token          string
	KeyTTL         time.Duration
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PageSize       int
	CacheConvCap   int
	CacheGlobalCap int
	WorkerCount    int
}

// Server configures the reference backend.
type Server struct {
	Addr         string
	DatabaseURL  string
	TokenSecret  string
	WriteRateMin int
	PageMax      int
}

func LoadClient() Client {
	pageSize := envInt("CHATSYNC_PAGE_SIZE", 50)
	if pageSize <= 0 {
		slog.Warn("config: invalid page size, defaulting", "page_size", pageSize)
		pageSize = 50
	}
	convCap := envInt("CHATSYNC_CACHE_CONV_CAP", 50)
	if convCap <= 0 {
		slog.Warn("config: invalid per-conversation cache cap, defaulting", "cap", convCap)
		convCap = 50
	}
	globalCap := envInt("CHATSYNC_CACHE_GLOBAL_CAP", 1000)
	if globalCap < convCap {
		slog.Warn("config: global cache cap below per-conversation cap, defaulting", "cap", globalCap)
		globalCap = 1000
	}
	return Client{
		BackendURL:     envOr("CHATSYNC_BACKEND_URL", "http://localhost:8085"),
		StatePath:      envOr("CHATSYNC_STATE_PATH", "chatsync.db"),
		Token:          envOr("CHATSYNC_TOKEN", ""),
		KeyTTL:         envDuration("CHATSYNC_KEY_TTL_MS", 30*60*1000),
		PollInterval:   envDuration("CHATSYNC_POLL_MS", 30*1000),
		BackoffBase:    envDuration("CHATSYNC_BACKOFF_BASE_MS", 1000),
		BackoffCap:     envDuration("CHATSYNC_BACKOFF_CAP_MS", 30*1000),
		PageSize:       pageSize,
		CacheConvCap:   convCap,
		CacheGlobalCap: globalCap,
		WorkerCount:    envInt("CHATSYNC_CRYPTO_WORKERS", 0),
	}
}

func LoadServer() Server {
	rate := envInt("CHATSYNC_WRITE_RATE_MIN", 300)
	if rate <= 0 {
		slog.Warn("config: invalid write rate, defaulting", "rate", rate)
		rate = 300
	}
	pageMax := envInt("CHATSYNC_PAGE_MAX", 200)
	if pageMax <= 0 {
		slog.Warn("config: invalid page max, defaulting", "page_max", pageMax)
		pageMax = 200
	}
	return Server{
		Addr:         envOr("CHATSYNC_ADDR", ":8085"),
		DatabaseURL:  envOr("CHATSYNC_DATABASE_URL", "file:chatserver.db?cache=shared"),
		TokenSecret:  envOr("CHATSYNC_TOKEN_SECRET", "dev-secret-change-me"),
		WriteRateMin: rate,
		PageMax:      pageMax,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, defaultMillis int) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default_ms", defaultMillis)
	}
	return time.Duration(defaultMillis) * time.Millisecond
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}
