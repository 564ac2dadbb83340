package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LiveBusDriver はライブイベントバスの供給元の種別。
type LiveBusDriver string

const (
	// LiveBusPostgres はPostgreSQLのLISTEN/NOTIFYを供給元とする。
	LiveBusPostgres LiveBusDriver = "postgres"
	// LiveBusRedis はRedisのPub/Subを供給元とする。
	LiveBusRedis LiveBusDriver = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Live event bus
	LiveBusDriver        LiveBusDriver
	RedisURL             string
	SubscriptionBuffer   int
	ListenerMinReconnect time.Duration
	ListenerMaxReconnect time.Duration

	// Messaging
	SendRatePerMinute int
	MaxMessageLength  int
	DedupWindow       time.Duration

	// WebSocket
	WSReadTimeout time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// CORS / Cookie
	CORSAllowedOrigin string
	CookieDomain      string
	CookieSecure      bool
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.LiveBusDriver = LiveBusDriver(strings.ToLower(getEnvString("LIVE_BUS_DRIVER", string(LiveBusPostgres))))
	switch cfg.LiveBusDriver {
	case LiveBusPostgres:
	case LiveBusRedis:
		cfg.RedisURL = os.Getenv("REDIS_URL")
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported LIVE_BUS_DRIVER: %q", cfg.LiveBusDriver)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SubscriptionBuffer = getEnvInt("SUBSCRIPTION_BUFFER", 256)
	cfg.ListenerMinReconnect = getEnvDuration("LISTENER_MIN_RECONNECT", 10*time.Second)
	cfg.ListenerMaxReconnect = getEnvDuration("LISTENER_MAX_RECONNECT", time.Minute)
	cfg.SendRatePerMinute = getEnvInt("SEND_RATE_PER_MINUTE", 60)
	cfg.MaxMessageLength = getEnvInt("MAX_MESSAGE_LENGTH", 4000)
	cfg.DedupWindow = getEnvDuration("DEDUP_WINDOW", 30*time.Second)
	cfg.WSReadTimeout = getEnvDuration("WS_READ_TIMEOUT", 60*time.Second)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.CookieDomain = os.Getenv("COOKIE_DOMAIN")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", true)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
