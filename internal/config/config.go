package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config — настройки сервиса из окружения (и .env, если он есть).
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	MemoryStore bool   `env:"MEMORY_STORE" env-default:"false"`
	HTTPAddr    string `env:"HTTP_ADDR" env-default:":8080"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`
	Env         string `env:"ENV" env-default:"dev"` // dev|prod
	TZ          string `env:"TZ" env-default:"Europe/Moscow"`
	SentryDSN   string `env:"SENTRY_DSN"`
	RedisAddr   string `env:"REDIS_ADDR"`
	BotToken    string `env:"BOT_TOKEN"`

	DayCutoff    time.Duration `env:"DAY_CUTOFF" env-default:"3h"`
	DedupWindow  time.Duration `env:"DEDUP_WINDOW" env-default:"90s"`
	MaxClockSkew time.Duration `env:"MAX_CLOCK_SKEW" env-default:"5m"`
	LockTTL      time.Duration `env:"LOCK_TTL" env-default:"10s"`

	NotifyMaxAttempts int           `env:"NOTIFY_MAX_ATTEMPTS" env-default:"5"`
	NotifyBaseBackoff time.Duration `env:"NOTIFY_BASE_BACKOFF" env-default:"1s"`
	NotifyMaxBackoff  time.Duration `env:"NOTIFY_MAX_BACKOFF" env-default:"5m"`
	NotifyWorkers     int           `env:"NOTIFY_WORKERS" env-default:"2"`

	AggWorkers      int `env:"AGG_WORKERS" env-default:"2"`
	OfflineBatchMax int `env:"OFFLINE_BATCH_MAX" env-default:"1000"`
}

// Load читает .env (если есть) и окружение.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location — часовой пояс школы; неизвестное имя TZ даёт локальный пояс.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) finish() error {
	if !c.MemoryStore && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required unless MEMORY_STORE=true")
	}
	if c.DayCutoff < 0 || c.DayCutoff >= 24*time.Hour {
		return fmt.Errorf("config: DAY_CUTOFF %s out of range", c.DayCutoff)
	}
	if c.OfflineBatchMax <= 0 {
		return fmt.Errorf("config: OFFLINE_BATCH_MAX must be positive")
	}
	return nil
}
