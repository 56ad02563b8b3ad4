package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read once from the environment.
type Config struct {
	SourceURL       string
	SourceName      string
	Bucket          string
	LocalStorage    string
	PGDSN           string
	RedisURL        string
	NotifyProvider  string
	TelegramToken   string
	GoogleCredsJSON string
	BrevoAPIKey     string
	BrevoFrom       string
	Port            string
	MaxPages        int
	FetchWorkers    int
	PGMaxConns      int
	PageTimeout     time.Duration
	CycleInterval   time.Duration
	LogLevel        slog.Level
	RunOnce         bool
}

// loadConfig reads configuration through getenv, applying defaults and
// rejecting values the service cannot run with.
func loadConfig(getenv func(string) string) (*Config, error) {
	var errs []error
	env := envReader{getenv: getenv, errs: &errs}

	cfg := &Config{
		SourceURL:       env.str("SOURCE_URL", "https://berkat.ru/avto"),
		SourceName:      env.str("SOURCE_NAME", "berkat.ru"),
		Bucket:          env.str("STORAGE_BUCKET", ""),
		LocalStorage:    env.str("LOCAL_STORAGE", ""),
		PGDSN:           env.str("PG_DSN", ""),
		RedisURL:        env.str("REDIS_URL", ""),
		NotifyProvider:  strings.ToLower(env.str("NOTIFY_PROVIDER", "mock")),
		TelegramToken:   env.str("TELEGRAM_BOT_TOKEN", ""),
		GoogleCredsJSON: env.str("GOOGLE_CREDENTIALS_JSON", ""),
		BrevoAPIKey:     env.str("BREVO_API_KEY", ""),
		BrevoFrom:       env.str("BREVO_FROM", ""),
		Port:            env.str("PORT", "8080"),
		MaxPages:        env.integer("MAX_PAGES", 5),
		FetchWorkers:    env.integer("FETCH_WORKERS", 3),
		PGMaxConns:      env.integer("PG_MAX_CONNS", 4),
		PageTimeout:     env.duration("PAGE_TIMEOUT", 15*time.Second),
		CycleInterval:   env.duration("CYCLE_INTERVAL", 10*time.Minute),
		LogLevel:        env.level("LOG_LEVEL", slog.LevelInfo),
		RunOnce:         env.boolean("RUN_ONCE", false),
	}

	if cfg.Bucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	if cfg.MaxPages < 1 {
		errs = append(errs, errors.New("MAX_PAGES must be at least 1"))
	}
	if cfg.FetchWorkers < 1 {
		errs = append(errs, errors.New("FETCH_WORKERS must be at least 1"))
	}
	if cfg.PageTimeout <= 0 {
		errs = append(errs, errors.New("PAGE_TIMEOUT must be positive"))
	}
	if cfg.CycleInterval <= 0 {
		errs = append(errs, errors.New("CYCLE_INTERVAL must be positive"))
	}
	switch cfg.NotifyProvider {
	case "mock", "gmail":
	case "telegram":
		if cfg.TelegramToken == "" {
			errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required for the telegram provider"))
		}
	case "brevo":
		if cfg.BrevoAPIKey == "" || cfg.BrevoFrom == "" {
			errs = append(errs, errors.New("BREVO_API_KEY and BREVO_FROM are required for the brevo provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_PROVIDER %q is not one of mock, telegram, gmail, brevo", cfg.NotifyProvider))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envReader struct {
	getenv func(string) string
	errs   *[]error
}

func (e envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e envReader) integer(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e envReader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e envReader) level(key string, def slog.Level) slog.Level {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return l
}
