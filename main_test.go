package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"carwatch/notify"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envMap(nil))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.SourceURL != "https://berkat.ru/avto" || cfg.SourceName != "berkat.ru" {
		t.Errorf("source = %q %q", cfg.SourceURL, cfg.SourceName)
	}
	if cfg.MaxPages != 5 || cfg.FetchWorkers != 3 || cfg.PGMaxConns != 4 {
		t.Errorf("limits = pages %d workers %d conns %d", cfg.MaxPages, cfg.FetchWorkers, cfg.PGMaxConns)
	}
	if cfg.PageTimeout != 15*time.Second || cfg.CycleInterval != 10*time.Minute {
		t.Errorf("timings = %v %v", cfg.PageTimeout, cfg.CycleInterval)
	}
	if cfg.NotifyProvider != "mock" || cfg.Port != "8080" || cfg.RunOnce {
		t.Errorf("provider %q port %q once %v", cfg.NotifyProvider, cfg.Port, cfg.RunOnce)
	}
	if cfg.LocalStorage != "./data" {
		t.Errorf("LocalStorage = %q, want ./data", cfg.LocalStorage)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(envMap(map[string]string{
		"STORAGE_BUCKET":     "listings",
		"MAX_PAGES":          "2",
		"CYCLE_INTERVAL":     "90s",
		"LOG_LEVEL":          "debug",
		"RUN_ONCE":           "true",
		"NOTIFY_PROVIDER":    "Telegram",
		"TELEGRAM_BOT_TOKEN": "123:abc",
	}))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Bucket != "listings" || cfg.LocalStorage != "" {
		t.Errorf("storage = bucket %q local %q", cfg.Bucket, cfg.LocalStorage)
	}
	if cfg.MaxPages != 2 || cfg.CycleInterval != 90*time.Second || !cfg.RunOnce {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.NotifyProvider != "telegram" {
		t.Errorf("level %v provider %q", cfg.LogLevel, cfg.NotifyProvider)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad integer", map[string]string{"MAX_PAGES": "many"}, "MAX_PAGES"},
		{"zero pages", map[string]string{"MAX_PAGES": "0"}, "MAX_PAGES must be at least 1"},
		{"zero workers", map[string]string{"FETCH_WORKERS": "0"}, "FETCH_WORKERS"},
		{"bad duration", map[string]string{"PAGE_TIMEOUT": "soon"}, "PAGE_TIMEOUT"},
		{"negative interval", map[string]string{"CYCLE_INTERVAL": "-1m"}, "CYCLE_INTERVAL must be positive"},
		{"bad bool", map[string]string{"RUN_ONCE": "sometimes"}, "RUN_ONCE"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"unknown provider", map[string]string{"NOTIFY_PROVIDER": "pigeon"}, "pigeon"},
		{"telegram without token", map[string]string{"NOTIFY_PROVIDER": "telegram"}, "TELEGRAM_BOT_TOKEN"},
		{"brevo without sender", map[string]string{"NOTIFY_PROVIDER": "brevo", "BREVO_API_KEY": "k"}, "BREVO_FROM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(envMap(tt.env))
			if err == nil {
				t.Fatal("loadConfig() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigReportsAllErrors(t *testing.T) {
	_, err := loadConfig(envMap(map[string]string{"MAX_PAGES": "0", "FETCH_WORKERS": "0"}))
	if err == nil || !strings.Contains(err.Error(), "MAX_PAGES") || !strings.Contains(err.Error(), "FETCH_WORKERS") {
		t.Errorf("error = %v, want both problems reported", err)
	}
}

func TestOpenBackendLocal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &Config{LocalStorage: t.TempDir() + "/nested"}

	store, closeStore, err := openBackend(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openBackend() error = %v", err)
	}
	defer closeStore()

	filters, err := store.ActiveFilters(context.Background())
	if err != nil || len(filters) != 0 {
		t.Errorf("ActiveFilters() = %v, %v", filters, err)
	}
}

func TestNewProviderMock(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := newProvider(context.Background(), &Config{NotifyProvider: "mock"}, logger)
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	if _, ok := p.(*notify.MockProvider); !ok {
		t.Errorf("provider = %T, want *notify.MockProvider", p)
	}
}
