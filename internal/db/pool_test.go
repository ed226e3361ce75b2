package db

import (
	"testing"

	"gorm.io/gorm/logger"

	"horse.fit/mailthread/internal/config"
)

func TestPoolLimits(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		cfg      config.Config
		wantOpen int
		wantIdle int
	}{
		{
			name:     "defaults when unset",
			cfg:      config.Config{StoreBackend: config.BackendRedis, QueueBackend: config.BackendAMQP},
			wantOpen: 8,
			wantIdle: 1,
		},
		{
			name:     "configured size kept",
			cfg:      config.Config{StoreBackend: config.BackendPostgres, QueueBackend: config.BackendAMQP, Consumers: 2, DBMinConns: 4, DBMaxConns: 12},
			wantOpen: 12,
			wantIdle: 4,
		},
		{
			name: "raised to what consumers hold",
			cfg: config.Config{
				StoreBackend: config.BackendPostgres,
				QueueBackend: config.BackendPostgres,
				ResolveMode:  config.ResolveModeSerialized,
				Consumers:    4,
				DBMinConns:   2,
				DBMaxConns:   8,
			},
			wantOpen: 13,
			wantIdle: 2,
		},
	}
	for _, tc := range cases {
		open, idle := poolLimits(&tc.cfg)
		if open != tc.wantOpen || idle != tc.wantIdle {
			t.Fatalf("%s: expected open=%d idle=%d, got open=%d idle=%d", tc.name, tc.wantOpen, tc.wantIdle, open, idle)
		}
	}
}

func TestResolveGormLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]logger.LogLevel{
		"debug":  logger.Info,
		"info":   logger.Warn,
		"error":  logger.Error,
		"silent": logger.Silent,
	}
	for level, want := range cases {
		if got := resolveGormLogLevel(level, "production"); got != want {
			t.Fatalf("%s: expected %v, got %v", level, want, got)
		}
	}
	if got := resolveGormLogLevel("verbose", "local"); got != logger.Warn {
		t.Fatalf("unknown level in local should warn, got %v", got)
	}
}
