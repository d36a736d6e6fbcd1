package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	unsetEnv(t,
		"CHATSYNC_BACKEND", "CHATSYNC_ALLOWED_ORIGINS", "CHATSYNC_HTTP_ADDR", "CHATSYNC_FETCH_BACKOFF",
		"CHATSYNC_DB_SCHEMA", "CHATSYNC_REDIS_PREFIX", "CHATSYNC_TOKEN_TTL", "CHATSYNC_ORIGIN_REQUIRED",
	)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != BackendMemory {
		t.Fatalf("backend = %q", cfg.Backend)
	}
	if cfg.HTTPAddr != "127.0.0.1:8080" || cfg.DBSchema != "chatsync" || cfg.RedisPrefix != "chatsync:" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.FetchBackoff != 500*time.Millisecond || cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("unexpected durations: fetch=%v ttl=%v", cfg.FetchBackoff, cfg.TokenTTL)
	}
	if !cfg.OriginRequired {
		t.Fatalf("origin must be required by default")
	}
}

func TestLoadConfig_EnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	content := strings.Join([]string{
		"CHATSYNC_BACKEND=Postgres",
		"CHATSYNC_DATABASE_URL=postgres://from-file",
		"CHATSYNC_ALLOWED_ORIGINS= https://a.example.com , ,https://b.example.com",
		"CHATSYNC_FETCH_ATTEMPTS=7",
		"CHATSYNC_LOG_FORMAT=PRETTY",
	}, "\n")
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	// The process environment wins over the file.
	t.Setenv("CHATSYNC_DATABASE_URL", "postgres://from-env")
	unsetEnv(t, "CHATSYNC_BACKEND", "CHATSYNC_ALLOWED_ORIGINS", "CHATSYNC_FETCH_ATTEMPTS", "CHATSYNC_LOG_FORMAT")

	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != BackendPostgres {
		t.Fatalf("backend = %q", cfg.Backend)
	}
	if cfg.DatabaseURL != "postgres://from-env" {
		t.Fatalf("database url = %q", cfg.DatabaseURL)
	}
	if cfg.FetchAttempts != 7 || cfg.LogFormat != "pretty" {
		t.Fatalf("attempts=%d format=%q", cfg.FetchAttempts, cfg.LogFormat)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example.com" || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("origins = %q", cfg.AllowedOrigins)
	}
}

// unsetEnv clears keys for the test and restores them afterwards. godotenv writes
// into the process environment, so every key a test's .env file sets goes here too.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		if err := os.Unsetenv(k); err != nil {
			t.Fatalf("unsetenv %s: %v", k, err)
		}
	}
}

func TestLoadConfig_BadValue(t *testing.T) {
	t.Setenv("CHATSYNC_FETCH_BACKOFF", "soon")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func validClientConfig() Config {
	return Config{
		Backend:          BackendMemory,
		UserID:           "alice",
		FetchAttempts:    3,
		FetchBackoff:     time.Millisecond,
		ReconnectEvery:   time.Second,
		ReconnectBurst:   1,
		MaxFeedFailures:  3,
		MaxContentLength: 100,
		PageSize:         10,
	}
}

func TestConfig_ValidateClient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "memory ok", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "kafka" }, wantErr: "unknown backend"},
		{name: "postgres needs url", mutate: func(c *Config) { c.Backend = BackendPostgres }, wantErr: "CHATSYNC_DATABASE_URL"},
		{name: "redis needs addr", mutate: func(c *Config) { c.Backend = BackendRedis; c.DatabaseURL = "postgres://x" }, wantErr: "CHATSYNC_REDIS_ADDR"},
		{name: "relay needs token", mutate: func(c *Config) { c.Backend = BackendRelay; c.DatabaseURL = "postgres://x" }, wantErr: "CHATSYNC_TOKEN"},
		{name: "needs identity", mutate: func(c *Config) { c.UserID = "" }, wantErr: "CHATSYNC_USER_ID"},
		{name: "bad attempts", mutate: func(c *Config) { c.FetchAttempts = 0 }, wantErr: "FETCH_ATTEMPTS"},
		{name: "bad pacing", mutate: func(c *Config) { c.ReconnectBurst = 0 }, wantErr: "reconnect"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validClientConfig()
			tc.mutate(&cfg)
			err := cfg.ValidateClient()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	strong := strings.Repeat("k", minJWTSecretBytes)
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "strong", cfg: Config{JWTSecret: strong, OriginRequired: true, AllowedOrigins: []string{"https://chat.example.com"}}, ok: true},
		{name: "missing secret", cfg: Config{DevInsecure: true}},
		{name: "short secret", cfg: Config{JWTSecret: "short", AllowedOrigins: []string{"https://chat.example.com"}}},
		{name: "short secret dev", cfg: Config{JWTSecret: "short", DevInsecure: true}, ok: true},
		{name: "wildcard origin", cfg: Config{JWTSecret: strong, AllowedOrigins: []string{"*"}}},
		{name: "wildcard origin dev", cfg: Config{JWTSecret: strong, AllowedOrigins: []string{"*"}, DevInsecure: true}, ok: true},
		{name: "required but empty", cfg: Config{JWTSecret: strong, OriginRequired: true}},
	}

	for _, tc := range cases {
		err := ValidateSecurityConfig(tc.cfg)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestConfig_ValidateRelay(t *testing.T) {
	t.Parallel()

	cfg := validClientConfig()
	cfg.JWTSecret = strings.Repeat("k", minJWTSecretBytes)
	cfg.AllowedOrigins = []string{"https://chat.example.com"}
	cfg.RelayUpstream = BackendPostgres

	if err := cfg.ValidateRelay(); err == nil || !strings.Contains(err.Error(), "CHATSYNC_DATABASE_URL") {
		t.Fatalf("err = %v", err)
	}
	cfg.DatabaseURL = "postgres://x"
	if err := cfg.ValidateRelay(); err != nil {
		t.Fatalf("ValidateRelay: %v", err)
	}
	cfg.RelayUpstream = BackendRedis
	if err := cfg.ValidateRelay(); err == nil || !strings.Contains(err.Error(), "CHATSYNC_REDIS_ADDR") {
		t.Fatalf("err = %v", err)
	}
	cfg.RelayUpstream = BackendMemory
	if err := cfg.ValidateRelay(); err == nil {
		t.Fatalf("memory upstream must be rejected")
	}
}
