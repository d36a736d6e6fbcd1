package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Backend names accepted by CHATSYNC_BACKEND and CHATSYNC_RELAY_UPSTREAM.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendRelay    = "relay"
)

const minJWTSecretBytes = 32

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string `env:"CHATSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHATSYNC_LOG_FORMAT" envDefault:"json"`
	LogColor  bool   `env:"CHATSYNC_LOG_COLOR" envDefault:"false"`

	// Backend selects where tail reads from and writes to:
	// memory, postgres (LISTEN/NOTIFY feed), redis (pub/sub feed) or relay (websocket feed).
	// The last two still load and write through PostgreSQL.
	Backend string `env:"CHATSYNC_BACKEND" envDefault:"memory"`

	DatabaseURL    string `env:"CHATSYNC_DATABASE_URL"`
	DBSchema       string `env:"CHATSYNC_DB_SCHEMA" envDefault:"chatsync"`
	DBMaxConns     int32  `env:"CHATSYNC_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns     int32  `env:"CHATSYNC_DB_MIN_CONNS" envDefault:"0"`
	DBEnsureSchema bool   `env:"CHATSYNC_DB_ENSURE_SCHEMA" envDefault:"false"`
	PageSize       int    `env:"CHATSYNC_PAGE_SIZE" envDefault:"500"`

	RedisAddr     string `env:"CHATSYNC_REDIS_ADDR"`
	RedisPassword string `env:"CHATSYNC_REDIS_PASSWORD"`
	RedisDB       int    `env:"CHATSYNC_REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"CHATSYNC_REDIS_PREFIX" envDefault:"chatsync:"`

	// RelayURL is the websocket endpoint tail dials with the relay backend. Defaults to
	// the /ws endpoint of HTTPAddr.
	RelayURL    string `env:"CHATSYNC_RELAY_URL"`
	RelayOrigin string `env:"CHATSYNC_RELAY_ORIGIN"`

	HTTPAddr          string        `env:"CHATSYNC_HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	ReadHeaderTimeout time.Duration `env:"CHATSYNC_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	IdleTimeout       time.Duration `env:"CHATSYNC_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"CHATSYNC_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"CHATSYNC_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// RelayUpstream is the feed the relay server fans out: postgres or redis.
	RelayUpstream  string   `env:"CHATSYNC_RELAY_UPSTREAM" envDefault:"postgres"`
	AllowedOrigins []string `env:"CHATSYNC_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	OriginRequired bool     `env:"CHATSYNC_ORIGIN_REQUIRED" envDefault:"true"`
	// DevInsecure relaxes the relay's security checks. Never set it in production.
	DevInsecure bool `env:"CHATSYNC_DEV_INSECURE" envDefault:"false"`

	JWTSecret string        `env:"CHATSYNC_JWT_SECRET"`
	TokenTTL  time.Duration `env:"CHATSYNC_TOKEN_TTL" envDefault:"24h"`
	// Token is the bearer token tail presents; its sub claim is the current user.
	Token string `env:"CHATSYNC_TOKEN"`
	// UserID is a fixed current user for tokenless setups (memory, direct postgres).
	UserID string `env:"CHATSYNC_USER_ID"`

	FetchAttempts    int           `env:"CHATSYNC_FETCH_ATTEMPTS" envDefault:"3"`
	FetchBackoff     time.Duration `env:"CHATSYNC_FETCH_BACKOFF" envDefault:"500ms"`
	ReconnectEvery   time.Duration `env:"CHATSYNC_RECONNECT_EVERY" envDefault:"2s"`
	ReconnectBurst   int           `env:"CHATSYNC_RECONNECT_BURST" envDefault:"1"`
	MaxFeedFailures  int           `env:"CHATSYNC_MAX_FEED_FAILURES" envDefault:"5"`
	MaxContentLength int           `env:"CHATSYNC_MAX_CONTENT_LENGTH" envDefault:"1000"`
}

// LoadConfig reads .env files (missing files are ignored) and parses the environment.
// Variables already set in the environment win over .env values.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.RelayUpstream = strings.ToLower(strings.TrimSpace(c.RelayUpstream))

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

// needsDB reports whether a backend loads and writes through PostgreSQL.
func needsDB(backend string) bool {
	return backend == BackendPostgres || backend == BackendRedis || backend == BackendRelay
}

// ValidateClient checks the settings tail and the directory commands use.
func (c Config) ValidateClient() error {
	switch c.Backend {
	case BackendMemory, BackendPostgres, BackendRedis, BackendRelay:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if needsDB(c.Backend) && strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: backend %s requires CHATSYNC_DATABASE_URL", c.Backend)
	}
	if c.Backend == BackendRedis && strings.TrimSpace(c.RedisAddr) == "" {
		return errors.New("config: backend redis requires CHATSYNC_REDIS_ADDR")
	}
	if c.Backend == BackendRelay && strings.TrimSpace(c.Token) == "" {
		return errors.New("config: backend relay requires CHATSYNC_TOKEN")
	}
	if strings.TrimSpace(c.Token) == "" && strings.TrimSpace(c.UserID) == "" {
		return errors.New("config: set CHATSYNC_TOKEN or CHATSYNC_USER_ID")
	}
	return c.validateTuning()
}

// ValidateRelay checks the settings of the relay server, including its security policy.
func (c Config) ValidateRelay() error {
	switch c.RelayUpstream {
	case BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("config: unknown relay upstream %q", c.RelayUpstream)
	}
	// Membership is always checked against PostgreSQL.
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: the relay requires CHATSYNC_DATABASE_URL")
	}
	if c.RelayUpstream == BackendRedis && strings.TrimSpace(c.RedisAddr) == "" {
		return errors.New("config: relay upstream redis requires CHATSYNC_REDIS_ADDR")
	}
	if err := ValidateSecurityConfig(c); err != nil {
		return err
	}
	return c.validateTuning()
}

// ValidateSecurityConfig enforces the relay's security policy at startup. Outside
// DevInsecure the JWT secret must be long and the origin allowlist explicit.
func ValidateSecurityConfig(c Config) error {
	if c.JWTSecret == "" {
		return errors.New("security policy: CHATSYNC_JWT_SECRET is required")
	}
	if c.DevInsecure {
		return nil
	}
	if len(c.JWTSecret) < minJWTSecretBytes {
		return fmt.Errorf("security policy: CHATSYNC_JWT_SECRET must be at least %d bytes", minJWTSecretBytes)
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return errors.New("security policy: wildcard origin requires CHATSYNC_DEV_INSECURE=true")
		}
	}
	if c.OriginRequired && len(c.AllowedOrigins) == 0 {
		return errors.New("security policy: CHATSYNC_ORIGIN_REQUIRED=true but CHATSYNC_ALLOWED_ORIGINS is empty")
	}
	return nil
}

func (c Config) validateTuning() error {
	switch {
	case c.FetchAttempts <= 0:
		return errors.New("config: CHATSYNC_FETCH_ATTEMPTS must be positive")
	case c.FetchBackoff < 0:
		return errors.New("config: CHATSYNC_FETCH_BACKOFF must not be negative")
	case c.ReconnectEvery <= 0 || c.ReconnectBurst <= 0:
		return errors.New("config: reconnect pacing must be positive")
	case c.MaxFeedFailures <= 0:
		return errors.New("config: CHATSYNC_MAX_FEED_FAILURES must be positive")
	case c.MaxContentLength <= 0:
		return errors.New("config: CHATSYNC_MAX_CONTENT_LENGTH must be positive")
	case c.PageSize <= 0:
		return errors.New("config: CHATSYNC_PAGE_SIZE must be positive")
	}
	return nil
}
