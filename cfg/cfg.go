package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Secret holds a sensitive value that must never reach a log line.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}

func (s Secret) Value() string {
	return string(s.value)
}

func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}

func (s Secret) String() string {
	return "***REDACTED***"
}

// Cfg is the immutable configuration surface, loaded once at startup and
// passed to every service at construction.
type Cfg struct {
	Port         string
	Environment  string
	LogLevel     string
	DatabasePath string

	RedisURL      string
	RedisTLS      bool
	RedisUsername string
	RedisPassword Secret
	RedisTimeout  time.Duration

	PowEnabled    bool
	PowDifficulty int
	PowTTL        time.Duration

	RateLimit RateLimitCfg

	MaxPasteSize int64
	IDLength     int
	MinExpiry    time.Duration
	MaxExpiry    time.Duration
	ReapInterval time.Duration

	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8
	Pepper            Secret
	PepperFromSecrets bool

	TrustedProxies []string
	AllowedOrigins []string
	MetricsUser    string
	MetricsPass    Secret

	ContextTimeout         time.Duration
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
	IPHashRotationInterval time.Duration
}

type RateLimitCfg struct {
	Capacity  int
	RefillRPM int
	GlobalRPM int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "delerium.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.PowEnabled = getEnv("POW_ENABLED", "true") == "true"
	c.PowDifficulty, err = getInt("POW_DIFFICULTY", 18)
	if err != nil {
		return nil, err
	}
	c.PowTTL, err = getDuration("POW_TTL", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Capacity, err = getInt("RATE_LIMIT_CAPACITY", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RefillRPM, err = getInt("RATE_LIMIT_REFILL_RPM", 6)
	if err != nil {
		return nil, err
	}
	c.RateLimit.GlobalRPM, err = getInt("RATE_LIMIT_GLOBAL_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 256*1024)
	if err != nil {
		return nil, err
	}
	c.IDLength, err = getInt("ID_LENGTH", 11)
	if err != nil {
		return nil, err
	}
	c.MinExpiry, err = getDuration("MIN_EXPIRY", 60*time.Second)
	if err != nil {
		return nil, err
	}
	c.MaxExpiry, err = getDuration("MAX_EXPIRY", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.ReapInterval, err = getDuration("REAP_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	c.Argon2Time, err = getUint32("ARGON2_TIME", 2)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromSecrets = getEnv("PEPPER_FROM_SECRETS", "false") == "true"
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.IPHashRotationInterval, err = getDuration("IP_HASH_ROTATION_INTERVAL", 1*time.Hour)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.PowDifficulty < 1 || c.PowDifficulty > 64 {
		return errors.New("POW_DIFFICULTY must be between 1 and 64")
	}
	if c.PowTTL < 10*time.Second {
		return errors.New("POW_TTL must be at least 10 seconds")
	}
	if c.RateLimit.Capacity < 1 {
		return errors.New("RATE_LIMIT_CAPACITY must be positive")
	}
	if c.RateLimit.RefillRPM < 1 {
		return errors.New("RATE_LIMIT_REFILL_RPM must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.IDLength < 8 || c.IDLength > 64 {
		return errors.New("ID_LENGTH must be between 8 and 64")
	}
	if c.MinExpiry < time.Second {
		return errors.New("MIN_EXPIRY must be at least 1 second")
	}
	if c.MaxExpiry < c.MinExpiry {
		return errors.New("MAX_EXPIRY must be >= MIN_EXPIRY")
	}
	if c.ReapInterval < time.Minute {
		return errors.New("REAP_INTERVAL must be at least 1 minute")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 KiB")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if !c.PepperFromSecrets {
		if len(c.Pepper.Value()) == 0 {
			return errors.New("PEPPER is required if PEPPER_FROM_SECRETS is false")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}

func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
