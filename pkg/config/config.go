// Package config loads runtime settings from the environment, optionally
// seeded from a .env file, and fills in defaults for anything unset or
// invalid.
package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendScylla = "scylla"
)

// RateLimit allows Burst frames at once and earns one more back every
// RefillInterval.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

type Config struct {
	GatewayAddr string
	APIAddr     string

	StoreBackend   string
	BoltPath       string
	ScyllaHosts    []string
	ScyllaKeyspace string

	// Empty disables the Redis presence mirror.
	RedisAddr string
	// Empty disables the cross-node relay.
	KafkaBrokers []string
	KafkaTopic   string
	NodeID       int64

	JWTSecret    string
	DirectoryDSN string

	MaxMessageSize int64
	AllowedOrigins []string
	// Set when ALLOWED_ORIGINS contains "*".
	AllowAllOrigins bool
	RateLimit       RateLimit
}

func Default() Config {
	return Config{
		GatewayAddr:    ":8080",
		APIAddr:        ":8081",
		StoreBackend:   BackendBolt,
		BoltPath:       "pulsechat.db",
		ScyllaHosts:    []string{"localhost:9042"},
		ScyllaKeyspace: "chat",
		KafkaTopic:     "chat-messages",
		NodeID:         1,
		JWTSecret:      "pulsechat-dev-secret",
		DirectoryDSN:   "directory.db",
		MaxMessageSize: 4096,
		AllowedOrigins: []string{"http://localhost:8080"},
		RateLimit: RateLimit{
			Burst:          20,
			RefillInterval: time.Second,
		},
	}
}

// Load reads envFile (if it exists) and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
			glog.V(1).Infof("config: no %s found, using environment only", envFile)
		}
	}
	return FromEnv(), nil
}

func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		cfg.GatewayAddr = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("BOLT_PATH"); v != "" {
		cfg.BoltPath = v
	}
	if v := os.Getenv("SCYLLA_HOSTS"); v != "" {
		cfg.ScyllaHosts = splitList(v)
	}
	if v := os.Getenv("SCYLLA_KEYSPACE"); v != "" {
		cfg.ScyllaKeyspace = v
	}
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = parseInt64(v, cfg.NodeID)
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("DIRECTORY_DSN"); v != "" {
		cfg.DirectoryDSN = v
	}
	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		cfg.MaxMessageSize = parseInt64(v, cfg.MaxMessageSize)
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = int(parseInt64(v, int64(cfg.RateLimit.Burst)))
	}
	if v := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		cfg.RateLimit.RefillInterval = parseInterval(v, cfg.RateLimit.RefillInterval)
	}

	return cfg.Sanitize()
}

// Sanitize replaces unusable values with defaults and normalizes the
// allowed origins.
func (c Config) Sanitize() Config {
	def := Default()
	if c.GatewayAddr == "" {
		c.GatewayAddr = def.GatewayAddr
	}
	if c.APIAddr == "" {
		c.APIAddr = def.APIAddr
	}
	switch c.StoreBackend {
	case BackendMemory, BackendBolt, BackendScylla:
	default:
		glog.Warningf("config: unknown store backend %q, using %s", c.StoreBackend, def.StoreBackend)
		c.StoreBackend = def.StoreBackend
	}
	if c.BoltPath == "" {
		c.BoltPath = def.BoltPath
	}
	if len(c.ScyllaHosts) == 0 {
		c.ScyllaHosts = def.ScyllaHosts
	}
	if c.ScyllaKeyspace == "" {
		c.ScyllaKeyspace = def.ScyllaKeyspace
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = def.KafkaTopic
	}
	// snowflake node ids are 10 bits
	if c.NodeID < 0 || c.NodeID > 1023 {
		c.NodeID = def.NodeID
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	origins, allowAll := normalizeOrigins(c.AllowedOrigins)
	c.AllowedOrigins = origins
	c.AllowAllOrigins = c.AllowAllOrigins || allowAll
	return c
}

// NodeName is the relay and presence name of this gateway node.
func (c Config) NodeName() string {
	return "node-" + strconv.FormatInt(c.NodeID, 10)
}

// OriginAllowed reports whether a browser Origin header passes the
// configured list. Requests without an Origin (non-browser clients) pass.
func (c Config) OriginAllowed(origin string) bool {
	if origin == "" || c.AllowAllOrigins {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, o := range c.AllowedOrigins {
		if o == normalized {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt64(value string, defaultValue int64) int64 {
	if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

// parseInterval accepts a Go duration ("500ms") or whole seconds ("2").
func parseInterval(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func normalizeOrigins(origins []string) ([]string, bool) {
	normalized := make([]string, 0, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		o, ok := normalizeOrigin(trimmed)
		if !ok {
			glog.Warningf("config: ignoring invalid origin %q", origin)
			continue
		}
		normalized = append(normalized, o)
	}
	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
