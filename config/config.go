// Package config loads feed engine settings from the environment, an optional
// .env file and an optional YAML subscription file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingToken is returned when FEED_ACCESS_TOKEN is not set outside staging mode.
var ErrMissingToken = errors.New("config: FEED_ACCESS_TOKEN is required")

const (
	defaultAuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"
	stagingAuthorizeURL = "http://localhost:8765/v3/feed/market-data-feed/authorize"
	stagingToken        = "staging-token"
)

// Subscription holds the subscription builder options.
type Subscription struct {
	Indices            []string `yaml:"indices"`
	MonthsAhead        int      `yaml:"months_ahead"`
	IncludeIndexQuotes bool     `yaml:"include_index_quotes"`
	IncludeFINNIFTY    bool     `yaml:"include_finnifty"`
	IncludeMIDCPNIFTY  bool     `yaml:"include_midcpnifty"`
	MaxInstruments     int      `yaml:"max_instruments"`
}

// Config holds all feed engine configuration.
type Config struct {
	// Broker
	AccessToken  string
	AuthorizeURL string
	StagingMode  bool

	// Catalog and subscriptions
	CatalogPath      string
	SubscriptionFile string
	Subscription     Subscription

	// Connection
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ConnectTimeout       time.Duration
	MarketHoursOnly      bool

	// Pipeline
	StatsEvery   int
	FanoutBuffer int

	// Storage and publishers. Empty disables the component.
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string
	KafkaTopic    string

	// Servers
	MetricsAddr string
	GatewayAddr string
	// GatewayViaRedis feeds the push gateway from Redis pub/sub instead of
	// attaching it to the fan-out directly. Requires RedisAddr.
	GatewayViaRedis bool

	// Alerts
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string

	LogLevel string
}

// Load reads .env (if present), then the environment, then SUBSCRIPTION_FILE.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment.
func FromEnv() (*Config, error) {
	staging := getBool("STAGING_MODE", false)
	cfg := &Config{
		AccessToken:  os.Getenv("FEED_ACCESS_TOKEN"),
		AuthorizeURL: getEnv("FEED_AUTHORIZE_URL", defaultAuthorizeURL),
		StagingMode:  staging,

		CatalogPath:      getEnv("CATALOG_PATH", "data/complete.json.gz"),
		SubscriptionFile: os.Getenv("SUBSCRIPTION_FILE"),
		Subscription: Subscription{
			Indices:            getList("INDICES", []string{"NIFTY", "BANKNIFTY"}),
			MonthsAhead:        getInt("MONTHS_AHEAD", 1),
			IncludeIndexQuotes: getBool("INCLUDE_INDEX_QUOTES", true),
			IncludeFINNIFTY:    getBool("INCLUDE_FINNIFTY", false),
			IncludeMIDCPNIFTY:  getBool("INCLUDE_MIDCPNIFTY", false),
			MaxInstruments:     getInt("MAX_INSTRUMENTS", 2000),
		},

		ReconnectMaxAttempts: getInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay:   getMillis("RECONNECT_BASE_DELAY_MS", 5000),
		ConnectTimeout:       getMillis("CONNECT_TIMEOUT_MS", 30000),
		MarketHoursOnly:      getBool("MARKET_HOURS_ONLY", false),

		StatsEvery:   getInt("STATS_EVERY", 100),
		FanoutBuffer: getInt("FANOUT_BUFFER", 1024),

		SQLitePath:    getEnv("SQLITE_PATH", "data/feed.db"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:  getList("KAFKA_BROKERS", nil),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "feed-events"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		GatewayAddr: getEnv("GATEWAY_ADDR", ":8080"),

		GatewayViaRedis: getBool("GATEWAY_VIA_REDIS", false),

		AlertWebhookURL:  os.Getenv("ALERT_WEBHOOK_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if staging {
		if os.Getenv("FEED_AUTHORIZE_URL") == "" {
			cfg.AuthorizeURL = stagingAuthorizeURL
		}
		if cfg.AccessToken == "" {
			cfg.AccessToken = stagingToken
		}
	}
	if cfg.AccessToken == "" {
		return nil, ErrMissingToken
	}

	if cfg.SubscriptionFile != "" {
		if err := cfg.loadSubscriptionFile(cfg.SubscriptionFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSubscriptionFile overlays the keys present in the YAML file.
func (c *Config) loadSubscriptionFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var file struct {
		Indices            []string `yaml:"indices"`
		MonthsAhead        *int     `yaml:"months_ahead"`
		IncludeIndexQuotes *bool    `yaml:"include_index_quotes"`
		IncludeFINNIFTY    *bool    `yaml:"include_finnifty"`
		IncludeMIDCPNIFTY  *bool    `yaml:"include_midcpnifty"`
		MaxInstruments     *int     `yaml:"max_instruments"`
	}
	if err := yaml.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	s := &c.Subscription
	if len(file.Indices) > 0 {
		s.Indices = file.Indices
	}
	if file.MonthsAhead != nil {
		s.MonthsAhead = *file.MonthsAhead
	}
	if file.IncludeIndexQuotes != nil {
		s.IncludeIndexQuotes = *file.IncludeIndexQuotes
	}
	if file.IncludeFINNIFTY != nil {
		s.IncludeFINNIFTY = *file.IncludeFINNIFTY
	}
	if file.IncludeMIDCPNIFTY != nil {
		s.IncludeMIDCPNIFTY = *file.IncludeMIDCPNIFTY
	}
	if file.MaxInstruments != nil {
		s.MaxInstruments = *file.MaxInstruments
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case len(c.Subscription.Indices) == 0:
		return errors.New("config: at least one index is required")
	case c.Subscription.MonthsAhead < 0:
		return fmt.Errorf("config: months_ahead must be >= 0, got %d", c.Subscription.MonthsAhead)
	case c.ReconnectMaxAttempts < 0:
		return fmt.Errorf("config: RECONNECT_MAX_ATTEMPTS must be >= 0, got %d", c.ReconnectMaxAttempts)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("config: CONNECT_TIMEOUT_MS must be > 0")
	case c.GatewayViaRedis && c.RedisAddr == "":
		return errors.New("config: GATEWAY_VIA_REDIS requires REDIS_ADDR")
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("invalid integer env var, using default", "component", "config", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func getMillis(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Millisecond
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("invalid boolean env var, using default", "component", "config", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return b
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
