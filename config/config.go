// Package config centralises runtime configuration helpers for spreadfeed services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where spreadfeed operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// FeedSettings configures the upstream spread-feed connection.
type FeedSettings struct {
	BaseURL        string
	Token          string
	Network        string
	ConnectTimeout time.Duration
	StatusBuffer   int
}

// MockSettings toggles the synthetic feed used for local development.
type MockSettings struct {
	Enabled  bool
	Interval time.Duration
	Tokens   []string
	Seed     int64
}

// FallbackSettings carries API credentials for the REST fallback data source.
// The feed client never reads them; they are handed to callers that poll the
// HTTP API when the stream is unavailable.
type FallbackSettings struct {
	APIKey    string
	APISecret string
}

// Settings contains the spreadfeed configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	Feed        FeedSettings
	Mock        MockSettings
	Fallback    FallbackSettings
}

// Default returns the default spreadfeed configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Feed: FeedSettings{
			BaseURL:        "wss://feed.arbmonitor.io/ws",
			Token:          "",
			Network:        "solana",
			ConnectTimeout: 30 * time.Second,
			StatusBuffer:   16,
		},
		Mock: MockSettings{
			Enabled:  false,
			Interval: 2 * time.Second,
			Tokens:   nil,
			Seed:     0,
		},
		Fallback: FallbackSettings{
			APIKey:    "",
			APISecret: "",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("SPREADFEED_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}

	if v := strings.TrimSpace(os.Getenv("SPREADFEED_FEED_URL")); v != "" {
		cfg.Feed.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SPREADFEED_FEED_TOKEN")); v != "" {
		cfg.Feed.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("SPREADFEED_NETWORK")); v != "" {
		cfg.Feed.Network = v
	}
	if v := strings.TrimSpace(os.Getenv("SPREADFEED_CONNECT_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Feed.ConnectTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SPREADFEED_STATUS_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Feed.StatusBuffer = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("SPREADFEED_MOCK")); v != "" {
		cfg.Mock.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("SPREADFEED_MOCK_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Mock.Interval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("SPREADFEED_MOCK_TOKENS")); v != "" {
		cfg.Mock.Tokens = splitTokens(v)
	}
	if v := strings.TrimSpace(os.Getenv("SPREADFEED_MOCK_SEED")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Mock.Seed = n
		}
	}

	if v := strings.TrimSpace(os.Getenv("SPREADFEED_FALLBACK_API_KEY")); v != "" {
		cfg.Fallback.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("SPREADFEED_FALLBACK_API_SECRET")); v != "" {
		cfg.Fallback.APISecret = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithFeedURL overrides the feed base URL.
func WithFeedURL(baseURL string) Option {
	baseURL = strings.TrimSpace(baseURL)
	return func(s *Settings) {
		if baseURL != "" {
			s.Feed.BaseURL = baseURL
		}
	}
}

// WithFeedToken sets the token query parameter sent on connect.
func WithFeedToken(token string) Option {
	token = strings.TrimSpace(token)
	return func(s *Settings) {
		s.Feed.Token = token
	}
}

// WithNetwork overrides the network query parameter sent on connect.
func WithNetwork(network string) Option {
	network = strings.TrimSpace(network)
	return func(s *Settings) {
		if network != "" {
			s.Feed.Network = network
		}
	}
}

// WithConnectTimeout overrides the dial timeout for the feed connection.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.Feed.ConnectTimeout = timeout
		}
	}
}

// WithStatusBuffer overrides the per-watcher status channel buffer.
func WithStatusBuffer(size int) Option {
	return func(s *Settings) {
		if size > 0 {
			s.Feed.StatusBuffer = size
		}
	}
}

// WithMockFeed toggles the synthetic feed.
func WithMockFeed(enabled bool) Option {
	return func(s *Settings) {
		s.Mock.Enabled = enabled
	}
}

// WithMockInterval overrides the synthetic frame interval.
func WithMockInterval(interval time.Duration) Option {
	return func(s *Settings) {
		if interval > 0 {
			s.Mock.Interval = interval
		}
	}
}

// WithMockTokens overrides the token set emitted by the synthetic feed.
func WithMockTokens(tokens ...string) Option {
	cleaned := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if t := strings.TrimSpace(token); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return func(s *Settings) {
		if len(cleaned) > 0 {
			s.Mock.Tokens = append([]string(nil), cleaned...)
		}
	}
}

// WithFallbackCredentials sets the REST fallback API key pair.
func WithFallbackCredentials(key, secret string) Option {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return func(s *Settings) {
		s.Fallback.APIKey = key
		s.Fallback.APISecret = secret
	}
}

func (s Settings) clone() Settings {
	clone := Settings{
		Environment: s.Environment,
		Feed:        s.Feed,
		Mock:        s.Mock,
		Fallback:    s.Fallback,
	}
	clone.Mock.Tokens = append([]string(nil), s.Mock.Tokens...)
	return clone
}

func splitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if token := strings.TrimSpace(part); token != "" {
			out = append(out, token)
		}
	}
	return out
}
