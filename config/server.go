package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures the spreadfeed daemon configuration tree.
type ServerConfig struct {
	Listen    ListenConfig    `yaml:"listen"`
	Feed      FeedConfig      `yaml:"feed"`
	Mock      MockConfig      `yaml:"mock"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ListenConfig controls the HTTP status surface.
type ListenConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// FeedConfig declares the upstream feed connection.
type FeedConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	Token          string        `yaml:"token"`
	Network        string        `yaml:"network"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	StatusBuffer   int           `yaml:"statusBuffer"`
}

// MockConfig toggles the synthetic feed.
type MockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Tokens   []string      `yaml:"tokens"`
	Seed     int64         `yaml:"seed"`
}

// FallbackConfig holds credentials for the REST fallback data source.
type FallbackConfig struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// DefaultServerConfig returns the daemon defaults used when no file is present.
func DefaultServerConfig() ServerConfig {
	base := Default()
	return ServerConfig{
		Listen: ListenConfig{
			Address:         ":8787",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Feed: FeedConfig{
			BaseURL:        base.Feed.BaseURL,
			Token:          base.Feed.Token,
			Network:        base.Feed.Network,
			ConnectTimeout: base.Feed.ConnectTimeout,
			StatusBuffer:   base.Feed.StatusBuffer,
		},
		Mock: MockConfig{
			Enabled:  base.Mock.Enabled,
			Interval: base.Mock.Interval,
			Tokens:   append([]string(nil), base.Mock.Tokens...),
			Seed:     base.Mock.Seed,
		},
		Fallback: FallbackConfig{
			APIKey:    base.Fallback.APIKey,
			APISecret: base.Fallback.APISecret,
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: ""},
	}
}

// LoadServerConfig loads the daemon configuration YAML document from disk.
// A missing file falls back to defaults overlaid with SPREADFEED_* variables.
func LoadServerConfig(ctx context.Context, path string) (ServerConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("SPREADFEED_CONFIG")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "config/server.yaml"
	}

	cfg := DefaultServerConfig()
	reader, closer, err := openServerFile(path)
	if err == nil {
		defer closer()
		bytes, readErr := io.ReadAll(reader)
		if readErr != nil {
			return ServerConfig{}, fmt.Errorf("read server config: %w", readErr)
		}
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return ServerConfig{}, fmt.Errorf("unmarshal server config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return ServerConfig{}, err
	}

	cfg = ServerFromEnv(cfg)
	if err := cfg.Validate(ctx); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ServerFromEnv overlays SPREADFEED_* environment variables on the given tree.
func ServerFromEnv(base ServerConfig) ServerConfig {
	cfg := base
	cfg.Mock.Tokens = append([]string(nil), base.Mock.Tokens...)

	if v := strings.TrimSpace(os.Getenv("SPREADFEED_LISTEN_ADDR")); v != "" {
		cfg.Listen.Address = v
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
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
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
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg
}

// Validate performs semantic validation on the loaded configuration.
func (c ServerConfig) Validate(ctx context.Context) error {
	_ = ctx
	if strings.TrimSpace(c.Listen.Address) == "" {
		return fmt.Errorf("listen address required")
	}
	if c.Listen.ShutdownTimeout < 0 {
		return fmt.Errorf("listen shutdownTimeout must be >=0")
	}
	if !c.Mock.Enabled {
		base := strings.TrimSpace(c.Feed.BaseURL)
		if base == "" {
			return fmt.Errorf("feed baseUrl required")
		}
		if !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://") {
			return fmt.Errorf("feed baseUrl must use ws or wss scheme")
		}
	}
	if c.Feed.ConnectTimeout < 0 {
		return fmt.Errorf("feed connectTimeout must be >=0")
	}
	if c.Feed.StatusBuffer < 0 {
		return fmt.Errorf("feed statusBuffer must be >=0")
	}
	if c.Mock.Enabled && c.Mock.Interval < 0 {
		return fmt.Errorf("mock interval must be >=0")
	}
	return nil
}

func openServerFile(path string) (io.Reader, func(), error) {
	safePath := filepath.Clean(path)
	file, err := os.Open(safePath) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = file.Close() }
	return file, closeFn, nil
}
