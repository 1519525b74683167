// Command spreadfeed launches the spread feed daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/spreadfeed/config"
	"github.com/coachpo/spreadfeed/internal/feed"
	"github.com/coachpo/spreadfeed/internal/observability"
	"github.com/coachpo/spreadfeed/internal/schema"
	httpserver "github.com/coachpo/spreadfeed/internal/server/http"
	"github.com/coachpo/spreadfeed/internal/telemetry"
)

const (
	defaultConfigPath        = "config/server.yaml"
	daemonLoggerPrefix       = "spreadfeed "
	mockEndpoint             = "ws://mock.invalid/feed"
	defaultShutdownTimeout   = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	feedShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	httpReadHeaderTimeout    = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDaemonLogger()
	if err := godotenv.Load(); err == nil {
		logger.Print("environment loaded from .env")
	}

	observability.SetLogger(observability.NewSlogLogger(
		slog.New(slog.NewJSONHandler(os.Stdout, nil))))

	cfg, err := config.LoadServerConfig(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	environment := config.FromEnv().Environment
	logger.Printf("configuration initialised: env=%s, listen=%s, mock=%t",
		environment, cfg.Listen.Address, cfg.Mock.Enabled)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry, environment)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	client, err := buildFeedClient(cfg, logger)
	if err != nil {
		logger.Fatalf("initialise feed client: %v", err)
	}

	var lifecycle conc.WaitGroup

	transitions, err := client.StatusTransitions(ctx)
	if err != nil {
		logger.Fatalf("watch status transitions: %v", err)
	}
	lifecycle.Go(func() {
		for tr := range transitions {
			logger.Printf("feed status: %s -> %s (%s)", tr.From, tr.To, tr.Reason)
		}
	})

	releaseData := client.Subscribe(func(rows []schema.QuoteRow) {
		observability.Log().Debug("dataset delivered",
			observability.Field{Key: "rows", Value: len(rows)})
	})
	releaseErrors := client.OnError(func(err error) {
		observability.Log().Error("feed error",
			observability.Field{Key: "error", Value: err.Error()})
	})
	releaseCloses := client.OnClose(func(evt feed.CloseEvent) {
		logger.Printf("feed session closed: code=%d clean=%t had_data=%t",
			evt.Code, evt.WasClean, evt.HadData)
	})

	apiServer := buildAPIServer(cfg.Listen, environment, client)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("status API listening on %s", apiServer.Addr)

	logger.Print("spreadfeed started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownBudget := cfg.Listen.ShutdownTimeout
	if shutdownBudget <= 0 {
		shutdownBudget = defaultShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		client:     client,
		releases:   []func(){releaseData, releaseErrors, releaseCloses},
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to daemon configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonLogger() *log.Logger {
	return log.New(os.Stdout, daemonLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig, env config.Environment) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func buildFeedClient(cfg config.ServerConfig, logger *log.Logger) (*feed.Client, error) {
	opts := feed.ClientOptions{
		Endpoint:       "",
		ConnectTimeout: cfg.Feed.ConnectTimeout,
		StatusBuffer:   cfg.Feed.StatusBuffer,
		FanoutWorkers:  0,
		Dial:           nil,
		NewBackOff:     nil,
	}
	if cfg.Mock.Enabled {
		opts.Endpoint = mockEndpoint
		opts.Dial = feed.MockDialer(feed.MockConfig{
			Interval: cfg.Mock.Interval,
			Tokens:   cfg.Mock.Tokens,
			Network:  schema.NormalizeNetwork(cfg.Feed.Network),
			Seed:     cfg.Mock.Seed,
		})
		logger.Printf("mock feed enabled: interval=%s", cfg.Mock.Interval)
		return feed.NewClient(opts)
	}

	endpoint, err := feed.BuildFeedURL(cfg.Feed.BaseURL, cfg.Feed.Token, cfg.Feed.Network)
	if err != nil {
		return nil, fmt.Errorf("build feed URL: %w", err)
	}
	opts.Endpoint = endpoint
	return feed.NewClient(opts)
}

func buildAPIServer(cfg config.ListenConfig, env config.Environment, client *feed.Client) *http.Server {
	handler := httpserver.NewHandler(env, client)

	return &http.Server{
		Addr:                         cfg.Address,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  cfg.ReadTimeout,
		WriteTimeout:                 cfg.WriteTimeout,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            httpReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("status server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	client     *feed.Client
	releases   []func()
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping status server", httpShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.client != nil {
		shutdownStep("closing feed client", feedShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				for _, release := range cfg.releases {
					if release != nil {
						release()
					}
				}
				cfg.client.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
