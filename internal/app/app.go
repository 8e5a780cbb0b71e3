package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	server "gemfall/server"
	"gemfall/server/internal/engine"
	servernet "gemfall/server/internal/net"
	"gemfall/server/internal/observability"
	"gemfall/server/internal/telemetry"
	"gemfall/server/logging"
	"gemfall/server/logging/sinks"
)

// Config is the process-level configuration, loaded from the environment.
type Config struct {
	Addr             string        `env:"GEMFALL_ADDR" envDefault:":8080"`
	ClientDir        string        `env:"GEMFALL_CLIENT_DIR"`
	EngineSeed       string        `env:"GEMFALL_ENGINE_SEED" envDefault:"gemfall-dev"`
	StepTimeout      time.Duration `env:"GEMFALL_STEP_TIMEOUT" envDefault:"15s"`
	RecoveryAttempts int           `env:"GEMFALL_RECOVERY_ATTEMPTS" envDefault:"3"`
	FraudBlock       float64       `env:"GEMFALL_FRAUD_BLOCK_THRESHOLD" envDefault:"0"`
	CompensatePay    bool          `env:"GEMFALL_ALLOW_COMPENSATED_PAYOUTS" envDefault:"false"`
	LogSinks         []string      `env:"GEMFALL_LOG_SINKS" envSeparator:"," envDefault:"console"`
	LogJSONPath      string        `env:"GEMFALL_LOG_JSON_PATH"`
	EnablePprofTrace bool          `env:"GEMFALL_ENABLE_PPROF_TRACE" envDefault:"false"`

	Logger telemetry.Logger `env:"-"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Run wires the hub, its collaborators and the HTTP surface, then serves
// until the listener fails or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	logConfig := logging.DefaultConfig()
	logConfig.EnabledSinks = cfg.LogSinks

	namedSinks := make([]logging.NamedSink, 0, len(cfg.LogSinks))
	if logConfig.HasSink("console") {
		namedSinks = append(namedSinks, logging.NamedSink{
			Name: "console",
			Sink: sinks.NewConsoleSink(os.Stdout, logConfig.Console),
		})
	}
	if logConfig.HasSink("json") {
		out := os.Stdout
		if cfg.LogJSONPath != "" {
			file, err := os.OpenFile(cfg.LogJSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open json log: %w", err)
			}
			defer file.Close()
			out = file
		}
		namedSinks = append(namedSinks, logging.NamedSink{
			Name: "json",
			Sink: sinks.NewJSON(out, logConfig.JSON.FlushInterval),
		})
	}

	router, err := logging.NewRouter(nil, logConfig, namedSinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	engineCfg := engine.DefaultConfig()
	engineCfg.Seed = cfg.EngineSeed
	provider, err := engine.NewDeterministic(engineCfg)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	hubCfg := server.DefaultHubConfig()
	hubCfg.StepTimeout = cfg.StepTimeout
	hubCfg.RecoveryAttempts = cfg.RecoveryAttempts
	hubCfg.FraudBlockThreshold = cfg.FraudBlock
	hubCfg.Game.AllowCompensatedPayouts = cfg.CompensatePay
	hubCfg.Logger = telemetryLogger

	hub := server.NewHubWithConfig(hubCfg, provider, router)
	stop := make(chan struct{})
	go hub.RunMaintenance(stop)
	defer close(stop)

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		ClientDir:     cfg.ClientDir,
		Observability: observability.Config{EnablePprofTrace: cfg.EnablePprofTrace},
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}
	telemetryLogger.Printf("server listening on %s", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
