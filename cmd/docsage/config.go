package main

// config.go builds the runtime shared by every command: configuration,
// logging, tracing, metrics, the LLM client, and the history store.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/docsage/internal/config"
	"github.com/haasonsaas/docsage/internal/history"
	"github.com/haasonsaas/docsage/internal/llm"
	"github.com/haasonsaas/docsage/internal/observability"
	"github.com/haasonsaas/docsage/internal/session"
)

// app holds the long-lived dependencies of one CLI invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	history *history.Manager
	client  llm.Client

	closers []func(context.Context) error
}

// resolveConfigPath picks the configuration file: the --config flag, then
// DOCSAGE_CONFIG, then ~/.docsage/config.yaml when it exists.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("DOCSAGE_CONFIG")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json5"} {
		candidate := filepath.Join(home, ".docsage", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// loadConfig reads configuration and applies command line overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := config.LoadEnvFiles(opts.envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	cfg, err := config.Load(resolveConfigPath(opts.configPath))
	if err != nil {
		return nil, err
	}

	if p := strings.TrimSpace(opts.provider); p != "" {
		cfg.LLM.Provider = strings.ToLower(p)
	}
	if m := strings.TrimSpace(opts.model); m != "" {
		cfg.Agent.Model = m
	}
	if l := strings.TrimSpace(opts.logLevel); l != "" {
		cfg.Logging.Level = l
	}
	if a := strings.TrimSpace(opts.metricsAddr); a != "" {
		cfg.Observability.MetricsAddr = a
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp wires the runtime. withLLM is false for commands that never call
// the model, so they work without an API key.
func newApp(cmd *cobra.Command, opts *rootOptions, withLLM bool) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger)

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "docsage",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(reg)
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		if err := a.serveMetrics(addr, reg); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	store, err := history.OpenStore(ctx, cfg.History.Backend, cfg.History.Path, cfg.History.DSN, a.logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.history = history.NewManager(store, history.WithLogger(a.logger), history.WithMetrics(a.metrics))
	a.closers = append(a.closers, func(context.Context) error { return a.history.Close() })

	if withLLM {
		client, err := newLLMClient(ctx, cfg)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.client = client
	}

	a.logger.Debug("runtime ready",
		"provider", cfg.LLM.Provider,
		"model", cfg.ModelName(),
		"history_backend", cfg.History.Backend,
		"tool_server", cfg.ToolServer.Command)
	return a, nil
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	provider := cfg.LLM.Provider
	pc := cfg.ProviderConfig()
	if pc.APIKey == "" && (provider != "openai" || pc.BaseURL == config.DefaultOpenAIBaseURL) {
		return nil, fmt.Errorf("%s: %w (set %s_API_KEY or llm.providers.%s.api_key)",
			provider, llm.ErrNotConfigured, strings.ToUpper(provider), provider)
	}
	return llm.New(ctx, provider, llm.Config{
		APIKey:    pc.APIKey,
		BaseURL:   pc.BaseURL,
		Model:     cfg.ModelName(),
		MaxTokens: pc.MaxTokens,
	})
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	a.closers = append(a.closers, srv.Shutdown)
	return nil
}

// sessionConfig is the session configuration for conversationID.
func (a *app) sessionConfig(conversationID string) session.Config {
	agentCfg := a.cfg.Agent
	agentCfg.Model = a.cfg.ModelName()
	return session.Config{
		ConversationID: conversationID,
		Agent:          agentCfg,
		ToolServer:     a.cfg.ToolServer,
	}
}

func (a *app) sessionOptions() []session.Option {
	return []session.Option{
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
		session.WithTracer(a.tracer),
	}
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

// describeError turns a failure into one line for the terminal.
func describeError(err error) string {
	switch session.Classify(err) {
	case session.FailureBusy:
		return "another question is still being answered"
	case session.FailureDegraded:
		return fmt.Sprintf("documentation server unavailable: %v", err)
	case session.FailureTransient:
		return fmt.Sprintf("the model is temporarily unavailable, try again: %v", err)
	case session.FailureCancelled:
		return "cancelled"
	default:
		return err.Error()
	}
}

// exitCode maps a failure to the process exit status.
func exitCode(err error) int {
	switch session.Classify(err) {
	case session.FailureCancelled:
		return 130
	case session.FailureTransient, session.FailureDegraded:
		return 2
	default:
		return 1
	}
}
