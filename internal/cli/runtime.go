package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/internal/config"
	"github.com/martinemde/taskforge/internal/metrics"
	"github.com/martinemde/taskforge/internal/store"
	"github.com/martinemde/taskforge/sandbox"
	"github.com/martinemde/taskforge/tools"
	"github.com/martinemde/taskforge/unifiedllm"
)

// runtime is everything a session-running command needs.
type runtime struct {
	client      *unifiedllm.Client
	env         *sandbox.LocalEnvironment
	registry    *agentloop.ToolRegistry
	manager     *agentloop.Manager
	broadcaster *agentloop.Broadcaster
	metrics     *metrics.Metrics
	store       *store.SQLiteStore
}

// newModelClient builds the model client for cfg.Model: the native adapter
// for anthropic, gollm for every other provider.
func newModelClient(cfg *config.Config) (*unifiedllm.Client, error) {
	m := cfg.Model
	var adapter unifiedllm.ProviderAdapter
	switch m.Provider {
	case "anthropic":
		adapter = unifiedllm.NewAnthropicAdapter(m.APIKey, m.Name, m.MaxTokens)
	default:
		a, err := unifiedllm.NewGollmAdapter(m.Provider, m.APIKey,
			unifiedllm.WithModel(m.Name),
			unifiedllm.WithMaxTokens(m.MaxTokens),
		)
		if err != nil {
			return nil, err
		}
		adapter = a
	}

	limiter := unifiedllm.NewLimiter(m.RequestsPerMinute, m.Burst)
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(m.Provider, adapter),
		unifiedllm.WithDefaultProvider(m.Provider),
		unifiedllm.WithMiddleware(unifiedllm.RateLimitMiddleware(limiter)),
	), nil
}

// newToolRegistry builds the sandbox and registers the built-in tools
// against the configured workspace.
func newToolRegistry(cfg *config.Config, logger zerolog.Logger) (*agentloop.ToolRegistry, *sandbox.LocalEnvironment, error) {
	dir, err := filepath.Abs(cfg.Sandbox.Workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve workspace: %w", err)
	}
	env := sandbox.NewLocalEnvironment(dir)
	env.SetCaptureLimit(2 * cfg.Sandbox.MaxOutput)
	if err := env.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialize workspace: %w", err)
	}

	adapter := sandbox.NewAdapter(
		sandbox.WithDefaultTimeout(cfg.Sandbox.DefaultTimeout),
		sandbox.WithMaxTimeout(cfg.Sandbox.MaxTimeout),
		sandbox.WithMaxOutput(cfg.Sandbox.MaxOutput),
		sandbox.WithLogger(logger.With().Str("component", "sandbox").Logger()),
	)

	var desktop sandbox.Desktop
	if cfg.Sandbox.Display != "" {
		desktop = sandbox.NewSerializedDesktop(sandbox.NewXDesktop(cfg.Sandbox.Display, sandbox.ExecRunner{}))
	}

	opts := tools.DefaultOptions()
	opts.CommandTimeout = cfg.Sandbox.CommandTimeout
	opts.TestTimeout = cfg.Sandbox.TestTimeout

	registry := agentloop.NewToolRegistry(adapter)
	if err := tools.RegisterDefaults(registry, env, desktop, opts); err != nil {
		return nil, nil, err
	}
	return registry, env, nil
}

// openStore opens and migrates the archive, or returns nil when disabled.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, error) {
	if !cfg.Store.Enabled {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	if cfg.Model.Name == "" {
		if info := unifiedllm.DefaultModel(cfg.Model.Provider); info != nil {
			cfg.Model.Name = info.ID
		}
	}

	client, err := newModelClient(cfg)
	if err != nil {
		return nil, err
	}
	registry, env, err := newToolRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		client:      client,
		env:         env,
		registry:    registry,
		broadcaster: agentloop.NewBroadcaster(),
		metrics:     metrics.New(),
		store:       st,
	}

	loop := agentloop.NewLoop(client, registry,
		agentloop.WithWorkspace(env),
		agentloop.WithRetryPolicy(cfg.RetryPolicy()),
		agentloop.WithLoopLogger(logger.With().Str("component", "agentloop").Logger()),
	)
	opts := []agentloop.ManagerOption{
		agentloop.WithObserver(rt.broadcaster),
		agentloop.WithObserver(rt.metrics),
		agentloop.WithManagerLogger(logger.With().Str("component", "manager").Logger()),
	}
	if st != nil {
		opts = append(opts, agentloop.WithArchiver(rt.metrics.CountArchives(st)))
	}
	rt.manager = agentloop.NewManager(loop, cfg.ManagerConfig(), opts...)
	return rt, nil
}

// Close shuts the manager down, then releases the model client, workspace
// and archive.
func (rt *runtime) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := rt.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown manager: %w", err))
	}
	if err := rt.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close model client: %w", err))
	}
	if err := rt.env.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("cleanup workspace: %w", err))
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
