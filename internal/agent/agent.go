// Package agent assembles the runtime from configuration: storage, hooks,
// tools, the permission gate, the output cache, the turn driver and the
// cache janitor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/emesal/chibi-sub000/internal/config"
	"github.com/emesal/chibi-sub000/internal/cron"
	"github.com/emesal/chibi-sub000/internal/dispatch"
	"github.com/emesal/chibi-sub000/internal/loop"
	"github.com/emesal/chibi-sub000/internal/model"
	"github.com/emesal/chibi-sub000/internal/security"
	"github.com/emesal/chibi-sub000/internal/tool"
)

// BackendFactory creates the model backend. Tests inject a scripted one.
type BackendFactory func(cfg *config.Config) (model.Backend, error)

// DefaultBackendFactory builds the provider named in cfg.
func DefaultBackendFactory(cfg *config.Config) (model.Backend, error) {
	if cfg.Provider.APIKey == "" {
		return nil, errors.New("API key not set. Run 'chibi onboard' or set CHIBI_API_KEY / ANTHROPIC_API_KEY")
	}
	return model.New(model.Config{
		Provider:    cfg.Provider.Type,
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Model:       cfg.Agent.Model,
		MaxTokens:   cfg.Agent.MaxTokens,
		MaxRetries:  cfg.Provider.MaxRetries,
		Temperature: cfg.Agent.Temperature,
	})
}

type Options struct {
	BackendFactory BackendFactory
	Logger         *slog.Logger

	// Trust approves every gated operation without asking.
	Trust bool
	// Prompts for permission are written to Out and answered from In.
	In  io.Reader
	Out io.Writer

	Verbose     bool
	ProjectRoot string
	// SkipMCP leaves configured MCP servers unconnected.
	SkipMCP bool
}

// Agent owns every long-lived component. Close releases them.
type Agent struct {
	*Store

	logger     *slog.Logger
	registry   *tool.Registry
	gate       *security.Gate
	dispatcher *dispatch.Dispatcher
	driver     *loop.Driver
	cron       *cron.Service
	mcp        *tool.MCPBridge
}

// New wires an Agent from cfg. Nothing runs until Start or Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	projectRoot := opts.ProjectRoot
	if projectRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			projectRoot = wd
		}
	}

	store, err := OpenStore(cfg, logger, projectRoot)
	if err != nil {
		return nil, err
	}
	a := &Agent{Store: store, logger: logger.With("component", "agent")}

	var handler security.PermissionHandler = security.AutoApprove{}
	if !opts.Trust {
		in, out := opts.In, opts.Out
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stderr
		}
		handler = &security.Prompter{In: in, Out: out}
	}
	gateOpts := []security.GateOption{security.WithHandler(handler), security.WithGateLogger(logger)}
	if cfg.URLPolicy != nil {
		gateOpts = append(gateOpts, security.WithURLPolicy(cfg.URLPolicy))
	}
	a.gate = security.NewGate(store.Hooks, gateOpts...)

	a.registry = tool.NewRegistry()
	builtin := []tool.Tool{tool.CallAgent{}, tool.CallUser{}, tool.ShellExec{}, &tool.FetchURL{CheckRedirect: a.gate.CheckRedirect}, store.Cache.ListTool()}
	builtin = append(builtin, tool.NewFiles(store.VFS).Tools()...)
	builtin = append(builtin, tool.PluginTools(store.Manifest, projectRoot)...)
	if len(cfg.MCP) > 0 && !opts.SkipMCP {
		a.mcp = tool.ConnectMCP(ctx, cfg.MCP, logger)
		builtin = append(builtin, a.mcp.Tools()...)
	}
	for _, t := range builtin {
		if err := a.registry.Register(t); err != nil {
			a.logger.Warn("tool not registered", "tool", t.Name(), "error", err)
		}
	}

	a.dispatcher = dispatch.New(a.registry, store.Hooks, a.gate, store.Cache,
		dispatch.WithMaxConcurrentAgents(cfg.Agent.MaxConcurrentAgents),
		dispatch.WithAllowedPaths(cfg.Tools.AllowedPaths),
		dispatch.WithVerbose(opts.Verbose),
		dispatch.WithLogger(logger),
	)

	factory := opts.BackendFactory
	if factory == nil {
		factory = DefaultBackendFactory
	}
	backend, err := factory(cfg)
	if err != nil {
		_ = a.release()
		return nil, err
	}

	a.driver, err = loop.New(loop.Options{
		Backend:      backend,
		Dispatcher:   a.dispatcher,
		Hooks:        store.Hooks,
		Registry:     a.registry,
		Filter:       cfg.ToolFilter(),
		History:      store.History,
		Fuel:         cfg.Agent.Fuel,
		Costs:        cfg.FuelCosts(),
		Fallback:     cfg.Agent.Fallback,
		SystemPrompt: cfg.Agent.SystemPrompt,
		ProjectRoot:  projectRoot,
		Model:        cfg.Agent.Model,
		Verbose:      opts.Verbose,
		LockDir:      cfg.LockDir(),
		Heartbeat:    time.Duration(cfg.Lock.HeartbeatSecs) * time.Second,
		LockRetries:  cfg.Lock.Retries,
		Logger:       logger,
	})
	if err != nil {
		_ = a.release()
		return nil, fmt.Errorf("create driver: %w", err)
	}

	// spawn_agent goes in last: its spawner is the driver.
	if err := a.registry.Register(&tool.SpawnAgent{Spawner: a.driver, Hooks: store.Hooks, DefaultModel: cfg.Agent.Model}); err != nil {
		a.logger.Warn("tool not registered", "tool", tool.SpawnAgentName, "error", err)
	}

	a.cron = cron.NewService(cron.WithLogger(logger))
	if err := a.cron.Add(cron.CacheJanitorName, cfg.Cache.CleanupSchedule, cron.CacheJanitor(store.Cache, 0)); err != nil {
		a.logger.Warn("cache cleanup not scheduled", "schedule", cfg.Cache.CleanupSchedule, "error", err)
	}
	return a, nil
}

func (a *Agent) Registry() *tool.Registry { return a.registry }

func (a *Agent) Scheduler() *cron.Service { return a.cron }

func (a *Agent) Gate() *security.Gate { return a.gate }

// Run executes one turn.
func (a *Agent) Run(ctx context.Context, turn loop.Turn) error {
	return a.driver.Run(ctx, turn)
}

// Start sweeps the cache once, then runs the janitor on its schedule until
// ctx is done or Close.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.cron.RunNow(cron.CacheJanitorName); err != nil {
		a.logger.Debug("startup cache sweep", "error", err)
	}
	return a.cron.Start(ctx)
}

// Close stops the janitor and releases MCP sessions and storage.
func (a *Agent) Close() error {
	if a.cron != nil {
		a.cron.Stop()
	}
	return a.release()
}

func (a *Agent) release() error {
	if a.mcp != nil {
		if err := a.mcp.Close(); err != nil {
			a.logger.Warn("close mcp sessions", "error", err)
		}
		a.mcp = nil
	}
	return a.Store.Close()
}
