package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/emesal/chibi-sub000/internal/agent"
	"github.com/emesal/chibi-sub000/internal/bus"
	"github.com/emesal/chibi-sub000/internal/cache"
	"github.com/emesal/chibi-sub000/internal/config"
	"github.com/emesal/chibi-sub000/internal/hooks"
	"github.com/emesal/chibi-sub000/internal/logging"
	"github.com/emesal/chibi-sub000/internal/loop"
	"github.com/emesal/chibi-sub000/internal/vfs"
)

// AgentOptions carries the dependencies a turn needs, injectable for tests.
type AgentOptions struct {
	BackendFactory agent.BackendFactory
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "chibi [prompt]",
	Short: "chibi - a fuel-bounded, permission-gated coding agent",
	Long:  "Run one turn with the given prompt, or start a REPL when there is none.",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd, strings.Join(args, " "))
	},
	SilenceUsage: true,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run agent in single message or REPL mode",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runAgent(cmd, messageFlag)
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and hook manifest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnboard(cmd.OutOrStdout())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and context lock status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStatus(cmd.OutOrStdout())
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear a context's transcript and cached outputs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, err := contextName()
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, s *agent.Store) error {
			if err := s.Clear(ctx, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared context %s\n", name)
			return nil
		})
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune cached tool outputs",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached outputs (all contexts unless -c is given)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(ctx context.Context, s *agent.Store) error {
			return runCacheList(ctx, cmd.OutOrStdout(), s.Cache, contextFlag)
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached output of a context",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, err := contextName()
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, s *agent.Store) error {
			if err := s.Cache.Clear(ctx, name); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache for %s\n", name)
			return nil
		})
	},
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove cached outputs older than the configured age",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(ctx context.Context, s *agent.Store) error {
			n, err := s.Cache.Cleanup(ctx, time.Duration(maxAgeDaysFlag)*24*time.Hour)
			if err != nil {
				return fmt.Errorf("cache cleanup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries\n", n)
			return nil
		})
	},
}

var (
	messageFlag    string
	contextFlag    string
	trustFlag      bool
	verboseFlag    bool
	fuelFlag       int
	maxAgeDaysFlag int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&contextFlag, "context", "c", "", "Context name (default \"default\")")
	rootCmd.PersistentFlags().BoolVar(&trustFlag, "trust", false, "Approve every gated operation without asking")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Show tool traffic and fuel diagnostics")
	rootCmd.PersistentFlags().IntVar(&fuelFlag, "fuel", -1, "Fuel budget for this run (0 = unlimited)")
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	cacheCleanupCmd.Flags().IntVar(&maxAgeDaysFlag, "max-age-days", 0, "Age cutoff in days (default from config)")

	cacheCmd.AddCommand(cacheListCmd, cacheClearCmd, cacheCleanupCmd)
	rootCmd.AddCommand(agentCmd, onboardCmd, statusCmd, clearCmd, cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// contextName resolves -c, refusing names no context may own.
func contextName() (string, error) {
	name := contextFlag
	if name == "" {
		name = loop.DefaultContext
	}
	if err := vfs.CheckContextName(name); err != nil {
		return "", fmt.Errorf("invalid context: %w", err)
	}
	return name, nil
}

func fuelOverride() *uint {
	if fuelFlag < 0 {
		return nil
	}
	f := uint(fuelFlag)
	return &f
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(cfg *config.Config, out io.Writer) (*slog.Logger, io.Closer, error) {
	level := cfg.Log.Level
	if verboseFlag {
		level = "debug"
	}
	return logging.New(logging.Options{Level: level, File: cfg.Log.File, Output: out})
}

func runAgent(cmd *cobra.Command, prompt string) error {
	ctx, cancel := signalContext()
	defer cancel()
	return runAgentWithOptions(ctx, prompt, AgentOptions{
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
}

// runAgentWithOptions runs one turn when prompt is set and a REPL otherwise.
func runAgentWithOptions(ctx context.Context, prompt string, opts AgentOptions) error {
	name, err := contextName()
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	logger, logCloser, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	shutdown, err := setupTracing(ctx)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// Permission prompts and the REPL read from the same buffer.
	in := bufio.NewReader(stdin)
	a, err := agent.New(ctx, cfg, agent.Options{
		BackendFactory: opts.BackendFactory,
		Logger:         logger,
		Trust:          trustFlag,
		In:             in,
		Out:            stderr,
		Verbose:        verboseFlag,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Start(ctx); err != nil {
		logger.Warn("cache janitor not started", "error", err)
	}

	sink := &bus.Terminal{Out: stdout, Err: stderr, Verbose: verboseFlag}
	turn := func(p string) error {
		err := a.Run(ctx, loop.Turn{Context: name, Prompt: p, Sink: sink, Fuel: fuelOverride()})
		fmt.Fprintln(stdout)
		return err
	}

	if prompt != "" {
		if err := turn(prompt); err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		return nil
	}

	if path := config.ConfigPath(); fileExists(path) {
		err := config.Watch(ctx, path, func(c *config.Config) {
			a.Gate().SetURLPolicy(c.URLPolicy)
			logger.Info("url policy reloaded", "path", path)
		})
		if err != nil {
			logger.Debug("config watch unavailable", "error", err)
		}
	}

	fmt.Fprintf(stdout, "chibi agent, context %s (type 'exit' to quit)\n", name)
	for {
		fmt.Fprint(stdout, "\n> ")
		line, err := in.ReadString('\n')
		input := strings.TrimSpace(line)
		if input == "exit" || input == "quit" {
			break
		}
		if input != "" {
			if terr := turn(input); terr != nil {
				if errors.Is(terr, context.Canceled) {
					return nil
				}
				fmt.Fprintf(stderr, "Error: %v\n", terr)
			}
		}
		if err != nil {
			break
		}
	}
	return nil
}

func withStore(fn func(ctx context.Context, s *agent.Store) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	wd, _ := os.Getwd()
	s, err := agent.OpenStore(cfg, logger, wd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return fn(ctx, s)
}

func runCacheList(ctx context.Context, w io.Writer, cm *cache.Manager, owner string) error {
	owners := []string{owner}
	if owner == "" {
		var err error
		if owners, err = cm.Owners(ctx); err != nil {
			return fmt.Errorf("list cache owners: %w", err)
		}
		sort.Strings(owners)
	}
	if len(owners) == 0 {
		fmt.Fprintln(w, "No cached outputs found.")
		return nil
	}
	for i, o := range owners {
		entries, err := cm.List(ctx, o)
		if err != nil {
			return fmt.Errorf("list cache for %s: %w", o, err)
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		var total int64
		for _, e := range entries {
			total += e.Size
		}
		fmt.Fprintf(w, "[%s] %d entries, %s\n", o, len(entries), humanize.Bytes(uint64(total)))
		fmt.Fprintln(w, cache.FormatList(entries))
	}
	return nil
}

func runOnboard(w io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if !fileExists(cfgPath) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(w, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.LockDir(), 0o755); err != nil {
		return fmt.Errorf("create contexts dir: %w", err)
	}
	writeIfNotExists(w, cfg.HooksPath(), defaultHooksYAML)

	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(w, "  2. Or set CHIBI_API_KEY / ANTHROPIC_API_KEY")
	fmt.Fprintln(w, "  3. Run 'chibi \"Hello\"' to test")
	return nil
}

func runStatus(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(w, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(w, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	if cfg.Agent.Fuel == 0 {
		fmt.Fprintln(w, "Fuel: unlimited")
	} else {
		fmt.Fprintf(w, "Fuel: %d\n", cfg.Agent.Fuel)
	}
	storagePath := cfg.StorageDir()
	if cfg.Storage.Backend == "sqlite" {
		storagePath = cfg.SQLitePath()
	}
	fmt.Fprintf(w, "Storage: %s (%s)\n", cfg.Storage.Backend, storagePath)

	if m, err := hooks.LoadManifest(cfg.HooksPath()); err != nil {
		fmt.Fprintf(w, "Hooks: error (%v)\n", err)
	} else {
		fmt.Fprintf(w, "Hooks: %d hooks, %d plugin tools (%s)\n", len(m.Hooks), len(m.Tools), cfg.HooksPath())
	}

	names := contextDirs(cfg.LockDir())
	if len(names) == 0 {
		fmt.Fprintln(w, "Contexts: none")
		return nil
	}
	fmt.Fprintln(w, "Contexts:")
	for _, name := range names {
		status := agent.ContextLockStatus(cfg, name)
		if status == "" {
			status = "[idle]"
		}
		fmt.Fprintf(w, "  %s %s\n", name, status)
	}
	return nil
}

func contextDirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeIfNotExists(w io.Writer, path, content string) {
	if fileExists(path) {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err == nil {
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}

const defaultHooksYAML = `# chibi hooks and plugin tools.
#
# Each hook runs with the event payload as JSON on stdin and may answer with
# a JSON object on stdout. Points include pre_message, pre_tool, post_tool,
# pre_file_write, pre_shell_exec, pre_fetch_url, pre_api_tools and on_end.
#
# hooks:
#   - name: audit
#     command: ./audit.sh
#     points: [pre_shell_exec, pre_file_write]
#     timeout: 10s
#
# tools:
#   - name: weather
#     description: Look up the weather for a city
#     command: ./weather
#     parameters: {type: object, properties: {city: {type: string}}}
hooks: []
tools: []
`
