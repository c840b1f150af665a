package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emesal/chibi-sub000/internal/fuel"
	"github.com/emesal/chibi-sub000/internal/security"
	"github.com/emesal/chibi-sub000/internal/tool"
)

const (
	DefaultModel               = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens           = 8192
	DefaultFallback            = tool.CallUserName
	DefaultMaxConcurrentAgents = 4
	DefaultCacheThreshold      = 5000
	DefaultCachePreviewChars   = 500
	DefaultCacheMaxAgeDays     = 7
	DefaultCleanupSchedule     = "@hourly"
	DefaultLockHeartbeatSecs   = 30
	DefaultLockRetries         = 5
	DefaultStorageBackend      = "local"
	DefaultLogLevel            = "info"

	OpenRouterBaseURL = "https://openrouter.ai/api/v1/"
)

type Config struct {
	Agent     AgentConfig          `json:"agent" yaml:"agent"`
	Provider  ProviderConfig       `json:"provider" yaml:"provider"`
	Tools     ToolsConfig          `json:"tools" yaml:"tools"`
	Cache     CacheConfig          `json:"cache" yaml:"cache"`
	Lock      LockConfig           `json:"lock" yaml:"lock"`
	Storage   StorageConfig        `json:"storage" yaml:"storage"`
	URLPolicy *security.URLPolicy  `json:"urlPolicy,omitempty" yaml:"urlPolicy,omitempty"`
	MCP       []tool.MCPServerSpec `json:"mcpServers,omitempty" yaml:"mcpServers,omitempty"`
	Hooks     string               `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Log       LogConfig            `json:"log" yaml:"log"`
}

type AgentConfig struct {
	Model        string   `json:"model" yaml:"model"`
	MaxTokens    int      `json:"maxTokens" yaml:"maxTokens"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	// Fallback is call_user or call_agent.
	Fallback string `json:"fallback" yaml:"fallback"`
	// Fuel is the per-turn budget; 0 is unlimited.
	Fuel                  uint `json:"fuel" yaml:"fuel"`
	FuelToolRoundCost     uint `json:"fuelToolRoundCost" yaml:"fuelToolRoundCost"`
	FuelEmptyResponseCost uint `json:"fuelEmptyResponseCost" yaml:"fuelEmptyResponseCost"`
	FuelContinuationCost  uint `json:"fuelContinuationCost" yaml:"fuelContinuationCost"`
	MaxConcurrentAgents   int  `json:"maxConcurrentAgents" yaml:"maxConcurrentAgents"`
}

type ProviderConfig struct {
	Type       string `json:"type,omitempty" yaml:"type,omitempty"` // "anthropic" (default), "openai" or "openrouter"
	APIKey     string `json:"apiKey" yaml:"apiKey"`
	BaseURL    string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

type ToolsConfig struct {
	Include           []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude           []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	ExcludeCategories []string `json:"excludeCategories,omitempty" yaml:"excludeCategories,omitempty"`
	// AllowedPaths may be read without asking, besides the project root.
	AllowedPaths []string `json:"allowedPaths,omitempty" yaml:"allowedPaths,omitempty"`
}

type CacheConfig struct {
	Threshold       int    `json:"threshold" yaml:"threshold"`
	PreviewChars    int    `json:"previewChars" yaml:"previewChars"`
	MaxAgeDays      int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	CleanupSchedule string `json:"cleanupSchedule" yaml:"cleanupSchedule"`
}

type LockConfig struct {
	HeartbeatSecs int `json:"heartbeatSecs" yaml:"heartbeatSecs"`
	Retries       int `json:"retries" yaml:"retries"`
}

type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "local" or "sqlite"
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:                 DefaultModel,
			MaxTokens:             DefaultMaxTokens,
			Fallback:              DefaultFallback,
			Fuel:                  fuel.DefaultTotal,
			FuelToolRoundCost:     fuel.DefaultToolRoundCost,
			FuelEmptyResponseCost: fuel.DefaultEmptyResponseCost,
			FuelContinuationCost:  fuel.DefaultContinuationCost,
			MaxConcurrentAgents:   DefaultMaxConcurrentAgents,
		},
		Cache: CacheConfig{
			Threshold:       DefaultCacheThreshold,
			PreviewChars:    DefaultCachePreviewChars,
			MaxAgeDays:      DefaultCacheMaxAgeDays,
			CleanupSchedule: DefaultCleanupSchedule,
		},
		Lock: LockConfig{
			HeartbeatSecs: DefaultLockHeartbeatSecs,
			Retries:       DefaultLockRetries,
		},
		Storage: StorageConfig{Backend: DefaultStorageBackend},
		Log:     LogConfig{Level: DefaultLogLevel},
	}
}

// ConfigDir is CHIBI_HOME when set, ~/.chibi otherwise.
func ConfigDir() string {
	if dir := os.Getenv("CHIBI_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chibi")
}

// ConfigPath returns the first existing config file, preferring YAML, and
// config.json when there is none.
func ConfigPath() string {
	dir := ConfigDir()
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

// StorageDir is where the local VFS backend keeps its files.
func (c *Config) StorageDir() string {
	if c.Storage.Path != "" && c.Storage.Backend != "sqlite" {
		return c.Storage.Path
	}
	return filepath.Join(ConfigDir(), "vfs")
}

// SQLitePath is the database file for the sqlite VFS backend.
func (c *Config) SQLitePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(ConfigDir(), "vfs.db")
}

// LockDir holds one lock directory per context.
func (c *Config) LockDir() string {
	return filepath.Join(ConfigDir(), "contexts")
}

// HooksPath is the hook and plugin manifest.
func (c *Config) HooksPath() string {
	if c.Hooks != "" {
		return c.Hooks
	}
	return filepath.Join(ConfigDir(), "hooks.yaml")
}

func LoadConfig() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)

	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.Fallback == "" {
		cfg.Agent.Fallback = DefaultFallback
	}
	if cfg.Cache.CleanupSchedule == "" {
		cfg.Cache.CleanupSchedule = DefaultCleanupSchedule
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	return cfg, cfg.Validate()
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CHIBI_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openrouter"
		}
	}
	if url := os.Getenv("CHIBI_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if cfg.Provider.Type == "openrouter" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = OpenRouterBaseURL
	}
	if model := os.Getenv("CHIBI_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if f := os.Getenv("CHIBI_FUEL"); f != "" {
		if parsed, err := strconv.ParseUint(f, 10, 32); err == nil {
			cfg.Agent.Fuel = uint(parsed)
		}
	}
}

// Validate rejects settings the loop cannot run with.
func (c *Config) Validate() error {
	switch c.Agent.Fallback {
	case tool.CallUserName, tool.CallAgentName:
	default:
		return fmt.Errorf("agent.fallback must be %s or %s, got %q", tool.CallUserName, tool.CallAgentName, c.Agent.Fallback)
	}
	switch c.Storage.Backend {
	case "local", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be local or sqlite, got %q", c.Storage.Backend)
	}
	for _, k := range c.Tools.ExcludeCategories {
		if _, err := tool.ParseKind(k); err != nil {
			return fmt.Errorf("tools.excludeCategories: %w", err)
		}
	}
	return nil
}

// FuelCosts returns the cost schedule.
func (c *Config) FuelCosts() fuel.Costs {
	return fuel.Costs{
		ToolRound:     c.Agent.FuelToolRoundCost,
		EmptyResponse: c.Agent.FuelEmptyResponseCost,
		Continuation:  c.Agent.FuelContinuationCost,
	}
}

// ToolFilter converts the tools section.
func (c *Config) ToolFilter() tool.Filter {
	f := tool.Filter{Include: c.Tools.Include, Exclude: c.Tools.Exclude}
	for _, k := range c.Tools.ExcludeCategories {
		if kind, err := tool.ParseKind(k); err == nil {
			f.ExcludeCategories = append(f.ExcludeCategories, kind)
		}
	}
	return f
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	path := ConfigPath()
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
