package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emesal/chibi-sub000/internal/tool"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHIBI_HOME", dir)
	for _, k := range []string{"CHIBI_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY", "CHIBI_BASE_URL", "CHIBI_MODEL", "CHIBI_FUEL"} {
		t.Setenv(k, "")
	}
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Agent.Model, DefaultModel)
	}
	if cfg.Agent.Fuel != 30 {
		t.Errorf("fuel = %d, want 30", cfg.Agent.Fuel)
	}
	costs := cfg.FuelCosts()
	if costs.ToolRound != 1 || costs.EmptyResponse != 15 || costs.Continuation != 1 {
		t.Errorf("costs = %+v", costs)
	}
	if cfg.Agent.Fallback != tool.CallUserName {
		t.Errorf("fallback = %q", cfg.Agent.Fallback)
	}
	if cfg.Cache.Threshold != DefaultCacheThreshold {
		t.Errorf("cache threshold = %d", cfg.Cache.Threshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	dir := isolate(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cfg.Agent.Model)
	}
	if got := ConfigPath(); got != filepath.Join(dir, "config.json") {
		t.Errorf("ConfigPath = %q", got)
	}
}

func TestLoadConfig_FromJSON(t *testing.T) {
	dir := isolate(t)
	data := `{"agent":{"model":"claude-opus-4-1","fuel":0},"tools":{"exclude":["shell_exec"]},"provider":{"apiKey":"file-key"}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Model != "claude-opus-4-1" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.Fuel != 0 {
		t.Errorf("explicit zero fuel should stay unlimited, got %d", cfg.Agent.Fuel)
	}
	if cfg.Agent.FuelEmptyResponseCost != 15 {
		t.Errorf("unset cost lost its default: %d", cfg.Agent.FuelEmptyResponseCost)
	}
	if f := cfg.ToolFilter(); len(f.Exclude) != 1 || f.Exclude[0] != "shell_exec" {
		t.Errorf("filter = %+v", f)
	}
	if cfg.Provider.APIKey != "file-key" {
		t.Errorf("apiKey = %q", cfg.Provider.APIKey)
	}
}

func TestLoadConfig_FromYAML(t *testing.T) {
	dir := isolate(t)
	data := `
agent:
  fallback: call_agent
  fuel: 12
urlPolicy:
  default: deny
  allow:
    - "https://docs.rs/*"
  deny:
    - "preset:loopback"
tools:
  excludeCategories: [shell]
storage:
  backend: sqlite
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if got := ConfigPath(); filepath.Base(got) != "config.yaml" {
		t.Fatalf("ConfigPath = %q, want config.yaml", got)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Fallback != tool.CallAgentName || cfg.Agent.Fuel != 12 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.URLPolicy == nil || len(cfg.URLPolicy.Allow) != 1 || len(cfg.URLPolicy.Deny) != 1 {
		t.Fatalf("urlPolicy = %+v", cfg.URLPolicy)
	}
	if cfg.URLPolicy.Allow[0].Pattern != "https://docs.rs/*" {
		t.Errorf("allow rule = %+v", cfg.URLPolicy.Allow[0])
	}
	if f := cfg.ToolFilter(); len(f.ExcludeCategories) != 1 || f.ExcludeCategories[0] != tool.KindShell {
		t.Errorf("categories = %+v", f.ExcludeCategories)
	}
	if cfg.SQLitePath() != filepath.Join(dir, "vfs.db") {
		t.Errorf("sqlite path = %q", cfg.SQLitePath())
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("CHIBI_MODEL", "qwen/qwen3")
	t.Setenv("CHIBI_FUEL", "7")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "or-key" || cfg.Provider.Type != "openrouter" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Provider.BaseURL != OpenRouterBaseURL {
		t.Errorf("baseUrl = %q", cfg.Provider.BaseURL)
	}
	if cfg.Agent.Model != "qwen/qwen3" || cfg.Agent.Fuel != 7 {
		t.Errorf("agent = %+v", cfg.Agent)
	}

	t.Setenv("CHIBI_API_KEY", "explicit")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.APIKey != "explicit" {
		t.Errorf("CHIBI_API_KEY should win, got %q", cfg.Provider.APIKey)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := isolate(t)
	cases := map[string]string{
		"bad json":     `{"agent":`,
		"bad fallback": `{"agent":{"fallback":"call_nobody"}}`,
		"bad backend":  `{"storage":{"backend":"s3"}}`,
		"bad category": `{"tools":{"excludeCategories":["lasers"]}}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(data), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSaveConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "saved"
	cfg.Agent.Fuel = 42

	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	info, err := os.Stat(ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	loaded, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Provider.APIKey != "saved" || loaded.Agent.Fuel != 42 {
		t.Errorf("round trip lost values: %+v %+v", loaded.Provider, loaded.Agent)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"agent":{"fuel":1}}`), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan uint, 8)
	if err := Watch(ctx, path, func(c *Config) { got <- c.Agent.Fuel }); err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"agent":{"fuel":9}}`), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-got:
			if f == 9 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
