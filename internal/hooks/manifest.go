package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest declares shell hooks and executable plugin tools.
//
//	hooks:
//	  - name: audit
//	    command: ./audit.sh
//	    points: [pre_tool, post_tool]
//	    timeout: 5s
//	tools:
//	  - name: weather
//	    description: Look up the weather
//	    command: ./weather
//	    parameters: {type: object, properties: {city: {type: string}}}
type Manifest struct {
	Hooks []HookSpec   `yaml:"hooks"`
	Tools []PluginSpec `yaml:"tools"`
}

type HookSpec struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Points  []string          `yaml:"points"`
	Timeout string            `yaml:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// PluginSpec describes a tool backed by an executable that reads its JSON
// arguments on stdin and writes its result to stdout.
type PluginSpec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Command     string         `yaml:"command"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
	Timeout     string         `yaml:"timeout,omitempty"`
	Parallel    *bool          `yaml:"parallel,omitempty"`
}

// TimeoutOrDefault parses Timeout, falling back to def.
func (p PluginSpec) TimeoutOrDefault(def time.Duration) time.Duration {
	return parseTimeout(p.Timeout, def)
}

// LoadManifest reads a manifest from path. A missing file yields an empty
// manifest. Relative commands resolve against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read hook manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse hook manifest: %w", err)
	}
	base := filepath.Dir(path)
	for i := range m.Hooks {
		h := &m.Hooks[i]
		if strings.TrimSpace(h.Command) == "" {
			return nil, fmt.Errorf("hook manifest: hook %q has no command", h.Name)
		}
		for _, p := range h.Points {
			if _, err := ParsePoint(p); err != nil {
				return nil, fmt.Errorf("hook manifest: %w", err)
			}
		}
		h.Command = resolveCommand(base, h.Command)
	}
	for i := range m.Tools {
		t := &m.Tools[i]
		if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.Command) == "" {
			return nil, fmt.Errorf("hook manifest: tool entries need a name and a command")
		}
		t.Command = resolveCommand(base, t.Command)
	}
	return &m, nil
}

// Apply registers every declared hook on d.
func (m *Manifest) Apply(d *Dispatcher, workDir string) {
	if m == nil || d == nil {
		return
	}
	for _, spec := range m.Hooks {
		points := make([]Point, 0, len(spec.Points))
		for _, p := range spec.Points {
			points = append(points, Point(p))
		}
		d.Register(&ShellHandler{
			HandlerName: spec.Name,
			Command:     spec.Command,
			Timeout:     parseTimeout(spec.Timeout, DefaultTimeout),
			WorkDir:     workDir,
			Env:         spec.Env,
		}, points...)
	}
}

func resolveCommand(base, command string) string {
	command = strings.TrimSpace(command)
	if strings.HasPrefix(command, "./") || strings.HasPrefix(command, "../") {
		return filepath.Join(base, command)
	}
	return command
}

func parseTimeout(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
