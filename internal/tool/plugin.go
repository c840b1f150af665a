package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/emesal/chibi-sub000/internal/hooks"
)

const defaultPluginTimeout = 30 * time.Second

// PluginTool runs an executable declared in the hook manifest. Arguments
// arrive as JSON on stdin; stdout is the result.
type PluginTool struct {
	Plugin      string
	description string
	command     string
	schema      map[string]any
	timeout     time.Duration
	parallel    bool
	workDir     string
}

// NewPluginTool builds a tool from a manifest entry.
func NewPluginTool(spec hooks.PluginSpec, workDir string) *PluginTool {
	schema := spec.Parameters
	if schema == nil {
		schema = Object(map[string]any{})
	}
	parallel := true
	if spec.Parallel != nil {
		parallel = *spec.Parallel
	}
	return &PluginTool{
		Plugin:      spec.Name,
		description: spec.Description,
		command:     spec.Command,
		schema:      schema,
		timeout:     spec.TimeoutOrDefault(defaultPluginTimeout),
		parallel:    parallel,
		workDir:     workDir,
	}
}

// PluginTools builds every tool in m.
func PluginTools(m *hooks.Manifest, workDir string) []Tool {
	if m == nil {
		return nil
	}
	out := make([]Tool, 0, len(m.Tools))
	for _, spec := range m.Tools {
		out = append(out, NewPluginTool(spec, workDir))
	}
	return out
}

func (t *PluginTool) Name() string           { return t.Plugin }
func (t *PluginTool) Description() string    { return t.description }
func (t *PluginTool) Schema() map[string]any { return t.schema }

// Sequential reports whether the plugin opted out of parallel execution.
func (t *PluginTool) Sequential() bool { return !t.parallel }

func (t *PluginTool) Execute(ctx context.Context, env Env, raw json.RawMessage) (string, error) {
	args := ParseArgs(raw).Raw()
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", t.command) // #nosec G204
	cmd.Env = append(os.Environ(),
		"CHIBI_TOOL_NAME="+t.Plugin,
		"CHIBI_CONTEXT="+env.Context,
	)
	switch {
	case env.ProjectRoot != "":
		cmd.Dir = env.ProjectRoot
	case t.workDir != "":
		cmd.Dir = t.workDir
	}
	cmd.WaitDelay = time.Second
	cmd.Stdin = strings.NewReader(args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("plugin %s timed out after %s", t.Plugin, t.timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("plugin %s failed: %s", t.Plugin, msg)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}
