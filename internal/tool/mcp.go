package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const mcpConnectTimeout = 10 * time.Second

// MCPServerSpec describes an MCP server launched over stdio.
type MCPServerSpec struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type mcpCaller interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}

// MCPTool is a tool served by a remote MCP server. It is advertised as
// "<server>__<tool>".
type MCPTool struct {
	Server      string
	Remote      string
	description string
	schema      map[string]any
	session     mcpCaller
}

func (t *MCPTool) Name() string           { return t.Server + "__" + t.Remote }
func (t *MCPTool) Description() string    { return t.description }
func (t *MCPTool) Schema() map[string]any { return t.schema }

func (t *MCPTool) Execute(ctx context.Context, _ Env, raw json.RawMessage) (string, error) {
	if t.session == nil {
		return "", errors.New("mcp session is nil")
	}
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.Remote,
		Arguments: ParseArgs(raw).Map(),
	})
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", errors.New("MCP call returned nil result")
	}
	out := textContent(res.Content)
	if out == "" && len(res.Content) > 0 {
		if payload, err := json.Marshal(res.Content); err == nil {
			out = string(payload)
		}
	}
	if res.IsError {
		return "", errors.New(out)
	}
	return out, nil
}

func textContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if txt, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, txt.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// MCPBridge owns the sessions of every connected server.
type MCPBridge struct {
	sessions []*mcp.ClientSession
	tools    []*MCPTool
	logger   *slog.Logger
}

// ConnectMCP starts each server and lists its tools. A server that fails
// to start is logged and skipped.
func ConnectMCP(ctx context.Context, servers []MCPServerSpec, logger *slog.Logger) *MCPBridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MCPBridge{logger: logger.With("component", "mcp")}
	for _, spec := range servers {
		if err := b.connect(ctx, spec); err != nil {
			b.logger.Warn("mcp server unavailable", "server", spec.Name, "error", err)
		}
	}
	return b
}

func (b *MCPBridge) connect(ctx context.Context, spec MCPServerSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" || strings.TrimSpace(spec.Command) == "" {
		return errors.New("server name and command are required")
	}
	connectCtx, cancel := context.WithTimeout(ctx, mcpConnectTimeout)
	defer cancel()

	cmd := exec.Command(spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "chibi", Version: "dev"}, nil)
	session, err := client.Connect(connectCtx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var found []*MCPTool
	for desc, err := range session.Tools(connectCtx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("list tools: %w", err)
		}
		if desc == nil || desc.Name == "" {
			continue
		}
		found = append(found, &MCPTool{
			Server:      name,
			Remote:      desc.Name,
			description: desc.Description,
			schema:      schemaMap(desc.InputSchema),
			session:     session,
		})
	}
	b.sessions = append(b.sessions, session)
	b.tools = append(b.tools, found...)
	b.logger.Info("mcp server connected", "server", name, "tools", len(found))
	return nil
}

// Tools returns the bridged tools.
func (b *MCPBridge) Tools() []Tool {
	if b == nil {
		return nil
	}
	out := make([]Tool, len(b.tools))
	for i, t := range b.tools {
		out[i] = t
	}
	return out
}

func (b *MCPBridge) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, s := range b.sessions {
		errs = append(errs, s.Close())
	}
	b.sessions = nil
	return errors.Join(errs...)
}

func schemaMap(raw any) map[string]any {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
