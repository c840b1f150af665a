package security

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/emesal/chibi-sub000/internal/hooks"
)

// OperationKind names a gated operation.
type OperationKind string

const (
	OpFileWrite OperationKind = "file_write"
	OpFileRead  OperationKind = "file_read"
	OpShellExec OperationKind = "shell_exec"
	OpFetchURL  OperationKind = "fetch_url"
)

// Point returns the hook point consulted for k.
func (k OperationKind) Point() hooks.Point {
	switch k {
	case OpFileWrite:
		return hooks.PreFileWrite
	case OpFileRead:
		return hooks.PreFileRead
	case OpShellExec:
		return hooks.PreShellExec
	case OpFetchURL:
		return hooks.PreFetchURL
	}
	return ""
}

// Operation describes one sensitive action. Details become the hook
// payload alongside tool_name.
type Operation struct {
	Kind     OperationKind
	ToolName string
	URL      string
	Details  map[string]any
}

func (op Operation) payload() map[string]any {
	return hooks.Payload(map[string]any{"tool_name": op.ToolName}, op.Details)
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

func Allowed() Decision { return Decision{Allowed: true} }

func Denied(reason string) Decision { return Decision{Reason: reason} }

// Message is the tool result text for a denial.
func (d Decision) Message() string {
	return "Permission denied: " + d.Reason
}

// PermissionRequest is what a PermissionHandler is asked to approve.
type PermissionRequest struct {
	Point   hooks.Point
	Payload map[string]any
}

// PermissionHandler makes the final call when no hook has denied.
type PermissionHandler interface {
	Approve(ctx context.Context, req PermissionRequest) (bool, error)
}

// PermissionFunc adapts a function to PermissionHandler.
type PermissionFunc func(ctx context.Context, req PermissionRequest) (bool, error)

func (f PermissionFunc) Approve(ctx context.Context, req PermissionRequest) (bool, error) {
	return f(ctx, req)
}

// AutoApprove approves everything; it backs trust mode.
type AutoApprove struct{}

func (AutoApprove) Approve(context.Context, PermissionRequest) (bool, error) { return true, nil }

// Prompter asks on Out and reads the answer from In. An empty answer
// approves; only "n" or "no" refuses. Concurrent requests are serialized.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

func (p *Prompter) Approve(_ context.Context, req PermissionRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	tool, _ := req.Payload["tool_name"].(string)
	if tool == "" {
		tool = "unknown"
	}
	display := "(no details)"
	for _, key := range []string{"path", "command", "url"} {
		if s, ok := req.Payload[key].(string); ok && s != "" {
			display = s
			break
		}
	}
	fmt.Fprintf(p.Out, "[%s] %s [Y/n] ", tool, display)
	line, err := p.reader.ReadString('\n')
	if err != nil && line == "" {
		return false, nil
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "n", "no":
		return false, nil
	}
	return true, nil
}

// Gate combines URL policy, hooks and the permission handler.
type Gate struct {
	hooks   *hooks.Dispatcher
	handler PermissionHandler
	logger  *slog.Logger

	mu     sync.RWMutex
	policy *URLPolicy
}

// GateOption configures a Gate.
type GateOption func(*Gate)

func WithHandler(h PermissionHandler) GateOption {
	return func(g *Gate) { g.handler = h }
}

// WithURLPolicy makes p authoritative for URL fetches.
func WithURLPolicy(p *URLPolicy) GateOption {
	return func(g *Gate) { g.policy = p }
}

func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGate(d *hooks.Dispatcher, opts ...GateOption) *Gate {
	g := &Gate{hooks: d, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "security")
	return g
}

// Evaluate decides op. It never returns an error; every failure is a
// denial with a reason.
func (g *Gate) Evaluate(ctx context.Context, op Operation) Decision {
	var d Decision
	switch op.Kind {
	case OpFetchURL:
		d = g.evaluateURL(ctx, op)
	default:
		d = g.evaluatePermission(ctx, op.Kind.Point(), op.payload())
	}
	if !d.Allowed {
		g.logger.Info("operation denied", "op", op.Kind, "tool", op.ToolName, "reason", d.Reason)
	}
	return d
}

// CheckRedirect judges a redirect target the way it would judge a fresh
// fetch_url call, so an allowed URL cannot bounce to a refused one.
func (g *Gate) CheckRedirect(ctx context.Context, url string) error {
	d := g.Evaluate(ctx, Operation{Kind: OpFetchURL, ToolName: "fetch_url", URL: url, Details: map[string]any{"redirect": true}})
	if !d.Allowed {
		return errors.New(d.Message())
	}
	return nil
}

// SetURLPolicy swaps the URL policy. nil returns URL checks to the hooks.
func (g *Gate) SetURLPolicy(p *URLPolicy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

func (g *Gate) evaluateURL(ctx context.Context, op Operation) Decision {
	safety := Classify(op.URL)
	g.mu.RLock()
	policy := g.policy
	g.mu.RUnlock()
	if policy != nil {
		return urlDecision(policy, op.URL, safety)
	}
	if !safety.Sensitive() {
		return Allowed()
	}
	payload := hooks.Payload(op.payload(), map[string]any{
		"url":    op.URL,
		"safety": "sensitive",
		"reason": safety.Category.Display(),
	})
	return g.evaluatePermission(ctx, hooks.PreFetchURL, payload)
}

func (g *Gate) evaluatePermission(ctx context.Context, point hooks.Point, payload map[string]any) Decision {
	results := g.hooks.Fire(ctx, point, payload)
	for _, r := range results {
		if r.Bool("denied") {
			return Denied(r.StringOr("reason", "denied by hook"))
		}
	}
	for _, r := range results {
		if r.Bool("approved") {
			return Allowed()
		}
	}
	if g.handler == nil {
		return Denied("no permission handler configured (fail-safe deny)")
	}
	ok, err := g.handler.Approve(ctx, PermissionRequest{Point: point, Payload: payload})
	if err != nil {
		return Denied(fmt.Sprintf("permission check failed: %v", err))
	}
	if !ok {
		return Denied("permission denied")
	}
	return Allowed()
}
