// Package dispatch runs one round of model-requested tool calls through
// hooks, the permission gate, execution and the output cache.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/emesal/chibi-sub000/internal/bus"
	"github.com/emesal/chibi-sub000/internal/cache"
	"github.com/emesal/chibi-sub000/internal/hooks"
	"github.com/emesal/chibi-sub000/internal/security"
	"github.com/emesal/chibi-sub000/internal/tool"
)

const (
	MaxCallsPerRound           = 100
	DefaultMaxConcurrentAgents = 4
)

var tooManyCalls = fmt.Sprintf("Error: too many tool calls in one round (max %d)", MaxCallsPerRound)

// Outcome is the result of one call, in request order.
type Outcome struct {
	Call     tool.Call
	Category tool.Category
	Result   tool.ExecutionResult
}

// FlowUpdate is a handoff requested by call_user or call_agent. Text is the
// message or the prompt.
type FlowUpdate struct {
	EndsTurn bool
	Text     string
}

// Round is everything a batch produced.
type Round struct {
	Outcomes []Outcome
	Flow     []FlowUpdate
}

// Dispatcher executes tool calls. It is safe for concurrent rounds.
type Dispatcher struct {
	registry     *tool.Registry
	hooks        *hooks.Dispatcher
	gate         *security.Gate
	cache        *cache.Manager
	agents       *semaphore.Weighted
	allowedPaths []string
	verbose      bool
	logger       *slog.Logger
	tracer       trace.Tracer
}

type Option func(*Dispatcher)

// WithMaxConcurrentAgents bounds concurrent agent-category calls.
func WithMaxConcurrentAgents(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.agents = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithAllowedPaths sets the local paths read-only tools may touch without
// asking. The project root is always allowed.
func WithAllowedPaths(paths []string) Option {
	return func(d *Dispatcher) { d.allowedPaths = append([]string(nil), paths...) }
}

// WithVerbose keeps hook and cache diagnostics on results.
func WithVerbose(v bool) Option {
	return func(d *Dispatcher) { d.verbose = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

func New(reg *tool.Registry, hk *hooks.Dispatcher, gate *security.Gate, cm *cache.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		hooks:    hk,
		gate:     gate,
		cache:    cm,
		agents:   semaphore.NewWeighted(DefaultMaxConcurrentAgents),
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/emesal/chibi-sub000/internal/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.gate == nil {
		d.gate = security.NewGate(hk)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Dispatch runs calls and reports their outcomes in request order. Ordinary
// calls run concurrently; flow-control and sequential tools run afterwards,
// one at a time. Sink events and post_tool notifications follow request
// order once every call has finished.
func (d *Dispatcher) Dispatch(ctx context.Context, env tool.Env, calls []tool.Call, sink bus.Sink) Round {
	if sink == nil {
		sink = bus.Discard
	}
	round := Round{Outcomes: make([]Outcome, len(calls))}

	var sequential []int
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		entry, _ := d.registry.Get(call.Name)
		round.Outcomes[i] = Outcome{Call: call}
		if entry != nil {
			round.Outcomes[i].Category = entry.Category
		}
		if i >= MaxCallsPerRound {
			round.Outcomes[i].Result = tool.ExecutionResult{FinalText: tooManyCalls, OriginalText: tooManyCalls}
			continue
		}
		if entry != nil && runsAlone(entry) {
			sequential = append(sequential, i)
			continue
		}
		g.Go(func() error {
			round.Outcomes[i].Result, _ = d.execute(gctx, env, call, entry)
			return nil
		})
	}
	_ = g.Wait()

	for _, i := range sequential {
		o := &round.Outcomes[i]
		entry, _ := d.registry.Get(o.Call.Name)
		var flow *FlowUpdate
		o.Result, flow = d.execute(ctx, env, o.Call, entry)
		if flow != nil {
			round.Flow = append(round.Flow, *flow)
		}
	}

	for _, o := range round.Outcomes {
		for _, diag := range o.Result.Diagnostics {
			sink.Emit(bus.Verbose(diag))
		}
		sink.Emit(bus.ToolStart(o.Call.Name, tool.Summarize(o.Call.Name, o.Call.Args())))
		sink.Emit(bus.ToolResult(o.Call.Name, o.Result.FinalText, o.Result.WasCached))
		d.hooks.Notify(ctx, hooks.PostTool, map[string]any{
			"tool_name": o.Call.Name,
			"arguments": json.RawMessage(o.Call.Args()),
			"result":    o.Result.OriginalText,
			"cached":    o.Result.WasCached,
		})
	}
	return round
}

func runsAlone(e *tool.Entry) bool {
	if e.Category.FlowControl() {
		return true
	}
	s, ok := e.Tool.(tool.Sequential)
	return ok && s.Sequential()
}

func flowUpdate(c tool.Category, args json.RawMessage) *FlowUpdate {
	a := tool.ParseArgs(args)
	if c.EndsTurn {
		return &FlowUpdate{EndsTurn: true, Text: a.StringOr("message", "")}
	}
	return &FlowUpdate{Text: a.StringOr("prompt", "")}
}

// execute runs the per-call pipeline. A flow-control call that pre_tool let
// through also yields its handoff, read from the arguments it ran with.
func (d *Dispatcher) execute(ctx context.Context, env tool.Env, call tool.Call, entry *tool.Entry) (tool.ExecutionResult, *FlowUpdate) {
	ctx, span := d.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
	))
	defer span.End()

	var diags []string
	args := call.Args()

	var flow *FlowUpdate
	output, blocked := d.preTool(ctx, call.Name, &args, &diags)
	if !blocked {
		if entry == nil {
			output = fmt.Sprintf("Error: Unknown tool '%s'", call.Name)
		} else {
			span.SetAttributes(attribute.String("tool.category", entry.Category.String()))
			if entry.Category.FlowControl() {
				flow = flowUpdate(entry.Category, args)
			}
			output = d.gateAndRun(ctx, env, entry, args)
		}
	}

	output = d.preToolOutput(ctx, call.Name, args, output, &diags)

	res := tool.ExecutionResult{FinalText: output, OriginalText: output}
	if !isError(output) {
		res = d.cache.MaybeCache(ctx, env.Context, call.Name, args, output)
	}
	if d.verbose {
		res.Diagnostics = append(diags, res.Diagnostics...)
	} else {
		res.Diagnostics = nil
	}
	if isError(res.OriginalText) {
		span.SetStatus(codes.Error, res.OriginalText)
	}

	d.hooks.Notify(ctx, hooks.PostToolOutput, map[string]any{
		"tool_name":    call.Name,
		"arguments":    json.RawMessage(args),
		"output":       res.OriginalText,
		"final_output": res.FinalText,
		"cached":       res.WasCached,
	})
	return res, flow
}

func isError(s string) bool {
	return len(s) >= 6 && s[:6] == "Error:"
}

func (d *Dispatcher) preTool(ctx context.Context, name string, args *json.RawMessage, diags *[]string) (string, bool) {
	for _, r := range d.hooks.Fire(ctx, hooks.PreTool, map[string]any{
		"tool_name": name,
		"arguments": *args,
	}) {
		if r.Bool("block") {
			msg := r.StringOr("message", "Tool call blocked by hook")
			diag(diags, "[Hook pre_tool: %s blocked %s - %s]", r.Handler, name, msg)
			return msg, true
		}
		if v := r.Get("arguments"); v.Exists() {
			*args = tool.NormalizeArgs(json.RawMessage(v.Raw))
			diag(diags, "[Hook pre_tool: %s modified arguments for %s]", r.Handler, name)
		}
	}
	return "", false
}

func (d *Dispatcher) preToolOutput(ctx context.Context, name string, args json.RawMessage, output string, diags *[]string) string {
	for _, r := range d.hooks.Fire(ctx, hooks.PreToolOutput, map[string]any{
		"tool_name": name,
		"arguments": args,
		"output":    output,
	}) {
		if r.Bool("block") {
			diag(diags, "[Hook pre_tool_output: %s blocked output from %s]", r.Handler, name)
			return r.StringOr("message", "Output blocked by hook")
		}
		if s, ok := r.String("output"); ok {
			diag(diags, "[Hook pre_tool_output: %s modified output from %s]", r.Handler, name)
			output = s
		}
	}
	return output
}

func diag(diags *[]string, format string, a ...any) {
	*diags = append(*diags, fmt.Sprintf(format, a...))
}

func (d *Dispatcher) gateAndRun(ctx context.Context, env tool.Env, entry *tool.Entry, args json.RawMessage) string {
	if denied, ok := d.check(ctx, env, entry, args); !ok {
		return denied
	}
	if entry.Category.Kind == tool.KindAgent {
		if err := d.agents.Acquire(ctx, 1); err != nil {
			return "Error: " + err.Error()
		}
		defer d.agents.Release(1)
	}
	return d.run(ctx, env, entry, args)
}

// run executes the tool and converts errors and panics into result text.
func (d *Dispatcher) run(ctx context.Context, env tool.Env, entry *tool.Entry, args json.RawMessage) (out string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", entry.Name(), "panic", r, "stack", string(debug.Stack()))
			out = fmt.Sprintf("Error: tool panicked: %v", r)
		}
	}()
	res, err := entry.Tool.Execute(ctx, env, args)
	if err != nil {
		return "Error: " + err.Error()
	}
	return res
}
