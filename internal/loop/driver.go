// Package loop drives one user turn: it alternates model rounds and tool
// rounds under a fuel budget until control goes back to the user.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emesal/chibi-sub000/internal/bus"
	"github.com/emesal/chibi-sub000/internal/dispatch"
	"github.com/emesal/chibi-sub000/internal/fuel"
	"github.com/emesal/chibi-sub000/internal/hooks"
	"github.com/emesal/chibi-sub000/internal/lock"
	"github.com/emesal/chibi-sub000/internal/model"
	"github.com/emesal/chibi-sub000/internal/tool"
	"github.com/emesal/chibi-sub000/internal/vfs"
)

var (
	ErrTransport   = errors.New("loop: transport failure")
	ErrEmptyPrompt = errors.New("loop: prompt cannot be empty")
	ErrNilBackend  = errors.New("loop: backend is nil")
)

const (
	DefaultContext = "default"
	AgentsFile     = "AGENTS.md"

	fallbackSuffix = " Called automatically if no other tool is used."
)

// Options configures a Driver. Zero values take the defaults.
type Options struct {
	Backend    model.Backend
	Dispatcher *dispatch.Dispatcher
	Hooks      *hooks.Dispatcher
	Registry   *tool.Registry
	Filter     tool.Filter
	History    History

	// Fuel is the default budget per turn; zero means unlimited. Callers that
	// want the stock budget pass fuel.DefaultTotal.
	Fuel  uint
	Costs fuel.Costs
	// Fallback is the flow tool applied when the model calls neither.
	Fallback string

	SystemPrompt string
	ProjectRoot  string
	Model        string
	Verbose      bool

	// LockDir holds one lock directory per context. Empty disables locking.
	LockDir     string
	Heartbeat   time.Duration
	LockRetries int

	Logger *slog.Logger
	Tracer trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.Costs == (fuel.Costs{}) {
		o.Costs = fuel.DefaultCosts()
	}
	if o.Fallback == "" {
		o.Fallback = tool.CallUserName
	}
	if o.History == nil {
		o.History = &MemoryHistory{}
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = lock.DefaultHeartbeat
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/emesal/chibi-sub000/internal/loop")
	}
	return o
}

// Driver runs turns. Concurrent turns on different contexts are fine;
// the context lock serialises turns on the same one across processes.
type Driver struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Driver, error) {
	if opts.Backend == nil {
		return nil, ErrNilBackend
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("loop: dispatcher is nil")
	}
	applied := opts.withDefaults()
	return &Driver{
		opts:   applied,
		logger: applied.Logger.With("component", "loop"),
	}, nil
}

// Turn is one user request.
type Turn struct {
	Context string
	Prompt  string
	Sink    bus.Sink
	// Fuel overrides the default budget when non-nil.
	Fuel *uint
}

// turnState is owned by Run and handed down by pointer.
type turnState struct {
	name     string
	turnID   string
	fuel     *fuel.State
	messages []model.Message
	sink     bus.Sink
	usage    bus.Usage
}

// Run executes a turn. It fails only for an empty prompt, a context name
// that cannot own a context, a transport error (wrapping ErrTransport) or a
// context lock that cannot be taken.
// Everything else the turn runs into is reported through the sink.
func (d *Driver) Run(ctx context.Context, turn Turn) error {
	if strings.TrimSpace(turn.Prompt) == "" {
		return ErrEmptyPrompt
	}
	name := turn.Context
	if name == "" {
		name = DefaultContext
	}
	if err := vfs.CheckContextName(name); err != nil {
		return err
	}
	sink := turn.Sink
	if sink == nil {
		sink = bus.Discard
	}
	total := d.opts.Fuel
	if turn.Fuel != nil {
		total = *turn.Fuel
	}
	turnID := uuid.NewString()

	ctx, span := d.opts.Tracer.Start(ctx, "loop.turn", trace.WithAttributes(
		attribute.String("chibi.context", name),
		attribute.String("chibi.turn_id", turnID),
	))
	defer span.End()

	if d.opts.LockDir != "" {
		l, err := lock.Acquire(ctx, filepath.Join(d.opts.LockDir, name), d.opts.Heartbeat,
			lock.WithRetries(d.opts.LockRetries), lock.WithLogger(d.logger))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("context %s: %w", name, err)
		}
		defer l.Release()
	}

	history, err := d.opts.History.Load(ctx, name)
	if err != nil {
		d.logger.Warn("load history, starting empty", "context", name, "error", err)
		history = nil
	}

	ts := &turnState{
		name:     name,
		turnID:   turnID,
		fuel:     fuel.New(total),
		messages: history,
		sink:     bus.Stamp(sink, name, turnID),
	}

	d.opts.Hooks.Notify(ctx, hooks.OnStart, hooks.Payload(map[string]any{
		"context_name": name,
		"turn_id":      turnID,
	}, ts.fuel.Fields()))

	err = d.converse(ctx, ts, turn.Prompt)

	d.opts.Hooks.Notify(ctx, hooks.OnEnd, hooks.Payload(map[string]any{
		"context_name": name,
		"turn_id":      turnID,
	}, ts.fuel.Fields()))
	ts.sink.Emit(bus.Finished(ts.usage))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// converse is the outer loop: each pass is one prompt, either the user's or
// a continuation the model asked for.
func (d *Driver) converse(ctx context.Context, ts *turnState, prompt string) error {
	for {
		if d.opts.Verbose && !ts.fuel.Unlimited {
			d.verbose(ts, "[fuel: %s entering turn]", ts.fuel.Status())
		}

		prompt = d.preMessage(ctx, ts, prompt)
		d.record(ctx, ts, model.Message{Role: model.RoleUser, Content: prompt})

		req := model.Request{
			Model:  d.opts.Model,
			System: d.systemPrompt(ctx, ts),
			Tools:  d.toolDefinitions(ctx, ts),
		}
		req.Extra = d.requestExtra(ctx, ts, req)

		handoff := NewHandoff(fallbackTarget(d.opts.Fallback))
		d.applyOverrides(ts, handoff, d.opts.Hooks.Fire(ctx, hooks.PreAgenticLoop, hooks.Payload(map[string]any{
			"context_name":     ts.name,
			"current_fallback": d.opts.Fallback,
			"message":          prompt,
		}, ts.fuel.Fields())))

		next, done, err := d.rounds(ctx, ts, handoff, req, prompt)
		if err != nil || done {
			return err
		}
		prompt = next
	}
}

// rounds is the inner loop. It returns the next prompt when the turn is
// continued, or done once control goes back to the user.
func (d *Driver) rounds(ctx context.Context, ts *turnState, handoff *Handoff, req model.Request, prompt string) (string, bool, error) {
	env := tool.Env{Context: ts.name, ProjectRoot: d.opts.ProjectRoot}
	for {
		req.Messages = ts.messages
		resp, err := d.complete(ctx, ts, req)
		if err != nil {
			return "", true, err
		}

		if len(resp.ToolCalls) > 0 {
			round := d.opts.Dispatcher.Dispatch(ctx, env, resp.ToolCalls, ts.sink)
			for _, f := range round.Flow {
				if f.EndsTurn {
					handoff.SetUser(f.Text)
				} else {
					handoff.SetAgent(f.Text)
				}
			}

			batch := []model.Message{{Role: model.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}}
			calls := make([]map[string]any, 0, len(round.Outcomes))
			for _, o := range round.Outcomes {
				batch = append(batch, model.Message{
					Role:       model.RoleTool,
					Content:    o.Result.FinalText,
					ToolCallID: o.Call.ID,
					ToolName:   o.Call.Name,
				})
				calls = append(calls, map[string]any{
					"name":      o.Call.Name,
					"arguments": o.Call.Args(),
				})
			}
			d.record(ctx, ts, batch...)

			d.applyOverrides(ts, handoff, d.opts.Hooks.Fire(ctx, hooks.PostToolBatch, hooks.Payload(map[string]any{
				"context_name":     ts.name,
				"current_fallback": handoff.Fallback().ToolName(),
				"tool_calls":       calls,
			}, ts.fuel.Fields())))

			ts.fuel.Consume(d.opts.Costs.ToolRound)
			if d.opts.Verbose && !ts.fuel.Unlimited {
				d.verbose(ts, "[fuel: %s after tool batch]", ts.fuel.Status())
			}
			if ts.fuel.Exhausted() {
				ts.sink.Emit(bus.Diagnostic(ts.fuel.ExhaustedMessage()))
				return "", true, nil
			}
			continue
		}

		if strings.TrimSpace(resp.Text) == "" {
			ts.fuel.Consume(d.opts.Costs.EmptyResponse)
			if ts.fuel.Exhausted() {
				ts.sink.Emit(bus.Diagnostic(ts.fuel.ExhaustedMessage()))
				return "", true, nil
			}
			if d.opts.Verbose {
				if ts.fuel.Unlimited {
					d.verbose(ts, "[empty response]")
				} else {
					d.verbose(ts, "[empty response, fuel: %s]", ts.fuel.Status())
				}
			}
			continue
		}

		d.record(ctx, ts, model.Message{Role: model.RoleAssistant, Content: resp.Text})
		d.opts.Hooks.Notify(ctx, hooks.PostMessage, map[string]any{
			"prompt":       prompt,
			"response":     resp.Text,
			"context_name": ts.name,
		})

		target := handoff.Take()
		if !target.Agent {
			if target.Text != "" {
				ts.sink.Emit(bus.TextChunk(target.Text))
			}
			return "", true, nil
		}

		ts.fuel.Consume(d.opts.Costs.Continuation)
		if ts.fuel.Exhausted() {
			ts.sink.Emit(bus.Diagnostic(ts.fuel.ExhaustedMessage()))
			return "", true, nil
		}
		if d.opts.Verbose {
			if ts.fuel.Unlimited {
				d.verbose(ts, "[continuing: %s]", truncate(target.Text, 80))
			} else {
				d.verbose(ts, "[continuing (fuel: %s): %s]", ts.fuel.Status(), truncate(target.Text, 80))
			}
		}
		return d.reengage(ts, handoff.Fallback().ToolName(), target.Text), false, nil
	}
}

// complete runs one model round. Text is streamed to the sink; a backend
// that does not stream has its text emitted once the round ends.
func (d *Driver) complete(ctx context.Context, ts *turnState, req model.Request) (*model.Response, error) {
	ctx, span := d.opts.Tracer.Start(ctx, "loop.round", trace.WithAttributes(
		attribute.Int("chibi.messages", len(req.Messages)),
		attribute.Int("chibi.tools", len(req.Tools)),
	))
	defer span.End()

	var streamed bool
	resp, err := d.opts.Backend.Complete(ctx, req, func(s string) {
		streamed = true
		ts.sink.Emit(bus.TextChunk(s))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if resp == nil {
		resp = &model.Response{}
	}
	if !streamed && resp.Text != "" {
		ts.sink.Emit(bus.TextChunk(resp.Text))
	}
	ts.usage.InputTokens += resp.Usage.InputTokens
	ts.usage.OutputTokens += resp.Usage.OutputTokens
	span.SetAttributes(attribute.Int("chibi.tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

func (d *Driver) reengage(ts *turnState, fallback, prompt string) string {
	if ts.fuel.Unlimited {
		return fmt.Sprintf("[reengaged via %s. call_user(<message>) to end turn.]\n%s", fallback, prompt)
	}
	return fmt.Sprintf("[reengaged (fuel: %s) via %s. call_user(<message>) to end turn.]\n%s",
		ts.fuel.Status(), fallback, prompt)
}

// record appends to the in-memory log and persists. A persistence failure
// only costs the next turn its history.
func (d *Driver) record(ctx context.Context, ts *turnState, msgs ...model.Message) {
	ts.messages = append(ts.messages, msgs...)
	if err := d.opts.History.Append(ctx, ts.name, msgs...); err != nil {
		d.logger.Warn("persist history", "context", ts.name, "error", err)
	}
}

func (d *Driver) verbose(ts *turnState, format string, a ...any) {
	ts.sink.Emit(bus.Verbose(fmt.Sprintf(format, a...)))
}

func (d *Driver) preMessage(ctx context.Context, ts *turnState, prompt string) string {
	results := d.opts.Hooks.Fire(ctx, hooks.PreMessage, map[string]any{
		"prompt":       prompt,
		"context_name": ts.name,
	})
	for _, r := range results {
		if p, ok := r.String("prompt"); ok {
			if d.opts.Verbose {
				d.verbose(ts, "[Hook pre_message: %s modified prompt]", r.Handler)
			}
			prompt = p
		}
	}
	return prompt
}

// systemPrompt assembles the configured prompt, project instructions and
// whatever the system-prompt hooks inject around them.
func (d *Driver) systemPrompt(ctx context.Context, ts *turnState) string {
	prompt := d.opts.SystemPrompt
	payload := map[string]any{"context_name": ts.name}

	for _, r := range d.opts.Hooks.Fire(ctx, hooks.PreSystemPrompt, payload) {
		if inject, ok := r.String("inject"); ok && inject != "" {
			if d.opts.Verbose {
				d.verbose(ts, "[Hook pre_system_prompt: %s injected content]", r.Handler)
			}
			prompt = inject + "\n\n" + prompt
		}
	}

	if instructions := d.loadAgentsFile(); instructions != "" {
		prompt += "\n\n--- AGENT INSTRUCTIONS ---\n" + instructions
	}
	prompt += "\n\nCurrent context: " + ts.name

	for _, r := range d.opts.Hooks.Fire(ctx, hooks.PostSystemPrompt, payload) {
		if inject, ok := r.String("inject"); ok && inject != "" {
			if d.opts.Verbose {
				d.verbose(ts, "[Hook post_system_prompt: %s injected content]", r.Handler)
			}
			prompt += "\n\n" + inject
		}
	}
	return strings.TrimSpace(prompt)
}

func (d *Driver) loadAgentsFile() string {
	if d.opts.ProjectRoot == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(d.opts.ProjectRoot, AgentsFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
