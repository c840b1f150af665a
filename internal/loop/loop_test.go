package loop

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emesal/chibi-sub000/internal/bus"
	"github.com/emesal/chibi-sub000/internal/cache"
	"github.com/emesal/chibi-sub000/internal/dispatch"
	"github.com/emesal/chibi-sub000/internal/hooks"
	"github.com/emesal/chibi-sub000/internal/lock"
	"github.com/emesal/chibi-sub000/internal/model"
	"github.com/emesal/chibi-sub000/internal/security"
	"github.com/emesal/chibi-sub000/internal/tool"
	"github.com/emesal/chibi-sub000/internal/vfs"
)

// scripted replays responses in order and repeats the last one forever.
type scripted struct {
	mu        sync.Mutex
	responses []*model.Response
	err       error
	requests  []model.Request
}

func (s *scripted) Complete(_ context.Context, req model.Request, _ func(string)) (*model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Messages = append([]model.Message(nil), req.Messages...)
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scripted) last() model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type echoTool struct{ out string }

func (e echoTool) Name() string           { return "echo" }
func (e echoTool) Description() string    { return "echo" }
func (e echoTool) Schema() map[string]any { return tool.Object(map[string]any{}) }
func (e echoTool) Execute(context.Context, tool.Env, json.RawMessage) (string, error) {
	if e.out == "" {
		return "echoed", nil
	}
	return e.out, nil
}

func toolRound(name, args string) *model.Response {
	return &model.Response{ToolCalls: []tool.Call{{ID: "c-" + name, Name: name, Arguments: json.RawMessage(args)}}}
}

func text(s string) *model.Response { return &model.Response{Text: s} }

type fixture struct {
	backend *scripted
	hooks   *hooks.Dispatcher
	reg     *tool.Registry
	fs      *vfs.VFS
	opts    Options
}

func newFixture(t *testing.T, responses ...*model.Response) *fixture {
	t.Helper()
	f := &fixture{
		backend: &scripted{responses: responses},
		hooks:   hooks.NewDispatcher(),
		reg:     tool.NewRegistry(),
		fs:      vfs.New(vfs.NewLocalBackend(t.TempDir())),
	}
	for _, tl := range []tool.Tool{tool.CallAgent{}, tool.CallUser{}, echoTool{}} {
		require.NoError(t, f.reg.Register(tl))
	}
	f.opts = Options{Fuel: 30, ProjectRoot: t.TempDir()}
	return f
}

func (f *fixture) driver(t *testing.T) *Driver {
	t.Helper()
	gate := security.NewGate(f.hooks, security.WithHandler(security.AutoApprove{}))
	cm := cache.NewManager(f.fs, f.hooks, cache.Config{})
	opts := f.opts
	opts.Backend = f.backend
	opts.Hooks = f.hooks
	opts.Registry = f.reg
	opts.Dispatcher = dispatch.New(f.reg, f.hooks, gate, cm)
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

func watch(d *hooks.Dispatcher, point hooks.Point, reply map[string]any) *[]map[string]any {
	var mu sync.Mutex
	var seen []map[string]any
	d.Register(hooks.Func("watch-"+string(point), func(_ context.Context, _ hooks.Point, p map[string]any) (map[string]any, error) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		return reply, nil
	}), point)
	return &seen
}

func uintp(n uint) *uint { return &n }

func run(t *testing.T, d *Driver, prompt string, fuel *uint) (*bus.Recorder, error) {
	t.Helper()
	rec := &bus.Recorder{}
	err := d.Run(context.Background(), Turn{Context: "main", Prompt: prompt, Sink: rec, Fuel: fuel})
	return rec, err
}

func TestFiveToolRoundsLeaveTwentyFive(t *testing.T) {
	f := newFixture(t,
		toolRound("echo", `{}`), toolRound("echo", `{}`), toolRound("echo", `{}`),
		toolRound("echo", `{}`), toolRound("echo", `{}`), text("done"))
	f.opts.Verbose = true
	ends := watch(f.hooks, hooks.OnEnd, nil)

	rec, err := run(t, f.driver(t), "work", nil)
	require.NoError(t, err)

	assert.Equal(t, 6, f.backend.calls())
	require.Len(t, *ends, 1)
	assert.Equal(t, float64(25), (*ends)[0]["fuel_remaining"])
	assert.Equal(t, float64(30), (*ends)[0]["fuel_total"])
	assert.Contains(t, rec.Diagnostics(), "[fuel: 25/30 after tool batch]")
	assert.Contains(t, rec.Text(), "done")
	assert.Len(t, rec.Of(bus.KindFinished), 1)
}

func TestFuelOneStopsBeforeSecondCall(t *testing.T) {
	f := newFixture(t, toolRound("echo", `{}`))

	rec, err := run(t, f.driver(t), "work", uintp(1))
	require.NoError(t, err)

	assert.Equal(t, 1, f.backend.calls())
	diags := rec.Diagnostics()
	require.NotEmpty(t, diags)
	assert.Equal(t, "[fuel exhausted (0/1), returning control to user]", diags[len(diags)-1])
	for _, e := range rec.Of(bus.KindDiagnostic) {
		if strings.HasPrefix(e.Message, "[fuel exhausted") {
			assert.False(t, e.VerboseOnly)
		}
	}
}

func TestUnlimitedFuelOmitsFuelEverywhere(t *testing.T) {
	f := newFixture(t, toolRound("echo", `{}`), toolRound("echo", `{}`), toolRound("call_agent", `{"prompt":"more"}`), text("thinking"), text("done"))
	f.opts.Verbose = true
	starts := watch(f.hooks, hooks.OnStart, nil)
	batches := watch(f.hooks, hooks.PostToolBatch, nil)

	rec, err := run(t, f.driver(t), "work", uintp(0))
	require.NoError(t, err)

	for _, d := range rec.Diagnostics() {
		assert.NotContains(t, d, "fuel")
	}
	require.Len(t, *starts, 1)
	assert.NotContains(t, (*starts)[0], "fuel_remaining")
	for _, p := range *batches {
		assert.NotContains(t, p, "fuel_total")
	}

	var continuation string
	for _, m := range f.backend.last().Messages {
		if m.Role == model.RoleUser && strings.HasPrefix(m.Content, "[reengaged") {
			continuation = m.Content
		}
	}
	assert.Equal(t, "[reengaged via call_user. call_user(<message>) to end turn.]\nmore", continuation)
}

func TestEmptyResponsesBurnFifteen(t *testing.T) {
	f := newFixture(t, text("  "), text(""))
	f.opts.Verbose = true

	rec, err := run(t, f.driver(t), "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, f.backend.calls())
	diags := rec.Diagnostics()
	assert.Contains(t, diags, "[empty response, fuel: 15/30]")
	assert.Equal(t, "[fuel exhausted (0/30), returning control to user]", diags[len(diags)-1])
}

func TestEmptyResponseRetriesThenAnswers(t *testing.T) {
	f := newFixture(t, text(""), text("there you go"))

	rec, err := run(t, f.driver(t), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.backend.calls())
	assert.Equal(t, "there you go", rec.Text())
	assert.Empty(t, rec.Diagnostics())
}

func TestCallAgentContinuesTurn(t *testing.T) {
	f := newFixture(t, toolRound("call_agent", `{"prompt":"step two"}`), text("thinking"), text("finished"))
	f.opts.Verbose = true

	rec, err := run(t, f.driver(t), "start", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, f.backend.calls())

	msgs := f.backend.last().Messages
	var users []string
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			users = append(users, m.Content)
		}
	}
	require.Len(t, users, 2)
	assert.Equal(t, "start", users[0])
	assert.Equal(t, "[reengaged (fuel: 28/30) via call_user. call_user(<message>) to end turn.]\nstep two", users[1])
	assert.Contains(t, rec.Diagnostics(), "[continuing (fuel: 28/30): step two]")
	assert.Contains(t, rec.Text(), "finished")
}

func TestCallUserMessageIsShown(t *testing.T) {
	f := newFixture(t, toolRound("call_user", `{"message":"see you"}`), text("wrapping up"))

	rec, err := run(t, f.driver(t), "bye", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.backend.calls())
	assert.Equal(t, "wrapping upsee you", rec.Text())
}

func TestTransportErrorEscapes(t *testing.T) {
	f := newFixture(t, text("unused"))
	f.backend.err = &model.TransportError{Provider: "test", Err: errors.New("connection reset")}
	ends := watch(f.hooks, hooks.OnEnd, nil)

	rec, err := run(t, f.driver(t), "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, model.IsTransport(err))
	assert.Len(t, *ends, 1)
	assert.Len(t, rec.Of(bus.KindFinished), 1)
}

func TestEmptyPromptRejected(t *testing.T) {
	f := newFixture(t, text("unused"))
	_, err := run(t, f.driver(t), "  \n", nil)
	require.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Equal(t, 0, f.backend.calls())
}

func TestReservedContextRejected(t *testing.T) {
	f := newFixture(t, text("unused"))
	d := f.driver(t)
	for _, name := range []string{"SYSTEM", "system", "../main"} {
		err := d.Run(context.Background(), Turn{Context: name, Prompt: "write everywhere"})
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, vfs.ErrPermission) || errors.Is(err, vfs.ErrInvalidPath), name)
	}
	assert.Equal(t, 0, f.backend.calls())
}

func TestLargeToolOutputIsCached(t *testing.T) {
	big := strings.Repeat("0123456789abcdef\n", 640)
	require.Greater(t, len(big), 10000)
	f := newFixture(t, toolRound("big", `{}`), text("summarised"))
	require.NoError(t, f.reg.Register(&namedEcho{name: "big", out: big}))

	rec, err := run(t, f.driver(t), "read it", nil)
	require.NoError(t, err)

	results := rec.Of(bus.KindToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Cached)

	var toolMsg model.Message
	for _, m := range f.backend.last().Messages {
		if m.Role == model.RoleTool {
			toolMsg = m
		}
	}
	assert.True(t, strings.HasPrefix(toolMsg.Content, "[Output cached: vfs:///sys/tool_cache/main/big_"))
	assert.Less(t, len(toolMsg.Content), len(big))

	entries, err := cache.NewManager(f.fs, nil, cache.Config{}).List(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

type namedEcho struct {
	name string
	out  string
}

func (n *namedEcho) Name() string           { return n.name }
func (n *namedEcho) Description() string    { return n.name }
func (n *namedEcho) Schema() map[string]any { return nil }
func (n *namedEcho) Execute(context.Context, tool.Env, json.RawMessage) (string, error) {
	return n.out, nil
}

func TestPreAgenticLoopSetsFuel(t *testing.T) {
	f := newFixture(t, toolRound("echo", `{}`))
	f.opts.Verbose = true
	watch(f.hooks, hooks.PreAgenticLoop, map[string]any{"fuel": 2})

	rec, err := run(t, f.driver(t), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.backend.calls())
	assert.Contains(t, rec.Diagnostics(), "[Hook watch-pre_agentic_loop set fuel to 2]")
}

func TestPostToolBatchAdjustsFuel(t *testing.T) {
	f := newFixture(t, toolRound("echo", `{}`))
	batches := watch(f.hooks, hooks.PostToolBatch, map[string]any{"fuel_delta": -100})

	_, err := run(t, f.driver(t), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.backend.calls())
	require.Len(t, *batches, 1)
	calls, ok := (*batches)[0]["tool_calls"].([]any)
	require.True(t, ok)
	require.Len(t, calls, 1)
	assert.Equal(t, "echo", calls[0].(map[string]any)["name"])
	assert.Equal(t, "call_user", (*batches)[0]["current_fallback"])
}

func TestFallbackOverrideKeepsAgentGoing(t *testing.T) {
	f := newFixture(t, text("still here"))
	watch(f.hooks, hooks.PreAgenticLoop, map[string]any{"fallback": "call_agent"})

	rec, err := run(t, f.driver(t), "go", uintp(3))
	require.NoError(t, err)
	assert.Equal(t, 3, f.backend.calls())
	assert.Contains(t, rec.Diagnostics(), "[fuel exhausted (0/3), returning control to user]")
	msgs := f.backend.last().Messages
	assert.Equal(t, "[reengaged (fuel: 1/3) via call_agent. call_user(<message>) to end turn.]\n", msgs[len(msgs)-1].Content)
}

func TestPromptAndSystemPromptHooks(t *testing.T) {
	f := newFixture(t, text("ok"))
	f.opts.SystemPrompt = "base prompt"
	require.NoError(t, os.WriteFile(filepath.Join(f.opts.ProjectRoot, AgentsFile), []byte("use tabs\n"), 0o644))
	watch(f.hooks, hooks.PreMessage, map[string]any{"prompt": "rewritten"})
	watch(f.hooks, hooks.PreSystemPrompt, map[string]any{"inject": "before"})
	watch(f.hooks, hooks.PostSystemPrompt, map[string]any{"inject": "after"})

	_, err := run(t, f.driver(t), "original", nil)
	require.NoError(t, err)

	req := f.backend.last()
	assert.Equal(t, "rewritten", req.Messages[0].Content)
	assert.Equal(t, "before\n\nbase prompt\n\n--- AGENT INSTRUCTIONS ---\nuse tabs\n\nCurrent context: main\n\nafter", req.System)
}

func TestToolListFiltering(t *testing.T) {
	f := newFixture(t, text("ok"))
	f.opts.Verbose = true
	watch(f.hooks, hooks.PreAPITools, map[string]any{"include": []string{"echo", "call_user", "call_agent"}})
	f.hooks.Register(hooks.Func("second", func(context.Context, hooks.Point, map[string]any) (map[string]any, error) {
		return map[string]any{"include": []string{"echo", "call_user"}, "exclude": []string{"echo"}}, nil
	}), hooks.PreAPITools)

	rec, err := run(t, f.driver(t), "hi", nil)
	require.NoError(t, err)

	tools := f.backend.last().Tools
	require.Len(t, tools, 1)
	assert.Equal(t, "call_user", tools[0].Name)
	assert.True(t, strings.HasSuffix(tools[0].Description, " Called automatically if no other tool is used."))
	assert.Contains(t, rec.Diagnostics(), `[Hook pre_api_tools: second exclude filter: ["echo"]]`)
}

func TestConfigFilterApplies(t *testing.T) {
	f := newFixture(t, text("ok"))
	f.opts.Filter = tool.Filter{Exclude: []string{"echo"}}
	_, err := run(t, f.driver(t), "hi", nil)
	require.NoError(t, err)
	for _, def := range f.backend.last().Tools {
		assert.NotEqual(t, "echo", def.Name)
	}
}

func TestPreAPIRequestMergesBody(t *testing.T) {
	f := newFixture(t, text("ok"))
	seen := watch(f.hooks, hooks.PreAPIRequest, map[string]any{
		"request_body": map[string]any{"temperature": 0.2, "metadata": map[string]any{"a": "b"}},
	})

	_, err := run(t, f.driver(t), "hi", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temperature":0.2,"metadata":{"a":"b"}}`, string(f.backend.last().Extra))

	require.Len(t, *seen, 1)
	body, ok := (*seen)[0]["request_body"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, body, "messages")
	assert.Equal(t, float64(30), (*seen)[0]["fuel_remaining"])
}

func TestHistoryCarriesAcrossTurns(t *testing.T) {
	f := newFixture(t, text("first answer"), text("second answer"))
	f.opts.History = NewVFSHistory(f.fs)
	d := f.driver(t)

	_, err := run(t, d, "one", nil)
	require.NoError(t, err)
	_, err = run(t, d, "two", nil)
	require.NoError(t, err)

	msgs := f.backend.last().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "first answer", msgs[1].Content)
	assert.Equal(t, "two", msgs[2].Content)

	stored, err := f.opts.History.Load(context.Background(), "main")
	require.NoError(t, err)
	assert.Len(t, stored, 4)

	require.NoError(t, f.opts.History.Clear(context.Background(), "main"))
	stored, err = f.opts.History.Load(context.Background(), "main")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestHeldContextLockFailsTurn(t *testing.T) {
	f := newFixture(t, text("ok"))
	f.opts.LockDir = t.TempDir()
	held, err := lock.Acquire(context.Background(), filepath.Join(f.opts.LockDir, "main"), time.Minute)
	require.NoError(t, err)
	defer held.Release()

	_, err = run(t, f.driver(t), "hi", nil)
	require.ErrorIs(t, err, lock.ErrLocked)
	assert.Equal(t, 0, f.backend.calls())
}

func TestLockReleasedAfterTurn(t *testing.T) {
	f := newFixture(t, text("ok"))
	f.opts.LockDir = t.TempDir()
	_, err := run(t, f.driver(t), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "", lock.Status(filepath.Join(f.opts.LockDir, "main"), lock.DefaultHeartbeat))
}

func TestSpawnRunsOneShot(t *testing.T) {
	f := newFixture(t, text("  summary  "))
	d := f.driver(t)

	out, err := d.Spawn(context.Background(), tool.SpawnRequest{SystemPrompt: "summarise", Input: "long text", Model: "small"})
	require.NoError(t, err)
	assert.Equal(t, "summary", out)

	req := f.backend.last()
	assert.Equal(t, "summarise", req.System)
	assert.Equal(t, "small", req.Model)
	assert.Empty(t, req.Tools)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "long text", req.Messages[0].Content)
}

func TestHandoffLastCallWins(t *testing.T) {
	h := NewHandoff(fallbackTarget(tool.CallUserName))
	assert.Equal(t, UserTarget(""), h.Take())

	h.SetAgent("a")
	h.SetUser("b")
	assert.Equal(t, UserTarget("b"), h.Take())
	assert.Equal(t, UserTarget(""), h.Take())

	h.SetFallback(fallbackTarget(tool.CallAgentName))
	assert.Equal(t, AgentTarget(""), h.Take())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 80))
	long := strings.Repeat("é", 100)
	got := truncate(long, 80)
	assert.Equal(t, 80, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}
