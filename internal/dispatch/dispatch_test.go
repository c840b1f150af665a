package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emesal/chibi-sub000/internal/bus"
	"github.com/emesal/chibi-sub000/internal/cache"
	"github.com/emesal/chibi-sub000/internal/hooks"
	"github.com/emesal/chibi-sub000/internal/security"
	"github.com/emesal/chibi-sub000/internal/tool"
	"github.com/emesal/chibi-sub000/internal/vfs"
)

type fakeTool struct {
	name   string
	seq    bool
	run    func(ctx context.Context, args json.RawMessage) (string, error)
	called atomic.Int32
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Description() string    { return "fake" }
func (f *fakeTool) Schema() map[string]any { return tool.Object(map[string]any{}) }
func (f *fakeTool) Sequential() bool       { return f.seq }
func (f *fakeTool) Execute(ctx context.Context, _ tool.Env, args json.RawMessage) (string, error) {
	f.called.Add(1)
	if f.run == nil {
		return "ok:" + f.name, nil
	}
	return f.run(ctx, args)
}

type fixture struct {
	reg   *tool.Registry
	hooks *hooks.Dispatcher
	vfs   *vfs.VFS
	env   tool.Env
	opts  []Option
	gate  []security.GateOption
	cache cache.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		reg:   tool.NewRegistry(),
		hooks: hooks.NewDispatcher(),
		vfs:   vfs.New(vfs.NewLocalBackend(t.TempDir())),
		env:   tool.Env{Context: "main", ProjectRoot: t.TempDir()},
		gate:  []security.GateOption{security.WithHandler(security.AutoApprove{})},
		cache: cache.Config{Threshold: 100, PreviewChars: 20},
	}
}

func (f *fixture) add(t *testing.T, tools ...tool.Tool) {
	t.Helper()
	for _, tl := range tools {
		require.NoError(t, f.reg.Register(tl))
	}
}

func (f *fixture) dispatcher() *Dispatcher {
	gate := security.NewGate(f.hooks, f.gate...)
	cm := cache.NewManager(f.vfs, f.hooks, f.cache)
	return New(f.reg, f.hooks, gate, cm, f.opts...)
}

func call(name, args string) tool.Call {
	return tool.Call{ID: "id-" + name, Name: name, Arguments: json.RawMessage(args)}
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

func TestDispatchKeepsRequestOrder(t *testing.T) {
	f := newFixture(t)
	slow := &fakeTool{name: "slow", run: func(context.Context, json.RawMessage) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow done", nil
	}}
	fast := &fakeTool{name: "fast"}
	f.add(t, slow, fast)

	rec := &bus.Recorder{}
	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call("slow", `{}`), call("fast", `{}`)}, rec)
	require.Len(t, round.Outcomes, 2)
	assert.Equal(t, "slow done", round.Outcomes[0].Result.FinalText)
	assert.Equal(t, "ok:fast", round.Outcomes[1].Result.FinalText)
	assert.Empty(t, round.Flow)

	results := rec.Of(bus.KindToolResult)
	require.Len(t, results, 2)
	assert.Equal(t, "slow", results[0].ToolName)
	assert.Equal(t, "fast", results[1].ToolName)
}

func TestDispatchRunsParallelToolsConcurrently(t *testing.T) {
	f := newFixture(t)
	var inFlight, peak atomic.Int32
	mk := func(name string) *fakeTool {
		return &fakeTool{name: name, run: func(context.Context, json.RawMessage) (string, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			return "", nil
		}}
	}
	f.add(t, mk("a"), mk("b"), mk("c"))
	f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call("a", ``), call("b", ``), call("c", ``)}, nil)
	assert.Greater(t, peak.Load(), int32(1))
}

func TestDispatchSequentialToolsRunAfterBatch(t *testing.T) {
	f := newFixture(t)
	var order []string
	var mu sync.Mutex
	record := func(name string) func(context.Context, json.RawMessage) (string, error) {
		return func(context.Context, json.RawMessage) (string, error) {
			if name == "par" {
				time.Sleep(20 * time.Millisecond)
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}
	f.add(t, &fakeTool{name: "seq", seq: true, run: record("seq")}, &fakeTool{name: "par", run: record("par")})
	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call("seq", ``), call("par", ``)}, nil)
	assert.Equal(t, []string{"par", "seq"}, order)
	assert.Equal(t, "seq", round.Outcomes[0].Result.FinalText)
}

func TestDispatchFlowTools(t *testing.T) {
	f := newFixture(t)
	f.add(t, tool.CallUser{}, tool.CallAgent{})
	seen := watch(f.hooks, hooks.PreTool, nil)
	f.hooks.Register(hooks.Func("rewrite", func(_ context.Context, _ hooks.Point, p map[string]any) (map[string]any, error) {
		if p["tool_name"] == tool.CallUserName {
			return map[string]any{"arguments": map[string]any{"message": "rewritten"}}, nil
		}
		return nil, nil
	}), hooks.PreTool)

	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{
		call(tool.CallAgentName, `{"prompt":"keep going"}`),
		call(tool.CallUserName, `{"message":"all done"}`),
	}, nil)

	require.Len(t, round.Flow, 2)
	assert.Equal(t, FlowUpdate{Text: "keep going"}, round.Flow[0])
	assert.Equal(t, FlowUpdate{EndsTurn: true, Text: "rewritten"}, round.Flow[1])
	assert.Len(t, *seen, 2)
	assert.Equal(t, "Continuing with: keep going", round.Outcomes[0].Result.FinalText)
	assert.Equal(t, "rewritten", round.Outcomes[1].Result.FinalText)
}

func TestDispatchBlockedFlowToolHandsNothingOff(t *testing.T) {
	f := newFixture(t)
	f.add(t, tool.CallUser{}, tool.CallAgent{})
	f.hooks.Register(hooks.Func("stay", func(_ context.Context, _ hooks.Point, p map[string]any) (map[string]any, error) {
		if p["tool_name"] == tool.CallUserName {
			return map[string]any{"block": true, "message": "keep working"}, nil
		}
		return nil, nil
	}), hooks.PreTool)

	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{
		call(tool.CallUserName, `{"message":"bye"}`),
		call(tool.CallAgentName, `{"prompt":"next step"}`),
	}, nil)

	require.Len(t, round.Flow, 1)
	assert.Equal(t, FlowUpdate{Text: "next step"}, round.Flow[0])
	assert.Equal(t, "keep working", round.Outcomes[0].Result.FinalText)
}

func TestDispatchUnknownToolAndErrors(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		&fakeTool{name: "broken", run: func(context.Context, json.RawMessage) (string, error) { return "", errors.New("disk on fire") }},
		&fakeTool{name: "panicky", run: func(context.Context, json.RawMessage) (string, error) { panic("boom") }},
	)
	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{
		call("nope", `{}`), call("broken", `{}`), call("panicky", `{}`),
	}, nil)
	assert.Equal(t, "Error: Unknown tool 'nope'", round.Outcomes[0].Result.FinalText)
	assert.Equal(t, "Error: disk on fire", round.Outcomes[1].Result.FinalText)
	assert.Equal(t, "Error: tool panicked: boom", round.Outcomes[2].Result.FinalText)
}

func TestDispatchCapsCallsPerRound(t *testing.T) {
	f := newFixture(t)
	ft := &fakeTool{name: "t"}
	f.add(t, ft)
	calls := make([]tool.Call, MaxCallsPerRound+3)
	for i := range calls {
		calls[i] = call("t", `{}`)
	}
	round := f.dispatcher().Dispatch(context.Background(), f.env, calls, nil)
	require.Len(t, round.Outcomes, MaxCallsPerRound+3)
	assert.EqualValues(t, MaxCallsPerRound, ft.called.Load())
	assert.Equal(t, "Error: too many tool calls in one round (max 100)", round.Outcomes[MaxCallsPerRound].Result.FinalText)
}

func TestPreToolHooks(t *testing.T) {
	t.Run("block wins", func(t *testing.T) {
		f := newFixture(t)
		ft := &fakeTool{name: "t"}
		f.add(t, ft)
		f.opts = append(f.opts, WithVerbose(true))
		f.hooks.Register(hooks.Func("guard", func(context.Context, hooks.Point, map[string]any) (map[string]any, error) {
			return map[string]any{"block": true, "message": "not today"}, nil
		}), hooks.PreTool)
		rec := &bus.Recorder{}
		round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call("t", `{}`)}, rec)
		assert.Equal(t, "not today", round.Outcomes[0].Result.FinalText)
		assert.Zero(t, ft.called.Load())
		assert.Contains(t, rec.Diagnostics(), "[Hook pre_tool: guard blocked t - not today]")
	})

	t.Run("default block message", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, &fakeTool{name: "t"})
		watch(f.hooks, hooks.PreTool, map[string]any{"block": true})
		round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call("t", `{}`)}, nil)
		assert.Equal(t, "Tool call blocked by hook", round.Outcomes[0].Result.FinalText)
	})

	t.Run("arguments replaced", func(t *testing.T) {
		f := newFixture(t)
		var got string
		f.add(t, &fakeTool{name: "t", run: func(_ context.Context, args json.RawMessage) (string, error) {
			got = string(args)
			return "", nil
		}})
		watch(f.hooks, hooks.PreTool, map[string]any{"arguments": map[string]any{"x": 2}})
		post := watch(f.hooks, hooks.PostTool, nil)
		f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call("t", `{"x":1}`)}, nil)
		assert.JSONEq(t, `{"x":2}`, got)
		require.Len(t, *post, 1)
		assert.Equal(t, map[string]any{"x": float64(1)}, (*post)[0]["arguments"])
	})
}

func TestPreToolOutputHooks(t *testing.T) {
	f := newFixture(t)
	f.add(t, &fakeTool{name: "t"}, &fakeTool{name: "u"})
	f.hooks.Register(hooks.Func("filter", func(_ context.Context, _ hooks.Point, p map[string]any) (map[string]any, error) {
		if p["tool_name"] == "t" {
			return map[string]any{"output": "redacted"}, nil
		}
		return map[string]any{"block": true}, nil
	}), hooks.PreToolOutput)
	postOut := watch(f.hooks, hooks.PostToolOutput, nil)
	post := watch(f.hooks, hooks.PostTool, nil)

	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call("t", `{}`), call("u", `{}`)}, nil)
	assert.Equal(t, "redacted", round.Outcomes[0].Result.FinalText)
	assert.Equal(t, "Output blocked by hook", round.Outcomes[1].Result.FinalText)
	assert.Len(t, *postOut, 2)
	require.Len(t, *post, 2)
	assert.Equal(t, "t", (*post)[0]["tool_name"])
	assert.Equal(t, "redacted", (*post)[0]["result"])
	assert.Equal(t, false, (*post)[0]["cached"])
}

func TestDispatchCachesLargeOutput(t *testing.T) {
	f := newFixture(t)
	big := strings.Repeat("line of output\n", 20)
	f.add(t, &fakeTool{name: "big", run: func(context.Context, json.RawMessage) (string, error) { return big, nil }},
		&fakeTool{name: "err", run: func(context.Context, json.RawMessage) (string, error) { return "Error: " + big, nil }})
	rec := &bus.Recorder{}
	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call("big", `{}`), call("err", `{}`)}, rec)

	res := round.Outcomes[0].Result
	require.True(t, res.WasCached)
	assert.Equal(t, big, res.OriginalText)
	assert.True(t, strings.HasPrefix(res.FinalText, "[Output cached: vfs:///sys/tool_cache/main/big_"))
	assert.False(t, round.Outcomes[1].Result.WasCached)

	results := rec.Of(bus.KindToolResult)
	require.Len(t, results, 2)
	assert.True(t, results[0].Cached)
	assert.Equal(t, res.FinalText, results[0].Result)
}

func TestGateShellAndWrite(t *testing.T) {
	f := newFixture(t)
	f.add(t, append([]tool.Tool{tool.ShellExec{}}, tool.NewFiles(f.vfs).Tools()...)...)
	f.hooks.Register(hooks.Func("policy", func(_ context.Context, p hooks.Point, payload map[string]any) (map[string]any, error) {
		if p == hooks.PreShellExec {
			return map[string]any{"denied": true, "reason": "no shells"}, nil
		}
		return map[string]any{"approved": true}, nil
	}), hooks.PreShellExec, hooks.PreFileWrite)
	writes := watch(f.hooks, hooks.PreFileWrite, nil)

	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{
		call(tool.ShellExecName, `{"command":"echo hi"}`),
		call(tool.WriteFileName, `{"path":"notes.txt","content":"hello"}`),
	}, nil)
	assert.Equal(t, "Permission denied: no shells", round.Outcomes[0].Result.FinalText)
	notes := filepath.Join(f.env.ProjectRoot, "notes.txt")
	assert.Equal(t, "File written successfully: "+notes+" (5 bytes)", round.Outcomes[1].Result.FinalText)
	require.Len(t, *writes, 1)
	assert.Equal(t, "hello", (*writes)[0]["content"])
	assert.Equal(t, tool.WriteFileName, (*writes)[0]["tool_name"])

	data, err := os.ReadFile(notes)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestGateFailsSafeWithoutHandler(t *testing.T) {
	f := newFixture(t)
	f.add(t, tool.ShellExec{})
	f.gate = nil
	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call(tool.ShellExecName, `{"command":"true"}`)}, nil)
	assert.Equal(t, "Permission denied: no permission handler configured (fail-safe deny)", round.Outcomes[0].Result.FinalText)
}

func TestGateVFSWriteSkipsFileHook(t *testing.T) {
	f := newFixture(t)
	f.add(t, tool.NewFiles(f.vfs).Tools()...)
	writes := watch(f.hooks, hooks.PreFileWrite, nil)
	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{
		call(tool.WriteFileName, `{"path":"vfs:///home/main/a.txt","content":"x"}`),
	}, nil)
	assert.Empty(t, *writes)
	assert.NotContains(t, round.Outcomes[0].Result.FinalText, "Permission denied")
}

func TestGateReadsOutsideProject(t *testing.T) {
	f := newFixture(t)
	f.add(t, tool.NewFiles(f.vfs).Tools()...)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("s3cret\n"), 0o644))
	inside := filepath.Join(f.env.ProjectRoot, "readme.txt")
	require.NoError(t, os.WriteFile(inside, []byte("hello\n"), 0o644))
	reads := watch(f.hooks, hooks.PreFileRead, map[string]any{"denied": true, "reason": "outside project"})

	round := f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{
		call(tool.FileHeadName, `{"path":"readme.txt"}`),
		call(tool.FileHeadName, `{"path":"`+outside+`"}`),
		call(tool.FileHeadName, `{"path":"missing.txt"}`),
	}, nil)
	assert.Equal(t, "hello", round.Outcomes[0].Result.FinalText)
	assert.Equal(t, "Permission denied: outside project", round.Outcomes[1].Result.FinalText)
	assert.True(t, strings.HasPrefix(round.Outcomes[2].Result.FinalText, "Error: could not resolve path"))
	require.Len(t, *reads, 1)

	f.opts = append(f.opts, WithAllowedPaths([]string{filepath.Dir(outside)}))
	round = f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call(tool.FileHeadName, `{"path":"`+outside+`"}`)}, nil)
	assert.Equal(t, "s3cret", round.Outcomes[0].Result.FinalText)
}

func TestAgentSemaphore(t *testing.T) {
	f := newFixture(t)
	var inFlight, peak atomic.Int32
	spawner := tool.SpawnFunc(func(context.Context, tool.SpawnRequest) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "sub reply", nil
	})
	f.add(t, &tool.SpawnAgent{Spawner: spawner, Hooks: f.hooks})
	f.opts = append(f.opts, WithMaxConcurrentAgents(2))

	calls := make([]tool.Call, 6)
	for i := range calls {
		calls[i] = call(tool.SpawnAgentName, `{"system_prompt":"helper","input":"go"}`)
	}
	round := f.dispatcher().Dispatch(context.Background(), f.env, calls, nil)
	for _, o := range round.Outcomes {
		assert.Equal(t, "sub reply", o.Result.FinalText)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestToolStartSummaries(t *testing.T) {
	f := newFixture(t)
	f.add(t, &fakeTool{name: tool.ShellExecName})
	rec := &bus.Recorder{}
	f.dispatcher().Dispatch(context.Background(), f.env, []tool.Call{call(tool.ShellExecName, `{"command":"ls -la"}`)}, rec)
	starts := rec.Of(bus.KindToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, tool.ShellExecName, starts[0].ToolName)
	assert.Equal(t, tool.Summarize(tool.ShellExecName, json.RawMessage(`{"command":"ls -la"}`)), starts[0].Summary)
}
