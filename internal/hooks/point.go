package hooks

import "fmt"

// Point names an extension event. The set is closed; handlers registered
// against unknown names are rejected at load time.
type Point string

const (
	OnStart     Point = "on_start"
	OnEnd       Point = "on_end"
	PreMessage  Point = "pre_message"
	PostMessage Point = "post_message"

	PreTool        Point = "pre_tool"
	PostTool       Point = "post_tool"
	PreToolOutput  Point = "pre_tool_output"
	PostToolOutput Point = "post_tool_output"
	PostToolBatch  Point = "post_tool_batch"

	PreCacheOutput  Point = "pre_cache_output"
	PostCacheOutput Point = "post_cache_output"

	PreClear  Point = "pre_clear"
	PostClear Point = "post_clear"

	PreSystemPrompt  Point = "pre_system_prompt"
	PostSystemPrompt Point = "post_system_prompt"
	PreAPITools      Point = "pre_api_tools"
	PreAPIRequest    Point = "pre_api_request"
	PreAgenticLoop   Point = "pre_agentic_loop"

	PreFileWrite   Point = "pre_file_write"
	PreFileRead    Point = "pre_file_read"
	PreShellExec   Point = "pre_shell_exec"
	PreFetchURL    Point = "pre_fetch_url"
	PreSpawnAgent  Point = "pre_spawn_agent"
	PostSpawnAgent Point = "post_spawn_agent"
)

var allPoints = []Point{
	OnStart, OnEnd, PreMessage, PostMessage,
	PreTool, PostTool, PreToolOutput, PostToolOutput, PostToolBatch,
	PreCacheOutput, PostCacheOutput,
	PreClear, PostClear,
	PreSystemPrompt, PostSystemPrompt, PreAPITools, PreAPIRequest, PreAgenticLoop,
	PreFileWrite, PreFileRead, PreShellExec, PreFetchURL, PreSpawnAgent, PostSpawnAgent,
}

var pointSet = func() map[Point]struct{} {
	m := make(map[Point]struct{}, len(allPoints))
	for _, p := range allPoints {
		m[p] = struct{}{}
	}
	return m
}()

// Points returns every known hook point in declaration order.
func Points() []Point {
	out := make([]Point, len(allPoints))
	copy(out, allPoints)
	return out
}

// Valid reports whether p is a known hook point.
func (p Point) Valid() bool {
	_, ok := pointSet[p]
	return ok
}

// ParsePoint converts a wire name into a Point.
func ParsePoint(name string) (Point, error) {
	p := Point(name)
	if !p.Valid() {
		return "", fmt.Errorf("hooks: unknown hook point %q", name)
	}
	return p, nil
}

func (p Point) String() string { return string(p) }
