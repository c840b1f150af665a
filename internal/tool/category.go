package tool

import "fmt"

// Kind is the coarse class of a tool. Gating, scheduling and config filters
// all key off it.
type Kind string

const (
	KindBuiltin  Kind = "builtin"
	KindReadOnly Kind = "read_only"
	KindMutating Kind = "mutating"
	KindShell    Kind = "shell"
	KindFetch    Kind = "fetch"
	KindAgent    Kind = "agent"
	KindMCP      Kind = "mcp"
	KindPlugin   Kind = "plugin"
)

// Kinds lists every kind.
func Kinds() []Kind {
	return []Kind{KindBuiltin, KindReadOnly, KindMutating, KindShell, KindFetch, KindAgent, KindMCP, KindPlugin}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown tool category %q", s)
}

// Category is a Kind plus, for bridged and plugin tools, where the tool
// comes from.
type Category struct {
	Kind   Kind
	Source string
	// EndsTurn marks the flow-control tool that returns control to the user.
	EndsTurn bool
}

func (c Category) String() string {
	if c.Source == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Source
}

// FlowControl reports whether the tool steers the loop rather than doing work.
func (c Category) FlowControl() bool { return c.Kind == KindBuiltin }

const (
	CallAgentName  = "call_agent"
	CallUserName   = "call_user"
	FileHeadName   = "file_head"
	FileTailName   = "file_tail"
	FileLinesName  = "file_lines"
	FileGrepName   = "file_grep"
	CacheListName  = "cache_list"
	DirListName    = "dir_list"
	WriteFileName  = "write_file"
	ShellExecName  = "shell_exec"
	FetchURLName   = "fetch_url"
	SpawnAgentName = "spawn_agent"
)

var builtinKinds = map[string]Kind{
	CallAgentName:  KindBuiltin,
	CallUserName:   KindBuiltin,
	FileHeadName:   KindReadOnly,
	FileTailName:   KindReadOnly,
	FileLinesName:  KindReadOnly,
	FileGrepName:   KindReadOnly,
	CacheListName:  KindReadOnly,
	DirListName:    KindReadOnly,
	WriteFileName:  KindMutating,
	ShellExecName:  KindShell,
	FetchURLName:   KindFetch,
	SpawnAgentName: KindAgent,
}

// Classify is the only place a tool's category is decided. The registry
// calls it once per registration. Unrecognized in-process tools are treated
// as mutating so they are gated.
func Classify(t Tool) Category {
	switch v := t.(type) {
	case *MCPTool:
		return Category{Kind: KindMCP, Source: v.Server}
	case *PluginTool:
		return Category{Kind: KindPlugin, Source: v.Plugin}
	}
	if k, ok := builtinKinds[t.Name()]; ok {
		return Category{Kind: k, EndsTurn: t.Name() == CallUserName}
	}
	return Category{Kind: KindMutating}
}
