package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/emesal/chibi-sub000/internal/tool"
)

// FormatList renders entries the way cache_list reports them.
func FormatList(entries []Entry) string {
	if len(entries) == 0 {
		return "No cached outputs found."
	}
	var b strings.Builder
	b.WriteString("Cached tool outputs:\n")
	for _, e := range entries {
		toolName := e.Tool
		if toolName == "" {
			toolName = "unknown"
		}
		cached := "unknown"
		if !e.CachedAt.IsZero() {
			cached = e.CachedAt.Format("2006-01-02 15:04:05") + " (" + humanize.Time(e.CachedAt) + ")"
		}
		fmt.Fprintf(&b, "\n  %s (%s):\n    Path: %s\n    Size: %s (~%s tokens), %d lines\n    Cached: %s\n",
			e.ID, toolName, e.URI, humanize.Bytes(uint64(e.Size)), humanize.Comma(e.Size/4), e.Lines, cached)
	}
	return b.String()
}

// ListTool is cache_list, scoped to the calling context.
type ListTool struct {
	m *Manager
}

func (m *Manager) ListTool() *ListTool { return &ListTool{m: m} }

func (t *ListTool) Name() string { return tool.CacheListName }

func (t *ListTool) Description() string {
	return "List all cached tool outputs for this context. Shows cache IDs, tool names, sizes, and timestamps."
}

func (t *ListTool) Schema() map[string]any { return tool.Object(map[string]any{}) }

func (t *ListTool) Execute(ctx context.Context, env tool.Env, _ json.RawMessage) (string, error) {
	entries, err := t.m.List(ctx, env.Context)
	if err != nil {
		return "", err
	}
	return FormatList(entries), nil
}
