package dispatch

import (
	"context"
	"encoding/json"

	"github.com/emesal/chibi-sub000/internal/security"
	"github.com/emesal/chibi-sub000/internal/tool"
	"github.com/emesal/chibi-sub000/internal/vfs"
)

// check runs the permission gate for entry's category. On denial it returns
// the result text and false.
func (d *Dispatcher) check(ctx context.Context, env tool.Env, entry *tool.Entry, args json.RawMessage) (string, bool) {
	a := tool.ParseArgs(args)
	name := entry.Name()

	var op security.Operation
	switch entry.Category.Kind {
	case tool.KindMutating:
		path := a.StringOr("path", "")
		if name == tool.WriteFileName && vfs.IsURI(path) {
			return "", true
		}
		if path != "" {
			if resolved, err := security.ResolveWritePath(tool.LocalPath(env, path)); err == nil {
				path = resolved
			}
		}
		op = security.Operation{Kind: security.OpFileWrite, ToolName: name, Details: map[string]any{
			"path":    path,
			"content": a.StringOr("content", ""),
		}}
	case tool.KindShell:
		op = security.Operation{Kind: security.OpShellExec, ToolName: name, Details: map[string]any{
			"command": a.StringOr("command", ""),
		}}
	case tool.KindFetch:
		url := a.StringOr("url", "")
		op = security.Operation{Kind: security.OpFetchURL, ToolName: name, URL: url}
	case tool.KindReadOnly:
		path, ok := a.String("path")
		if !ok || path == "" || vfs.IsURI(path) {
			return "", true
		}
		access, err := security.ClassifyFilePath(tool.LocalPath(env, path), d.readRoots(env))
		if err != nil {
			return "Error: " + err.Error(), false
		}
		if access.Allowed {
			return "", true
		}
		op = security.Operation{Kind: security.OpFileRead, ToolName: name, Details: map[string]any{
			"path": access.Path,
		}}
	default:
		return "", true
	}

	decision := d.gate.Evaluate(ctx, op)
	if !decision.Allowed {
		return decision.Message(), false
	}
	return "", true
}

func (d *Dispatcher) readRoots(env tool.Env) []string {
	roots := d.allowedPaths
	if env.ProjectRoot != "" {
		roots = append([]string{env.ProjectRoot}, roots...)
	}
	return roots
}
