package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/emesal/chibi-sub000/internal/vfs"
)

// Files backs the file tools. Paths are either vfs:/// URIs, served by the
// VFS under the calling context's identity, or local paths resolved
// against the project root.
type Files struct {
	vfs *vfs.VFS
}

func NewFiles(v *vfs.VFS) *Files {
	return &Files{vfs: v}
}

// Tools returns every file tool bound to f.
func (f *Files) Tools() []Tool {
	return []Tool{
		&FileHead{files: f},
		&FileTail{files: f},
		&FileLines{files: f},
		&FileGrep{files: f},
		&DirList{files: f},
		&WriteFile{files: f},
	}
}

// LocalPath expands "~" and resolves a relative path against the project
// root.
func LocalPath(env Env, p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	root := env.ProjectRoot
	if root == "" {
		root = "."
	}
	return filepath.Join(root, p)
}

// Read returns the contents at p.
func (f *Files) Read(ctx context.Context, env Env, p string) (string, error) {
	if vfs.IsURI(p) {
		vp, err := f.vfsPath(p)
		if err != nil {
			return "", err
		}
		data, err := f.vfs.Read(ctx, env.Context, vp)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := os.ReadFile(LocalPath(env, p))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("File not found: %s", p)
		}
		return "", err
	}
	return string(data), nil
}

func (f *Files) vfsPath(uri string) (vfs.Path, error) {
	if f == nil || f.vfs == nil {
		return vfs.Path{}, fmt.Errorf("VFS is not configured")
	}
	return vfs.FromURI(uri)
}

// SplitLines splits text into lines the way a line reader would: a
// trailing newline does not start an extra empty line, and "\r\n" endings
// are trimmed.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func pathSchema(extra map[string]any, required ...string) map[string]any {
	props := map[string]any{
		"path": Prop("string", "File path or vfs:/// URI (e.g. a cached output reference)"),
	}
	for k, v := range extra {
		props[k] = v
	}
	return Object(props, append([]string{"path"}, required...)...)
}

func withDefault(prop map[string]any, def any) map[string]any {
	prop["default"] = def
	return prop
}

func nonNegative(a Args, name string, def int) int {
	if n := a.Int(name, def); n >= 0 {
		return n
	}
	return def
}

// FileHead returns the first lines of a file.
type FileHead struct{ files *Files }

func (t *FileHead) Name() string { return FileHeadName }

func (t *FileHead) Description() string {
	return "Read the first N lines from a cached tool output or file. Use this to examine the beginning of large outputs."
}

func (t *FileHead) Schema() map[string]any {
	return pathSchema(map[string]any{
		"lines": withDefault(Prop("integer", "Number of lines to read (default: 50)"), 50),
	})
}

func (t *FileHead) Execute(ctx context.Context, env Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	p, err := a.RequireString("path")
	if err != nil {
		return "", err
	}
	content, err := t.files.Read(ctx, env, p)
	if err != nil {
		return "", err
	}
	lines := SplitLines(content)
	n := min(nonNegative(a, "lines", 50), len(lines))
	return strings.Join(lines[:n], "\n"), nil
}

// FileTail returns the last lines of a file.
type FileTail struct{ files *Files }

func (t *FileTail) Name() string { return FileTailName }

func (t *FileTail) Description() string {
	return "Read the last N lines from a cached tool output or file. Use this to examine the end of large outputs."
}

func (t *FileTail) Schema() map[string]any {
	return pathSchema(map[string]any{
		"lines": withDefault(Prop("integer", "Number of lines to read (default: 50)"), 50),
	})
}

func (t *FileTail) Execute(ctx context.Context, env Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	p, err := a.RequireString("path")
	if err != nil {
		return "", err
	}
	content, err := t.files.Read(ctx, env, p)
	if err != nil {
		return "", err
	}
	lines := SplitLines(content)
	start := max(len(lines)-nonNegative(a, "lines", 50), 0)
	return strings.Join(lines[start:], "\n"), nil
}

// FileLines returns an inclusive, 1-indexed line range.
type FileLines struct{ files *Files }

func (t *FileLines) Name() string { return FileLinesName }

func (t *FileLines) Description() string {
	return "Read a specific range of lines from a cached tool output or file. Lines are 1-indexed."
}

func (t *FileLines) Schema() map[string]any {
	return pathSchema(map[string]any{
		"start": Prop("integer", "First line number (1-indexed)"),
		"end":   Prop("integer", "Last line number (1-indexed, inclusive)"),
	}, "start", "end")
}

func (t *FileLines) Execute(ctx context.Context, env Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	p, err := a.RequireString("path")
	if err != nil {
		return "", err
	}
	start, err := a.RequireInt("start")
	if err != nil {
		return "", err
	}
	end, err := a.RequireInt("end")
	if err != nil {
		return "", err
	}
	if start < 1 {
		return "", fmt.Errorf("Line numbers are 1-indexed, start must be >= 1")
	}
	if end < start {
		return "", fmt.Errorf("End line must be >= start line")
	}
	content, err := t.files.Read(ctx, env, p)
	if err != nil {
		return "", err
	}
	lines := SplitLines(content)
	if start > len(lines) {
		return "", nil
	}
	return strings.Join(lines[start-1:min(end, len(lines))], "\n"), nil
}

// FileGrep searches a file with a regular expression. Matching lines are
// prefixed with ">", context lines with a space, and "--" separates
// non-adjacent groups.
type FileGrep struct{ files *Files }

func (t *FileGrep) Name() string { return FileGrepName }

func (t *FileGrep) Description() string {
	return "Search for a pattern in a cached tool output or file. Returns matching lines with optional context."
}

func (t *FileGrep) Schema() map[string]any {
	return pathSchema(map[string]any{
		"pattern":        Prop("string", "Regular expression pattern to search for"),
		"context_before": withDefault(Prop("integer", "Number of lines to show before each match (default: 2)"), 2),
		"context_after":  withDefault(Prop("integer", "Number of lines to show after each match (default: 2)"), 2),
	}, "pattern")
}

func (t *FileGrep) Execute(ctx context.Context, env Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	p, err := a.RequireString("path")
	if err != nil {
		return "", err
	}
	pattern, err := a.RequireString("pattern")
	if err != nil {
		return "", err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("Invalid regex: %v", err)
	}
	content, err := t.files.Read(ctx, env, p)
	if err != nil {
		return "", err
	}
	out := Grep(SplitLines(content), re, nonNegative(a, "context_before", 2), nonNegative(a, "context_after", 2))
	if out == "" {
		return "No matches found for pattern: " + pattern, nil
	}
	return out, nil
}

// Grep renders the matches of re in lines with surrounding context. Runs of
// output that are not contiguous in the source are separated by "--", even
// with zero context.
func Grep(lines []string, re *regexp.Regexp, before, after int) string {
	var out []string
	lastEnd := 0
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		start := max(i-before, 0)
		end := min(i+after+1, len(lines))
		if start > lastEnd && len(out) > 0 {
			out = append(out, "--")
		}
		for j := max(start, lastEnd); j < end; j++ {
			prefix := " "
			if j == i {
				prefix = ">"
			}
			out = append(out, fmt.Sprintf("%s%d:%s", prefix, j+1, lines[j]))
		}
		lastEnd = end
	}
	return strings.Join(out, "\n")
}

// DirList renders a directory tree, directories first.
type DirList struct{ files *Files }

func (t *DirList) Name() string { return DirListName }

func (t *DirList) Description() string {
	return "List a directory tree with file sizes and type indicators. Respects depth limit. Paths are relative to project_root unless absolute."
}

func (t *DirList) Schema() map[string]any {
	return Object(map[string]any{
		"path":        Prop("string", "Directory to list (default: project root). Accepts vfs:/// URIs."),
		"depth":       withDefault(Prop("integer", "Maximum recursion depth (default: 1)"), 1),
		"show_hidden": withDefault(Prop("boolean", "Include hidden files and directories"), false),
	})
}

func (t *DirList) Execute(ctx context.Context, env Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	p := a.StringOr("path", ".")
	depth := nonNegative(a, "depth", 1)
	hidden := a.Bool("show_hidden")

	if vfs.IsURI(p) {
		vp, err := t.files.vfsPath(p)
		if err != nil {
			return "", err
		}
		meta, err := t.files.vfs.Metadata(ctx, env.Context, vp)
		if err != nil {
			return "", err
		}
		if meta.Kind != vfs.KindDirectory {
			return "", fmt.Errorf("Path is not a directory: %s", p)
		}
		var b strings.Builder
		b.WriteString(strings.TrimSuffix(vp.URI(), "/") + "/\n")
		l := &vfsLister{ctx: ctx, v: t.files.vfs, caller: env.Context}
		if err := writeTree(&b, l, vp.String(), 0, depth, hidden, ""); err != nil {
			return "", err
		}
		return b.String(), nil
	}

	root := LocalPath(env, p)
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("Path not found: %s", root)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("Path is not a directory: %s", root)
	}
	var b strings.Builder
	b.WriteString(root + "/\n")
	if err := writeTree(&b, localLister{}, root, 0, depth, hidden, ""); err != nil {
		return "", err
	}
	return b.String(), nil
}

type treeEntry struct {
	name string
	dir  bool
	size int64
}

type treeLister interface {
	list(dir string) ([]treeEntry, error)
	join(dir, name string) string
}

type localLister struct{}

func (localLister) list(dir string) ([]treeEntry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]treeEntry, 0, len(des))
	for _, de := range des {
		e := treeEntry{name: de.Name(), dir: de.IsDir()}
		if !e.dir {
			if info, err := de.Info(); err == nil {
				e.size = info.Size()
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (localLister) join(dir, name string) string { return filepath.Join(dir, name) }

type vfsLister struct {
	ctx    context.Context
	v      *vfs.VFS
	caller string
}

func (l *vfsLister) list(dir string) ([]treeEntry, error) {
	p, err := vfs.ParsePath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := l.v.List(l.ctx, l.caller, p)
	if err != nil {
		return nil, err
	}
	out := make([]treeEntry, 0, len(entries))
	for _, e := range entries {
		te := treeEntry{name: e.Name, dir: e.Kind == vfs.KindDirectory}
		if !te.dir {
			if child, err := p.Join(e.Name); err == nil {
				if meta, err := l.v.Metadata(l.ctx, l.caller, child); err == nil {
					te.size = meta.Size
				}
			}
		}
		out = append(out, te)
	}
	return out, nil
}

func (l *vfsLister) join(dir, name string) string {
	return strings.TrimSuffix(dir, "/") + "/" + name
}

func writeTree(b *strings.Builder, l treeLister, dir string, depth, maxDepth int, hidden bool, prefix string) error {
	if depth >= maxDepth {
		return nil
	}
	entries, err := l.list(dir)
	if err != nil {
		return err
	}
	entries = slices.DeleteFunc(entries, func(e treeEntry) bool {
		return !hidden && strings.HasPrefix(e.name, ".")
	})
	slices.SortFunc(entries, func(a, b treeEntry) int {
		if a.dir != b.dir {
			if a.dir {
				return -1
			}
			return 1
		}
		return strings.Compare(a.name, b.name)
	})
	for i, e := range entries {
		last := i == len(entries)-1
		connector, childPrefix := "├── ", prefix+"│   "
		if last {
			connector, childPrefix = "└── ", prefix+"    "
		}
		if e.dir {
			fmt.Fprintf(b, "%s%s%s/\n", prefix, connector, e.name)
			if err := writeTree(b, l, l.join(dir, e.name), depth+1, maxDepth, hidden, childPrefix); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(b, "%s%s%s (%s)\n", prefix, connector, e.name, humanize.IBytes(uint64(e.size)))
	}
	return nil
}

// WriteFile creates or overwrites a file. VFS writes run under the caller's
// identity and are subject to zone permissions.
type WriteFile struct{ files *Files }

func (t *WriteFile) Name() string { return WriteFileName }

func (t *WriteFile) Description() string {
	return "Write content to a file. Creates the file if it doesn't exist, overwrites if it does. Requires user permission."
}

func (t *WriteFile) Schema() map[string]any {
	return Object(map[string]any{
		"path":    Prop("string", "Absolute or relative path, or vfs:/// URI, to write to"),
		"content": Prop("string", "Content to write to the file"),
	}, "path", "content")
}

func (t *WriteFile) Execute(ctx context.Context, env Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	p, err := a.RequireString("path")
	if err != nil {
		return "", err
	}
	content, err := a.RequireString("content")
	if err != nil {
		return "", err
	}
	if vfs.IsURI(p) {
		vp, err := t.files.vfsPath(p)
		if err != nil {
			return "", err
		}
		if err := t.files.vfs.Write(ctx, env.Context, vp, []byte(content)); err != nil {
			return "", err
		}
		return fmt.Sprintf("File written successfully: %s (%d bytes)", vp.URI(), len(content)), nil
	}
	target := LocalPath(env, p)
	if err := vfs.WriteFileAtomic(target, []byte(content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("File written successfully: %s (%d bytes)", target, len(content)), nil
}
