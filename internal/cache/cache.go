// Package cache moves oversized tool output into the VFS and hands the model
// a short stub that points at it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/emesal/chibi-sub000/internal/hooks"
	"github.com/emesal/chibi-sub000/internal/tool"
	"github.com/emesal/chibi-sub000/internal/vfs"
)

const (
	DefaultThreshold    = 5000
	DefaultPreviewChars = 500
	DefaultMaxAge       = 7 * 24 * time.Hour

	maxIDAttempts = 100
)

// Root is the VFS directory holding every context's cache.
var Root = vfs.MustPath("/sys/tool_cache")

// Config holds the cache knobs. Zero fields take the defaults.
type Config struct {
	Threshold    int
	PreviewChars int
	MaxAge       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = DefaultPreviewChars
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Manager decides what to cache and owns the cache directory.
type Manager struct {
	vfs    *vfs.VFS
	hooks  *hooks.Dispatcher
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for ids and expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(v *vfs.VFS, d *hooks.Dispatcher, cfg Config, opts ...Option) *Manager {
	m := &Manager{vfs: v, hooks: d, cfg: cfg.withDefaults(), now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "cache")
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// ShouldCache reports whether output is large enough to store. Blank output
// and error text are never cached.
func (m *Manager) ShouldCache(output string) bool {
	if strings.TrimSpace(output) == "" || strings.HasPrefix(output, "Error:") {
		return false
	}
	return len(output) > m.cfg.Threshold
}

// MaybeCache stores raw when it is over the threshold and returns the stub
// in its place. Any failure leaves raw untouched.
func (m *Manager) MaybeCache(ctx context.Context, owner, toolName string, args json.RawMessage, raw string) tool.ExecutionResult {
	res := tool.ExecutionResult{FinalText: raw, OriginalText: raw}
	if m == nil || m.vfs == nil || !m.ShouldCache(raw) {
		return res
	}

	for _, r := range m.hooks.Fire(ctx, hooks.PreCacheOutput, map[string]any{
		"tool_name":   toolName,
		"output_size": len(raw),
		"arguments":   tool.ParseArgs(args).Map(),
	}) {
		if r.Bool("block") {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("[Caching blocked by pre_cache_output hook for %s]", toolName))
			return res
		}
	}

	id, p, err := m.store(ctx, owner, toolName, args, raw)
	if err != nil {
		m.logger.Warn("cache write failed", "tool", toolName, "error", err)
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("[Failed to cache output: %v]", err))
		return res
	}

	preview := Preview(raw, m.cfg.PreviewChars)
	res.FinalText = Stub(p.URI(), toolName, raw, preview)
	res.WasCached = true
	res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("[Cached %d chars from %s as %s]", len(raw), toolName, id))

	m.hooks.Notify(ctx, hooks.PostCacheOutput, map[string]any{
		"tool_name":    toolName,
		"cache_id":     id,
		"output_size":  len(raw),
		"preview_size": len(preview),
	})
	return res
}

func (m *Manager) store(ctx context.Context, owner, toolName string, args json.RawMessage, raw string) (string, vfs.Path, error) {
	dir, err := Root.Join(owner)
	if err != nil {
		return "", vfs.Path{}, err
	}
	base := ID(toolName, m.now(), args)
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		id := base
		if attempt > 1 {
			id = base + "_" + strconv.Itoa(attempt)
		}
		p, err := dir.Join(id)
		if err != nil {
			return "", vfs.Path{}, err
		}
		exists, err := m.vfs.Exists(ctx, vfs.SystemCaller, p)
		if err != nil {
			return "", vfs.Path{}, err
		}
		if exists {
			continue
		}
		if err := m.vfs.Write(ctx, vfs.SystemCaller, p, []byte(raw)); err != nil {
			return "", vfs.Path{}, err
		}
		return id, p, nil
	}
	return "", vfs.Path{}, fmt.Errorf("no free cache id after %d attempts", maxIDAttempts)
}

// ID builds "{tool}_{unix_seconds_hex}_{args_hash}".
func ID(toolName string, at time.Time, args json.RawMessage) string {
	return fmt.Sprintf("%s_%x_%08x", toolName, at.Unix(), uint32(xxhash.Sum64(tool.NormalizeArgs(args))))
}

// Preview takes the first n runes of s and cuts back to the last newline
// inside that window when there is one.
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) > n {
		s = string([]rune(s)[:n])
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Stub renders the message that replaces cached output.
func Stub(uri, toolName, raw, preview string) string {
	n := len(raw)
	return fmt.Sprintf("[Output cached: %s]\n"+
		"Tool: %s | Size: %d chars, ~%d tokens | Lines: %d\n"+
		"Preview:\n"+
		"---\n"+
		"%s\n"+
		"---\n"+
		"Use file_head, file_tail, file_lines, file_grep with path=\"%s\" to examine.",
		uri, toolName, n, n/4, len(tool.SplitLines(raw)), preview, uri)
}

// Entry describes one cached output.
type Entry struct {
	ID       string
	Owner    string
	Tool     string
	URI      string
	Size     int64
	Lines    int
	CachedAt time.Time
}

var idPattern = regexp.MustCompile(`^(.+)_([0-9a-f]+)_[0-9a-f]{8}(?:_\d+)?$`)

func parseID(id string) (string, time.Time, bool) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", time.Time{}, false
	}
	secs, err := strconv.ParseInt(m[2], 16, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], time.Unix(secs, 0), true
}

// List returns owner's entries, newest first.
func (m *Manager) List(ctx context.Context, owner string) ([]Entry, error) {
	dir, err := Root.Join(owner)
	if err != nil {
		return nil, err
	}
	items, err := m.vfs.List(ctx, vfs.SystemCaller, dir)
	if errors.Is(err, vfs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, it := range items {
		if it.Kind != vfs.KindFile {
			continue
		}
		p, err := dir.Join(it.Name)
		if err != nil {
			continue
		}
		e := Entry{ID: it.Name, Owner: owner, URI: p.URI()}
		if toolName, at, ok := parseID(it.Name); ok {
			e.Tool, e.CachedAt = toolName, at
		}
		data, err := m.vfs.Read(ctx, vfs.SystemCaller, p)
		if err != nil {
			continue
		}
		e.Size = int64(len(data))
		e.Lines = len(tool.SplitLines(string(data)))
		if e.CachedAt.IsZero() {
			if meta, err := m.vfs.Metadata(ctx, vfs.SystemCaller, p); err == nil {
				e.CachedAt = meta.Modified
			}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CachedAt.After(out[j].CachedAt) })
	return out, nil
}

// Owners lists the contexts that have a cache directory.
func (m *Manager) Owners(ctx context.Context) ([]string, error) {
	items, err := m.vfs.List(ctx, vfs.SystemCaller, Root)
	if errors.Is(err, vfs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, it := range items {
		if it.Kind == vfs.KindDirectory {
			out = append(out, it.Name)
		}
	}
	return out, nil
}

// Clear removes every entry owned by owner.
func (m *Manager) Clear(ctx context.Context, owner string) error {
	dir, err := Root.Join(owner)
	if err != nil {
		return err
	}
	exists, err := m.vfs.Exists(ctx, vfs.SystemCaller, dir)
	if err != nil || !exists {
		return err
	}
	return m.vfs.Delete(ctx, vfs.SystemCaller, dir)
}

// Cleanup deletes entries older than maxAge across all owners and returns
// how many were removed. A non-positive maxAge uses the configured age.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = m.cfg.MaxAge
	}
	cutoff := m.now().Add(-maxAge)
	owners, err := m.Owners(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, owner := range owners {
		entries, err := m.List(ctx, owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if !e.CachedAt.Before(cutoff) {
				continue
			}
			p, err := vfs.FromURI(e.URI)
			if err != nil {
				continue
			}
			if err := m.vfs.Delete(ctx, vfs.SystemCaller, p); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("cache cleanup", "removed", removed, "max_age", maxAge)
	}
	return removed, errors.Join(errs...)
}
