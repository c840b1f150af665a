// Package hooks dispatches named extension events to externally registered
// handlers. Handlers receive a JSON payload and may answer with JSON; the
// caller interprets the answers. A handler that fails, times out or answers
// with garbage simply has no opinion.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
)

// Handler answers hook events. Returning an error or empty output means the
// handler has no opinion on this event.
type Handler interface {
	Name() string
	Handle(ctx context.Context, point Point, payload []byte) ([]byte, error)
}

// Result is one handler's answer. Raw is always a JSON object.
type Result struct {
	Handler string
	Raw     []byte
}

// Get returns the value at a gjson path.
func (r Result) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Raw, path)
}

// Has reports whether the answer contains key.
func (r Result) Has(path string) bool {
	return r.Get(path).Exists()
}

// Bool returns a boolean field, false when absent or not boolean.
func (r Result) Bool(path string) bool {
	v := r.Get(path)
	return v.Type == gjson.True
}

// String returns a string field and whether it was present as a string.
func (r Result) String(path string) (string, bool) {
	v := r.Get(path)
	if v.Type != gjson.String {
		return "", false
	}
	return v.Str, true
}

// StringOr returns a string field or def.
func (r Result) StringOr(path, def string) string {
	if s, ok := r.String(path); ok {
		return s
	}
	return def
}

// Strings returns an array-of-strings field and whether it was an array.
func (r Result) Strings(path string) ([]string, bool) {
	v := r.Get(path)
	if !v.IsArray() {
		return nil, false
	}
	var out []string
	for _, el := range v.Array() {
		if el.Type == gjson.String {
			out = append(out, el.Str)
		}
	}
	return out, true
}

// Dispatcher fans hook events out to the handlers registered per point.
// The zero value is not usable; a nil *Dispatcher fires nothing.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Point][]Handler
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger routes handler failures to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[Point][]Handler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = d.logger.With("component", "hooks")
	return d
}

// Register binds h to every listed point. Handlers fire in registration order.
func (d *Dispatcher) Register(h Handler, points ...Point) {
	if d == nil || h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range points {
		d.handlers[p] = append(d.handlers[p], h)
	}
}

// Has reports whether at least one handler listens on point.
func (d *Dispatcher) Has(point Point) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[point]) > 0
}

func (d *Dispatcher) snapshot(point Point) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hs := d.handlers[point]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// Fire invokes every handler on point with payload and collects the usable
// answers. Payload is marshalled once; a payload that cannot be marshalled
// fires nothing.
func (d *Dispatcher) Fire(ctx context.Context, point Point, payload any) []Result {
	if d == nil {
		return nil
	}
	handlers := d.snapshot(point)
	if len(handlers) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Warn("marshal hook payload", "point", point, "error", err)
		return nil
	}

	results := make([]Result, 0, len(handlers))
	for _, h := range handlers {
		out, err := h.Handle(ctx, point, data)
		if err != nil {
			d.logger.Debug("hook handler has no opinion", "point", point, "handler", h.Name(), "error", err)
			continue
		}
		raw, ok := normalizeOutput(out)
		if !ok {
			continue
		}
		results = append(results, Result{Handler: h.Name(), Raw: raw})
	}
	return results
}

// Notify fires point and discards every answer.
func (d *Dispatcher) Notify(ctx context.Context, point Point, payload any) {
	_ = d.Fire(ctx, point, payload)
}

// normalizeOutput turns handler stdout into a JSON object. Objects pass
// through; any other non-empty text is wrapped as {"output": text}.
func normalizeOutput(out []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, false
	}
	if trimmed[0] == '{' && gjson.ValidBytes(trimmed) {
		return trimmed, true
	}
	wrapped, err := json.Marshal(map[string]string{"output": string(trimmed)})
	if err != nil {
		return nil, false
	}
	return wrapped, true
}

// Payload merges extra key sets (such as fuel fields) into base. Nil maps are
// skipped, so absent keys stay absent.
func Payload(base map[string]any, extra ...map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, m := range extra {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
