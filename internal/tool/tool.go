// Package tool defines the callable tools offered to the model, their
// categories, and the registry the dispatcher resolves calls against.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Args returns the arguments, substituting {} for anything that is not a
// JSON object.
func (c Call) Args() json.RawMessage {
	return NormalizeArgs(c.Arguments)
}

// NormalizeArgs guarantees a JSON object.
func NormalizeArgs(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || !gjson.Valid(trimmed) || !gjson.Parse(trimmed).IsObject() {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

// ExecutionResult is what one call produced. FinalText goes back to the
// model; OriginalText is the untouched tool output.
type ExecutionResult struct {
	FinalText    string
	OriginalText string
	WasCached    bool
	Diagnostics  []string
}

// Env is the per-call execution environment.
type Env struct {
	// Context is the caller's context name and VFS identity.
	Context     string
	ProjectRoot string
}

// Tool is something the model can call. Execute errors are reported to the
// model as "Error: ..." text.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, env Env, args json.RawMessage) (string, error)
}

// Sequential is implemented by tools that must not run alongside others.
type Sequential interface {
	Sequential() bool
}

// Object builds a JSON schema object.
func Object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Prop builds a single schema property.
func Prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// Args wraps raw call arguments for typed access.
type Args struct {
	raw string
}

func ParseArgs(raw json.RawMessage) Args {
	return Args{raw: string(NormalizeArgs(raw))}
}

func (a Args) Raw() string { return a.raw }

func (a Args) String(name string) (string, bool) {
	v := gjson.Get(a.raw, name)
	if v.Type != gjson.String {
		return "", false
	}
	return v.Str, true
}

func (a Args) StringOr(name, def string) string {
	if s, ok := a.String(name); ok {
		return s
	}
	return def
}

// RequireString fails when name is absent or not a string.
func (a Args) RequireString(name string) (string, error) {
	s, ok := a.String(name)
	if !ok {
		return "", fmt.Errorf("Missing '%s' parameter", name)
	}
	return s, nil
}

func (a Args) Int(name string, def int) int {
	v := gjson.Get(a.raw, name)
	if v.Type != gjson.Number {
		return def
	}
	return int(v.Int())
}

func (a Args) RequireInt(name string) (int, error) {
	v := gjson.Get(a.raw, name)
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("Missing '%s' parameter", name)
	}
	return int(v.Int()), nil
}

// Bool accepts a JSON boolean or the string "true".
func (a Args) Bool(name string) bool {
	v := gjson.Get(a.raw, name)
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		return v.Str == "true"
	}
	return false
}

// Map decodes the arguments into a generic map.
func (a Args) Map() map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal([]byte(a.raw), &out)
	return out
}

// Summarize renders a short human description of a call for tool-start
// events.
func Summarize(name string, args json.RawMessage) string {
	a := ParseArgs(args)
	for _, key := range []string{"path", "command", "url", "prompt", "message", "pattern", "input"} {
		if s, ok := a.String(key); ok && s != "" {
			return truncate(s, 80)
		}
	}
	return name
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
