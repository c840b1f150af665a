package loop

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/emesal/chibi-sub000/internal/hooks"
	"github.com/emesal/chibi-sub000/internal/model"
	"github.com/emesal/chibi-sub000/internal/tool"
)

// toolDefinitions builds the tool list for a round: the fallback tool is
// annotated, the configured filter applies, then pre_api_tools may narrow
// it further.
func (d *Driver) toolDefinitions(ctx context.Context, ts *turnState) []tool.Definition {
	entries := d.opts.Filter.Apply(d.opts.Registry.Entries())

	info := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		info = append(info, map[string]any{"name": e.Name(), "type": e.Category.String()})
	}
	results := d.opts.Hooks.Fire(ctx, hooks.PreAPITools, hooks.Payload(map[string]any{
		"context_name": ts.name,
		"tools":        info,
	}, ts.fuel.Fields()))

	var (
		include  []string
		included bool
		exclude  []string
	)
	for _, r := range results {
		if names, ok := r.Strings("include"); ok {
			if d.opts.Verbose {
				d.verbose(ts, "[Hook pre_api_tools: %s include filter: %s]", r.Handler, quoteList(names))
			}
			if !included {
				include, included = names, true
			} else {
				include = slices.DeleteFunc(include, func(n string) bool { return !slices.Contains(names, n) })
			}
		}
		if names, ok := r.Strings("exclude"); ok {
			if d.opts.Verbose {
				d.verbose(ts, "[Hook pre_api_tools: %s exclude filter: %s]", r.Handler, quoteList(names))
			}
			for _, n := range names {
				if !slices.Contains(exclude, n) {
					exclude = append(exclude, n)
				}
			}
		}
	}

	defs := make([]tool.Definition, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if included && !slices.Contains(include, name) {
			continue
		}
		if slices.Contains(exclude, name) {
			continue
		}
		def := e.Definition()
		if name == d.opts.Fallback {
			def.Description += fallbackSuffix
		}
		defs = append(defs, def)
	}
	return defs
}

// requestExtra fires pre_api_request with a rendering of the request body
// and merges any returned request_body keys into Extra.
func (d *Driver) requestExtra(ctx context.Context, ts *turnState, req model.Request) json.RawMessage {
	tools := make([]map[string]any, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	body := map[string]any{
		"system":   req.System,
		"messages": ts.messages,
		"tools":    tools,
	}
	if req.Model != "" {
		body["model"] = req.Model
	}
	results := d.opts.Hooks.Fire(ctx, hooks.PreAPIRequest, hooks.Payload(map[string]any{
		"context_name": ts.name,
		"request_body": body,
	}, ts.fuel.Fields()))

	extra := "{}"
	for _, r := range results {
		mods := r.Get("request_body")
		if !mods.IsObject() {
			continue
		}
		var keys []string
		mods.ForEach(func(key, value gjson.Result) bool {
			next, err := sjson.SetRaw(extra, escapeKey(key.String()), value.Raw)
			if err != nil {
				d.logger.Warn("merge request_body key", "key", key.String(), "error", err)
				return true
			}
			extra = next
			keys = append(keys, key.String())
			return true
		})
		if d.opts.Verbose {
			d.verbose(ts, "[Hook pre_api_request: %s modifying request (keys: %s)]", r.Handler, quoteList(keys))
		}
	}
	if extra == "{}" {
		return nil
	}
	return json.RawMessage(extra)
}

// applyOverrides honours fallback, fuel and fuel_delta answers from
// pre_agentic_loop and post_tool_batch.
func (d *Driver) applyOverrides(ts *turnState, handoff *Handoff, results []hooks.Result) {
	for _, r := range results {
		if fb, ok := r.String("fallback"); ok {
			handoff.SetFallback(fallbackTarget(fb))
			if d.opts.Verbose {
				d.verbose(ts, "[Hook %s set fallback to %s]", r.Handler, fb)
			}
		}
		if v := r.Get("fuel"); v.Type == gjson.Number && v.Num >= 0 {
			ts.fuel.Set(uint(v.Uint()))
			if d.opts.Verbose {
				d.verbose(ts, "[Hook %s set fuel to %d]", r.Handler, v.Uint())
			}
		}
		if v := r.Get("fuel_delta"); v.Type == gjson.Number {
			ts.fuel.Adjust(v.Int())
			if d.opts.Verbose {
				d.verbose(ts, "[Hook %s adjusted fuel by %d]", r.Handler, v.Int())
			}
		}
	}
}

// escapeKey keeps a top-level key from being read as an sjson path.
func escapeKey(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`, ":", `\:`)
	return r.Replace(key)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + n + `"`
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
