package security

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emesal/chibi-sub000/internal/hooks"
)

func TestClassify(t *testing.T) {
	cases := map[string]Category{
		"https://example.com/":          "",
		"https://8.8.8.8/dns":           "",
		"http://[2001:db8::1]/":         "",
		"http://127.0.0.1/":             CategoryLoopback,
		"http://localhost:8080/admin":   CategoryLoopback,
		"http://LOCALHOST./":            CategoryLoopback,
		"http://api.localhost/":         CategoryLoopback,
		"http://0.0.0.0/":               CategoryLoopback,
		"http://[::1]/":                 CategoryLoopback,
		"http://[::]/":                  CategoryLoopback,
		"http://10.1.2.3/":              CategoryPrivateNetwork,
		"http://172.16.5.4/":            CategoryPrivateNetwork,
		"http://192.168.1.1/":           CategoryPrivateNetwork,
		"http://[fd12::1]/":             CategoryPrivateNetwork,
		"http://169.254.1.1/":           CategoryLinkLocal,
		"http://[fe80::1]/":             CategoryLinkLocal,
		"http://169.254.169.254/latest": CategoryCloudMetadata,
		"http://[fd00:ec2::254]/":       CategoryCloudMetadata,
		"not a url":                     CategoryUnparseable,
		"http:///nohost":                CategoryUnparseable,
		"http://1.2.3.4.5/":             CategoryUnparseable,
		"http://999999999999/":          CategoryUnparseable,
	}
	for raw, want := range cases {
		assert.Equal(t, want, Classify(raw).Category, raw)
	}
}

func TestClassifyResistsIPObfuscation(t *testing.T) {
	for _, raw := range []string{
		"http://2130706433/",
		"http://0x7f000001/",
		"http://0x7f.1/",
		"http://0177.0.0.1/",
		"http://127.1/",
		"http://[::ffff:127.0.0.1]/",
		"http://[64:ff9b::7f00:1]/",
		"http://%31%32%37.0.0.1/",
	} {
		assert.Equal(t, CategoryLoopback, Classify(raw).Category, raw)
	}
	assert.Equal(t, CategoryCloudMetadata, Classify("http://[::ffff:169.254.169.254]/").Category)
	assert.Equal(t, CategoryCloudMetadata, Classify("http://0xa9fea9fe/").Category)
	assert.Equal(t, CategoryPrivateNetwork, Classify("http://012.0.0.1/").Category)
}

func TestCategoryDisplay(t *testing.T) {
	assert.Equal(t, "cloud metadata endpoint", CategoryCloudMetadata.Display())
	assert.Equal(t, "could not parse URL", CategoryUnparseable.Display())
	_, err := ParseCategory("intranet")
	assert.Error(t, err)
}

func TestCanonicalURL(t *testing.T) {
	assert.Equal(t, "http://example.com/", CanonicalURL("HTTP://EXAMPLE.COM"))
	assert.Equal(t, "https://example.com/Path?q=1", CanonicalURL("https://Example.com./Path?q=1"))
	assert.Equal(t, "http://127.0.0.1/x", CanonicalURL("http://0x7f.1/x"))
	assert.Equal(t, "http://127.0.0.1:8080/", CanonicalURL("http://%31%32%37.0.0.1:8080"))
	assert.Equal(t, "http://xn--bcher-kva.example/", CanonicalURL("http://Bücher.example/"))
	assert.Equal(t, "not a url", CanonicalURL("Not A URL"))
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("https://*.example.com/*", "https://api.example.com/v1"))
	assert.False(t, globMatch("https://*.example.com/*", "https://example.org/"))
	assert.True(t, globMatch("a?c", "abc"))
	assert.False(t, globMatch("a?c", "ac"))
	assert.True(t, globMatch(`a\*c`, "a*c"))
	assert.False(t, globMatch(`a\*c`, "abc"))
	assert.True(t, globMatch(`a\?`, "a?"))
	assert.True(t, globMatch("a****b", "ab"))
	assert.True(t, globMatch(`a\**`, "a*zz"))
	assert.True(t, globMatch("*", ""))
	assert.False(t, globMatch("", "x"))
	assert.True(t, globMatch("h?llo*", "héllo world"))
}

func TestPolicyPrecedence(t *testing.T) {
	loop := Rule{Preset: CategoryLoopback}
	raw := "http://127.0.0.1/"
	safety := Classify(raw)

	p := &URLPolicy{
		Deny:          []Rule{loop},
		AllowOverride: []Rule{loop},
		DenyOverride:  []Rule{loop},
	}
	assert.Equal(t, Deny, p.Evaluate(raw, safety))

	p.DenyOverride = nil
	assert.Equal(t, Allow, p.Evaluate(raw, safety))

	p.AllowOverride = nil
	assert.Equal(t, Deny, p.Evaluate(raw, safety))

	p.Deny = nil
	assert.Equal(t, Allow, p.Evaluate(raw, safety))
	p.Default = Deny
	assert.Equal(t, Deny, p.Evaluate(raw, safety))
}

func TestPolicyGlobsUseCanonicalForm(t *testing.T) {
	p := &URLPolicy{
		Default: Deny,
		Allow:   []Rule{{Pattern: "https://api.example.com/*"}},
	}
	raw := "HTTPS://API.EXAMPLE.COM/v1/models"
	assert.Equal(t, Allow, p.Evaluate(raw, Classify(raw)))
	raw = "https://evil.test/?u=https://api.example.com/"
	assert.Equal(t, Deny, p.Evaluate(raw, Classify(raw)))
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("preset:cloud_metadata")
	require.NoError(t, err)
	assert.Equal(t, CategoryCloudMetadata, r.Preset)
	assert.Equal(t, "preset:cloud_metadata", r.String())

	r, err = ParseRule("https://*.internal/*")
	require.NoError(t, err)
	assert.Equal(t, "https://*.internal/*", r.Pattern)

	_, err = ParseRule("preset:nowhere")
	assert.Error(t, err)

	var a Action
	require.NoError(t, a.UnmarshalText([]byte("DENY")))
	assert.Equal(t, Deny, a)
	assert.Error(t, a.UnmarshalText([]byte("maybe")))
}

func deciding(answer map[string]any) *hooks.Dispatcher {
	d := hooks.NewDispatcher()
	d.Register(hooks.Func("decider", func(context.Context, hooks.Point, map[string]any) (map[string]any, error) {
		return answer, nil
	}), hooks.PreFileWrite, hooks.PreShellExec, hooks.PreFetchURL)
	return d
}

func TestGateFailsClosedWithoutHandlers(t *testing.T) {
	g := NewGate(hooks.NewDispatcher())
	for _, kind := range []OperationKind{OpFileWrite, OpShellExec, OpFileRead} {
		d := g.Evaluate(context.Background(), Operation{Kind: kind, ToolName: "x"})
		assert.False(t, d.Allowed, kind)
		assert.Equal(t, "no permission handler configured (fail-safe deny)", d.Reason)
	}
	d := g.Evaluate(context.Background(), Operation{Kind: OpShellExec, ToolName: "shell_exec"})
	assert.Equal(t, "Permission denied: no permission handler configured (fail-safe deny)", d.Message())
}

func TestGateHookAnswers(t *testing.T) {
	ctx := context.Background()
	op := Operation{Kind: OpFileWrite, ToolName: "write_file", Details: map[string]any{"path": "/tmp/x"}}

	d := NewGate(deciding(map[string]any{"denied": true, "reason": "read-only session"}), WithHandler(AutoApprove{})).Evaluate(ctx, op)
	assert.False(t, d.Allowed)
	assert.Equal(t, "read-only session", d.Reason)

	d = NewGate(deciding(map[string]any{"denied": true}), WithHandler(AutoApprove{})).Evaluate(ctx, op)
	assert.Equal(t, "denied by hook", d.Reason)

	d = NewGate(deciding(map[string]any{"approved": true})).Evaluate(ctx, op)
	assert.True(t, d.Allowed)

	d = NewGate(deciding(map[string]any{"note": "nothing"}), WithHandler(AutoApprove{})).Evaluate(ctx, op)
	assert.True(t, d.Allowed)

	refuse := PermissionFunc(func(_ context.Context, req PermissionRequest) (bool, error) {
		assert.Equal(t, hooks.PreFileWrite, req.Point)
		assert.Equal(t, "/tmp/x", req.Payload["path"])
		return false, nil
	})
	d = NewGate(hooks.NewDispatcher(), WithHandler(refuse)).Evaluate(ctx, op)
	assert.False(t, d.Allowed)
	assert.Equal(t, "permission denied", d.Reason)
}

func TestGateShellGuardSeesLargeWrites(t *testing.T) {
	d := hooks.NewDispatcher()
	d.Register(&hooks.ShellHandler{HandlerName: "guard", Command: `cat >/dev/null; echo '{"denied":true,"reason":"guard says no"}'`}, hooks.PreFileWrite)
	g := NewGate(d, WithHandler(AutoApprove{}))

	for _, content := range []string{"hi", strings.Repeat("a", 200_000)} {
		dec := g.Evaluate(context.Background(), Operation{
			Kind:     OpFileWrite,
			ToolName: "write_file",
			Details:  map[string]any{"path": "/tmp/x", "content": content},
		})
		assert.False(t, dec.Allowed, "content of %d bytes", len(content))
		assert.Equal(t, "guard says no", dec.Reason)
	}
}

func TestGateURLWithoutPolicy(t *testing.T) {
	ctx := context.Background()
	g := NewGate(hooks.NewDispatcher())
	assert.True(t, g.Evaluate(ctx, Operation{Kind: OpFetchURL, URL: "https://example.com/"}).Allowed)

	d := g.Evaluate(ctx, Operation{Kind: OpFetchURL, URL: "http://169.254.169.254/"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "fail-safe deny")

	var seen map[string]any
	disp := hooks.NewDispatcher()
	disp.Register(hooks.Func("inspect", func(_ context.Context, _ hooks.Point, p map[string]any) (map[string]any, error) {
		seen = p
		return map[string]any{"approved": true}, nil
	}), hooks.PreFetchURL)
	d = NewGate(disp).Evaluate(ctx, Operation{Kind: OpFetchURL, ToolName: "fetch_url", URL: "http://localhost/"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "sensitive", seen["safety"])
	assert.Equal(t, "loopback address", seen["reason"])
	assert.Equal(t, "http://localhost/", seen["url"])
}

func TestGateCheckRedirect(t *testing.T) {
	ctx := context.Background()
	d := hooks.NewDispatcher()
	var seen map[string]any
	d.Register(hooks.Func("watch", func(_ context.Context, _ hooks.Point, p map[string]any) (map[string]any, error) {
		seen = p
		return nil, nil
	}), hooks.PreFetchURL)
	g := NewGate(d)

	require.NoError(t, g.CheckRedirect(ctx, "https://example.com/next"))
	err := g.CheckRedirect(ctx, "http://169.254.169.254/latest/meta-data/")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "Permission denied: "))
	assert.Equal(t, true, seen["redirect"])
	assert.Equal(t, "http://169.254.169.254/latest/meta-data/", seen["url"])
}

func TestGateURLPolicyIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	policy := &URLPolicy{
		Deny:  []Rule{{Preset: CategoryLoopback}, {Pattern: "https://blocked.example/*"}},
		Allow: []Rule{{Preset: CategoryPrivateNetwork}},
	}
	g := NewGate(deciding(map[string]any{"approved": true}), WithURLPolicy(policy))

	d := g.Evaluate(ctx, Operation{Kind: OpFetchURL, URL: "http://127.0.0.1/"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "loopback address", d.Reason)

	d = g.Evaluate(ctx, Operation{Kind: OpFetchURL, URL: "https://blocked.example/page"})
	assert.Equal(t, "denied by URL policy", d.Reason)

	assert.True(t, g.Evaluate(ctx, Operation{Kind: OpFetchURL, URL: "http://10.0.0.2/"}).Allowed)
}

func TestPrompter(t *testing.T) {
	ctx := context.Background()
	req := PermissionRequest{Payload: map[string]any{"tool_name": "shell_exec", "command": "rm -rf build"}}

	var out bytes.Buffer
	p := &Prompter{In: strings.NewReader("\nn\nyes\n"), Out: &out}
	ok, err := p.Approve(ctx, req)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = p.Approve(ctx, req)
	assert.False(t, ok)
	ok, _ = p.Approve(ctx, req)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "[shell_exec] rm -rf build [Y/n] ")

	ok, _ = (&Prompter{In: strings.NewReader(""), Out: &out}).Approve(ctx, req)
	assert.False(t, ok)
}

func TestClassifyFilePath(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "src", "main.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(inside), 0o755))
	require.NoError(t, os.WriteFile(inside, []byte("package main"), 0o644))
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	fa, err := ClassifyFilePath(inside, []string{root})
	require.NoError(t, err)
	assert.True(t, fa.Allowed)

	fa, err = ClassifyFilePath(outside, []string{root})
	require.NoError(t, err)
	assert.False(t, fa.Allowed)

	fa, err = ClassifyFilePath(inside, nil)
	require.NoError(t, err)
	assert.False(t, fa.Allowed)

	_, err = ClassifyFilePath(filepath.Join(root, "missing"), []string{root})
	assert.Error(t, err)

	w, err := ResolveWritePath(filepath.Join(root, "new", "file.txt"))
	require.NoError(t, err)
	real, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, filepath.Join(real, "new", "file.txt"), w)
}
