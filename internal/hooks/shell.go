package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const DefaultTimeout = 10 * time.Second

// ShellHandler runs a command through /bin/sh for each event. The payload is
// written to stdin, and CHIBI_HOOK names the point being fired.
type ShellHandler struct {
	HandlerName string
	Command     string
	Timeout     time.Duration
	WorkDir     string
	Env         map[string]string
}

func (s *ShellHandler) Name() string {
	if s.HandlerName != "" {
		return s.HandlerName
	}
	return s.Command
}

func (s *ShellHandler) Handle(ctx context.Context, point Point, payload []byte) ([]byte, error) {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, errors.New("hooks: missing command")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", cmdStr) // #nosec G204
	// The payload travels on stdin only; exec rejects oversized env strings.
	cmd.Env = mergeEnv(os.Environ(), s.Env, map[string]string{"CHIBI_HOOK": string(point)})
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = bytes.NewReader(payload)

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("hooks: %s timed out after %s", s.Name(), timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("hooks: %s exited %d: %s", s.Name(), exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("hooks: run %s: %w", s.Name(), err)
	}
	return stdout.Bytes(), nil
}

func mergeEnv(base []string, extras ...map[string]string) []string {
	env := append([]string(nil), base...)
	for _, extra := range extras {
		for k, v := range extra {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// FuncHandler adapts an in-process function. The function sees the payload
// decoded as a map and returns an answer map; nil means no opinion.
type FuncHandler struct {
	HandlerName string
	Fn          func(ctx context.Context, point Point, payload map[string]any) (map[string]any, error)
}

// Func builds a FuncHandler.
func Func(name string, fn func(ctx context.Context, point Point, payload map[string]any) (map[string]any, error)) *FuncHandler {
	return &FuncHandler{HandlerName: name, Fn: fn}
}

func (f *FuncHandler) Name() string { return f.HandlerName }

func (f *FuncHandler) Handle(ctx context.Context, point Point, payload []byte) (answer []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			answer, err = nil, fmt.Errorf("hooks: %s panicked: %v", f.Name(), r)
		}
	}()
	if f.Fn == nil {
		return nil, nil
	}
	var in map[string]any
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("hooks: decode payload: %w", err)
	}
	out, err := f.Fn(ctx, point, in)
	if err != nil || out == nil {
		return nil, err
	}
	return json.Marshal(out)
}
