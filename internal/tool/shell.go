package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultShellTimeout = 30 * time.Second

// ShellExec runs a command through /bin/sh in the project root and reports
// stdout, stderr, exit code and whether it timed out as a JSON object.
type ShellExec struct{}

func (ShellExec) Name() string { return ShellExecName }

func (ShellExec) Description() string {
	return "Execute a shell command and return stdout, stderr, exit code, and whether it timed out. Commands run via `sh -c`. Use for build, test, and general shell tasks."
}

func (ShellExec) Schema() map[string]any {
	return Object(map[string]any{
		"command":      Prop("string", "Shell command to execute"),
		"timeout_secs": withDefault(Prop("integer", "Timeout in seconds before the process is killed (default: 30)"), 30),
	}, "command")
}

type shellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

func (ShellExec) Execute(ctx context.Context, env Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	command, err := a.RequireString("command")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(command) == "" {
		return "", errors.New("command is empty")
	}
	timeout := defaultShellTimeout
	if secs := a.Int("timeout_secs", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	if env.ProjectRoot != "" {
		cmd.Dir = env.ProjectRoot
	}
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := shellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res = shellResult{ExitCode: -1, TimedOut: true}
	case runErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("Failed to spawn command: %w", runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
