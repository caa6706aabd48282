package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultShellTimeout bounds one shell command.
	DefaultShellTimeout = 60 * time.Second

	// maxShellOutput caps captured stdout+stderr per command.
	maxShellOutput = 10 << 20
)

// searchCommands are tools whose exit code 1 means "no matches", not
// failure. An empty no-match result is mapped to success so the agent does
// not chase a phantom error.
var searchCommands = map[string]bool{
	"rg":    true,
	"grep":  true,
	"egrep": true,
	"fgrep": true,
	"ag":    true,
}

// shellTool runs bash commands inside the workspace.
type shellTool struct {
	workspace string
	timeout   time.Duration
}

func (s *shellTool) definition() (string, string, map[string]any) {
	return "bash",
		"Run a bash command in the assessment workspace. Output is truncated at 10MiB; commands are killed after the timeout.",
		Object(map[string]any{
			"command": String("The bash command to run."),
			"timeout": Integer("Optional timeout in seconds, capped at the configured maximum."),
		}, "command")
}

func (s *shellTool) call(ctx context.Context, args map[string]any) (*Result, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return Errf("command is required"), nil
	}

	timeout := s.timeout
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	if requested := intArg(args, "timeout", 0); requested > 0 {
		if d := time.Duration(requested) * time.Second; d < timeout {
			timeout = d
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Dir = s.workspace
	cmd.Env = os.Environ()
	cmd.WaitDelay = 5 * time.Second

	var buf cappedBuffer
	buf.limit = maxShellOutput
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	output := buf.String()

	if runCtx.Err() == context.DeadlineExceeded {
		result := Errf("command timed out after %s", timeout)
		if output != "" {
			result.Output = fmt.Sprintf("command timed out after %s; partial output:\n%s", timeout, output)
		}
		result.ExitCode = -1
		return result, nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Errf("starting command: %v", runErr), nil
		}
	}

	if exitCode == 1 && strings.TrimSpace(output) == "" && searchCommands[firstWord(command)] {
		return Ok("no matches found"), nil
	}

	result := &Result{Status: StatusSuccess, Output: output, ExitCode: exitCode}
	if exitCode != 0 {
		result.Status = StatusError
		if strings.TrimSpace(output) == "" {
			result.Output = fmt.Sprintf("command exited with code %d", exitCode)
		}
	}
	return result, nil
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// cappedBuffer collects output up to limit bytes, then discards the rest and
// records that truncation happened.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... [output truncated at 10MiB]"
	}
	return b.buf.String()
}
