package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
)

// waitDelay bounds how long a killed command may hold its output pipes.
const waitDelay = time.Second

// ExecTool runs a shell command template. {{name}} placeholders are
// replaced with the shell-quoted argument of the same name, and the raw
// JSON arguments are piped to stdin.
type ExecTool struct {
	name        string
	description string
	command     string
	params      map[string]interface{}
	timeout     time.Duration
	dir         string
}

func NewExecTool(name, description, command string) *ExecTool {
	return &ExecTool{
		name:        name,
		description: description,
		command:     command,
		timeout:     2 * time.Minute,
	}
}

func (t *ExecTool) Name() string        { return t.name }
func (t *ExecTool) Description() string { return t.description }

func (t *ExecTool) Parameters() map[string]interface{} {
	if t.params != nil {
		return t.params
	}
	return map[string]interface{}{
		"input": map[string]interface{}{"type": "string", "description": "Value for input"},
	}
}

// Execute runs the command. A non-zero exit is an error carrying stderr;
// hitting the timeout is transient.
func (t *ExecTool) Execute(ctx context.Context, argsJSON json.RawMessage) (string, error) {
	args, err := decodeArgs(argsJSON)
	if err != nil {
		return "", err
	}
	line := placeholderRe.ReplaceAllStringFunc(t.command, func(m string) string {
		v, ok := args[m[2:len(m)-2]]
		if !ok {
			return "''"
		}
		return shellQuote(fmt.Sprint(v))
	})

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = t.dir
	killGroupOnCancel(cmd)
	cmd.Stdin = bytes.NewReader(argsJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	out := strings.TrimRight(stdout.String(), "\n")
	if err == nil {
		return out, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return out, mnemoerr.Transient(fmt.Sprintf("command timed out after %v", t.timeout), ctx.Err())
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return out, fmt.Errorf("command failed: %s", msg)
	}
	return out, fmt.Errorf("command failed: %w", err)
}

// Test runs the command with empty arguments.
func (t *ExecTool) Test(ctx context.Context) (string, error) {
	if _, err := t.Execute(ctx, json.RawMessage(`{}`)); err != nil {
		return "", err
	}
	return fmt.Sprintf("exec tool %q operational", t.name), nil
}

func (t *ExecTool) SetWorkingDir(dir string)    { t.dir = dir }
func (t *ExecTool) SetTimeout(d time.Duration) { t.timeout = d }

func decodeArgs(raw json.RawMessage) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
