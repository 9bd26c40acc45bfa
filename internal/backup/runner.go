package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"backup-engine/internal/logging"
)

// Command describes one external tool invocation
type Command struct {
	Name string
	Args []string
	// Env entries are appended to the current process environment
	Env   []string
	Dir   string
	Stdin io.Reader
	// Stdout receives the tool's standard output. When nil the output is
	// captured into CommandResult.Stdout.
	Stdout io.Writer
}

// String renders the command line for logs. Values are not sanitized.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandResult is the outcome of a finished command
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandRunner runs external dump, restore, archive and sync tools
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands as child processes
type ExecRunner struct {
	timeout time.Duration
	logger  *logging.Logger
}

// NewExecRunner creates a runner. A positive timeout bounds every command.
func NewExecRunner(timeout time.Duration, logger *logging.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ExecRunner{timeout: timeout, logger: logger}
}

// LookPath resolves name on PATH
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run executes cmd and waits for it. A non-zero exit is returned as an
// EXTERNAL_TOOL_ERROR carrying the exit code and stderr.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*CommandResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	execCmd.Dir = cmd.Dir
	execCmd.Stdin = cmd.Stdin
	execCmd.WaitDelay = 10 * time.Second
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	if cmd.Stdout != nil {
		execCmd.Stdout = cmd.Stdout
	} else {
		execCmd.Stdout = &stdout
	}
	execCmd.Stderr = &stderr

	start := time.Now()
	runErr := execCmd.Run()

	result := &CommandResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		err := commandError(cmd, result, runErr)
		if ctx.Err() == context.DeadlineExceeded {
			err = NewExternalToolError(fmt.Sprintf("%s timed out after %s", cmd.Name, r.timeout), ctx.Err()).
				WithContext("command", cmd.Name)
		}
		r.logger.LogCommandExecution(cmd.Name, cmd.Args, result.Duration, result.ExitCode, err)
		return result, err
	}

	r.logger.LogCommandExecution(cmd.Name, cmd.Args, result.Duration, 0, nil)
	return result, nil
}

func commandError(cmd Command, result *CommandResult, cause error) *BackupError {
	stderr := strings.TrimSpace(result.Stderr)
	if len(stderr) > 2048 {
		stderr = stderr[len(stderr)-2048:]
	}
	message := fmt.Sprintf("%s failed with exit code %d", cmd.Name, result.ExitCode)
	if stderr != "" {
		message = fmt.Sprintf("%s: %s", message, stderr)
	}
	return NewExternalToolError(message, cause).
		WithContext("command", cmd.Name).
		WithContext("exit_code", result.ExitCode)
}
