package mesh

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

// Request is one invocation of the mesh generator.
type Request struct {
	InputDir    string // extracted frames: 000.png, 001.png, ...
	OutputDir   string // exclusive to the job
	Fast        bool
	LowMemory   bool
	BlenderPath string // optional; enables the animated composite export
}

// Generator turns a directory of frames into mesh artifacts in OutputDir.
type Generator interface {
	Generate(ctx context.Context, req Request) error
}

// ToolError reports an abnormal run of the external generator.
type ToolError struct {
	ExitCode int
	Stderr   string
	TimedOut bool
	Timeout  time.Duration
	Err      error
}

func (e *ToolError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("mesh generation timed out after %s", e.Timeout)
	}
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("mesh generation failed (exit %d): %s", e.ExitCode, msg)
}

func (e *ToolError) Unwrap() error { return e.Err }

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, env []string, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, env []string, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	// Do not wait forever for grandchildren holding the pipes after a kill.
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// CLI runs the generator as an external command: Command followed by
// --input DIR --output DIR [--fast] [--low_ram] [--blender_path PATH].
type CLI struct {
	Command      []string
	PythonPath   string
	FailOnStderr bool
	runner       commandRunner
}

var _ Generator = (*CLI)(nil)

func NewCLI(command []string, pythonPath string, failOnStderr bool) *CLI {
	return &CLI{
		Command:      command,
		PythonPath:   pythonPath,
		FailOnStderr: failOnStderr,
		runner:       &execRunner{},
	}
}

// Args builds the argument list appended to the configured command.
func Args(req Request) []string {
	args := []string{"--input", req.InputDir, "--output", req.OutputDir}
	if req.Fast {
		args = append(args, "--fast")
	}
	if req.LowMemory {
		args = append(args, "--low_ram")
	}
	if req.BlenderPath != "" {
		args = append(args, "--blender_path", req.BlenderPath)
	}
	return args
}

// Generate runs the command. The caller bounds ctx; a deadline kills the process and yields
// a ToolError with TimedOut set.
func (c *CLI) Generate(ctx context.Context, req Request) error {
	if len(c.Command) == 0 {
		return errors.New("mesh command is not configured")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}
	var env []string
	if c.PythonPath != "" {
		env = append(env, "PYTHONPATH="+c.PythonPath)
	}
	args := append(append([]string{}, c.Command[1:]...), Args(req)...)

	start := time.Now()
	res, err := c.runner.Run(ctx, env, c.Command[0], args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ToolError{ExitCode: res.ExitCode, Stderr: res.Stderr, TimedOut: true, Timeout: timeoutOf(ctx, start), Err: ctx.Err()}
		}
		return &ToolError{ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	if c.FailOnStderr && strings.TrimSpace(res.Stderr) != "" {
		return &ToolError{ExitCode: 0, Stderr: res.Stderr}
	}
	return nil
}

// timeoutOf reports the configured budget of ctx, falling back to the elapsed time.
func timeoutOf(ctx context.Context, start time.Time) time.Duration {
	if d, ok := ctx.Value(timeoutKey{}).(time.Duration); ok {
		return d
	}
	return time.Since(start).Round(time.Second)
}

type timeoutKey struct{}

// WithTimeout is context.WithTimeout that also remembers d for timeout messages.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithValue(parent, timeoutKey{}, d), d)
}
