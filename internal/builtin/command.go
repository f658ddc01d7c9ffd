// Package builtin ships task handlers the daemon registers out of the
// box, so a fresh install can run workflows without embedding Go code.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/task"
	"github.com/aristath/conductor/internal/worker"
)

// TypeCommand is the task type the command handler registers under.
const TypeCommand = "command"

// CommandPayload is the payload schema for command tasks.
type CommandPayload struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CommandOutput is the output a finished command task reports.
// ExitCode is -1 when the process was killed before exiting.
type CommandOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Command runs local processes as task handlers. Every subprocess gets
// its own process group so cancellation and shutdown can kill the whole
// tree instead of orphaning grandchildren.
type Command struct {
	logger *zap.Logger

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

func NewCommand(logger *zap.Logger) *Command {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{logger: logger, procs: make(map[int]*exec.Cmd)}
}

// Register installs the built-in handlers on a registry and returns the
// command handler so the caller can KillAll on shutdown.
func Register(reg *worker.Registry, logger *zap.Logger) (*Command, error) {
	cmd := NewCommand(logger)
	if err := reg.RegisterFunc(TypeCommand, cmd.Handle); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Handle executes one command task. Payload problems and missing
// executables fail permanently; a non-zero exit is left to the retry
// policy since commands are often transiently flaky.
func (c *Command) Handle(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
	var p CommandPayload
	if err := json.Unmarshal(inv.Task.Payload, &p); err != nil {
		return worker.Result{}, task.Permanent(errors.Wrap(err, "malformed command payload"))
	}
	if p.Command == "" {
		return worker.Result{}, task.Permanent(errors.New("command payload names no command"))
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		env := os.Environ()
		for k, v := range p.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdout, stderr, runErr := c.run(cmd)
	out := CommandOutput{
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	body, err := json.Marshal(out)
	if err != nil {
		return worker.Result{}, errors.Wrap(err, "failed to encode command output")
	}
	return worker.Result{Output: body}, runErr
}

// run starts the command and drains both pipes concurrently before
// Wait, so output larger than the pipe buffer cannot deadlock.
func (c *Command) run(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, task.Permanent(errors.Wrapf(err, "failed to start %s", cmd.Path))
	}
	c.track(cmd)
	defer c.untrack(cmd)

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	if waitErr != nil {
		if s := snippet(stderr); s != "" {
			return stdout, stderr, errors.Wrapf(waitErr, "command failed (stderr: %s)", s)
		}
		return stdout, stderr, errors.Wrap(waitErr, "command failed")
	}
	return stdout, stderr, nil
}

func (c *Command) track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procs[cmd.Process.Pid] = cmd
}

func (c *Command) untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group. Called on shutdown so
// no subprocess outlives the daemon.
func (c *Command) KillAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid := range c.procs {
		// Negative pid targets the whole group.
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			c.logger.Warn("failed to kill process group",
				zap.Int("pid", pid),
				zap.Error(err))
		}
	}
}

// Count reports the number of live subprocesses.
func (c *Command) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.procs)
}

// snippet caps stderr carried inside error strings; full output still
// lands in CommandOutput.
func snippet(b []byte) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
