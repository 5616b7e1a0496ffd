// Package executer runs the external CLIs (helm, kubectl, docker compose) the pipelines drive.
package executer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

type Executer interface {
	ExecuteWithContext(ctx context.Context, command string, args ...string) (stdout string, stderr string, exitCode int)
	ExecuteWithContextFromDir(ctx context.Context, workingDir string, command string, args []string, env ...string) (stdout string, stderr string, exitCode int)
}

type commonExecuter struct {
	env []string
}

type ExecuterOption func(e *commonExecuter)

// WithEnv appends KEY=VALUE pairs to the environment inherited from the current process
func WithEnv(env ...string) ExecuterOption {
	return func(e *commonExecuter) {
		e.env = append(e.env, env...)
	}
}

func NewCommonExecuter(options ...ExecuterOption) Executer {
	e := &commonExecuter{}
	for _, o := range options {
		o(e)
	}
	return e
}

func (e *commonExecuter) ExecuteWithContext(ctx context.Context, command string, args ...string) (stdout string, stderr string, exitCode int) {
	cmd := exec.CommandContext(ctx, command, args...)
	return e.execute(ctx, cmd)
}

func (e *commonExecuter) ExecuteWithContextFromDir(ctx context.Context, workingDir string, command string, args []string, env ...string) (stdout string, stderr string, exitCode int) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workingDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return e.execute(ctx, cmd)
}

func (e *commonExecuter) execute(ctx context.Context, cmd *exec.Cmd) (stdout string, stderr string, exitCode int) {
	if len(cmd.Env) == 0 {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, e.env...)

	var stdoutBytes, stderrBytes bytes.Buffer
	cmd.Stdout = &stdoutBytes
	cmd.Stderr = &stderrBytes

	zerolog.Ctx(ctx).Debug().
		Str("command", cmd.Path).
		Str("args", strings.Join(cmd.Args[1:], " ")).
		Msg("Executing command")

	err := cmd.Run()
	exitCode = getExitCode(err)
	if exitCode != 0 {
		return stdoutBytes.String(), getErrorStr(err, &stderrBytes), exitCode
	}
	return stdoutBytes.String(), stderrBytes.String(), exitCode
}

func getExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if state, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus); ok {
			if state.Signaled() && state.Signal() == syscall.SIGKILL {
				return 137 // 128 + 9 (SIGKILL)
			}
		}
		return exitErr.ExitCode()
	}

	return -1
}

func getErrorStr(err error, stderr *bytes.Buffer) string {
	b := stderr.Bytes()
	if len(b) > 0 {
		return string(b)
	} else if err != nil {
		return err.Error()
	}

	return ""
}
