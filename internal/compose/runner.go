package compose

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/errors"
	"github.com/savaki/opea-comps/internal/executer"
)

// Runner drives `docker compose` for one compose file and project
type Runner struct {
	exec    executer.Executer
	file    string
	project string
	env     []string
}

// NewRunner returns a runner for file under project name. env is passed to every
// compose invocation as KEY=VALUE pairs.
func NewRunner(exec executer.Executer, file, project string, env ...string) *Runner {
	return &Runner{
		exec:    exec,
		file:    file,
		project: project,
		env:     env,
	}
}

// run invokes docker compose from the directory holding the compose file, so -f names
// the file relative to that directory and relative build contexts resolve as compose expects.
func (r *Runner) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"compose", "-f", filepath.Base(r.file), "-p", r.project}, args...)
	stdout, stderr, code := r.exec.ExecuteWithContextFromDir(ctx, filepath.Dir(r.file), "docker", full, r.env...)
	if code != 0 {
		return stdout + stderr, fmt.Errorf("%w: docker %s: exit code %d: %s",
			errors.ErrComposeFailed, strings.Join(args, " "), code, strings.TrimSpace(stderr))
	}
	return stdout + stderr, nil
}

// Up starts the given services (all when empty) detached
func (r *Runner) Up(ctx context.Context, services ...string) error {
	zerolog.Ctx(ctx).Info().
		Str("project", r.project).
		Strs("services", services).
		Msg("Starting compose stack")

	args := append([]string{"up", "-d"}, services...)
	_, err := r.run(ctx, args...)
	return err
}

// Logs returns the combined logs of the stack
func (r *Runner) Logs(ctx context.Context) (string, error) {
	return r.run(ctx, "logs", "--no-color")
}

// Down stops the stack and removes orphans and volumes
func (r *Runner) Down(ctx context.Context) error {
	zerolog.Ctx(ctx).Info().Str("project", r.project).Msg("Stopping compose stack")
	_, err := r.run(ctx, "down", "--remove-orphans", "-v")
	return err
}

// Project returns the compose project name
func (r *Runner) Project() string {
	return r.project
}
