// Package helm drives the install, test and uninstall lifecycle of ephemeral chart releases.
package helm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/errors"
	"github.com/savaki/opea-comps/internal/executer"
	"github.com/savaki/opea-comps/internal/utils"
)

// Runner shells out to helm and kubectl
type Runner struct {
	exec          executer.Executer
	helmBin       string
	kubectlBin    string
	failureMarker string
}

type Option func(*Runner)

// WithFailureMarker sets the string that marks a failed test in helm test logs
func WithFailureMarker(marker string) Option {
	return func(r *Runner) {
		if marker != "" {
			r.failureMarker = marker
		}
	}
}

// WithBinaries overrides the helm and kubectl executables
func WithBinaries(helmBin, kubectlBin string) Option {
	return func(r *Runner) {
		if helmBin != "" {
			r.helmBin = helmBin
		}
		if kubectlBin != "" {
			r.kubectlBin = kubectlBin
		}
	}
}

func NewRunner(exec executer.Executer, opts ...Option) *Runner {
	r := &Runner{
		exec:          exec,
		helmBin:       "helm",
		kubectlBin:    "kubectl",
		failureMarker: DefaultFailureMarker,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install deploys the release and waits for it to become ready.
// On failure the pod state of the namespace is returned as diagnostics.
func (r *Runner) Install(ctx context.Context, rel Release) (diagnostics string, err error) {
	logger := zerolog.Ctx(ctx)

	args := []string{
		"install", "--create-namespace",
		"--namespace", rel.Namespace,
		rel.Name, rel.Chart,
	}
	if rel.ValueFile != "" {
		args = append(args, "-f", rel.ValueFile)
	}
	if rel.Version != "" {
		args = append(args, "--version", rel.Version)
	}
	for _, kv := range utils.MergeSetValues(rel.Set) {
		args = append(args, "--set", kv)
	}
	args = append(args, "--wait", "--timeout", seconds(rel.InstallTimeout))

	logger.Info().
		Str("release", rel.Name).
		Str("namespace", rel.Namespace).
		Str("chart", rel.Chart).
		Str("value_file", rel.ValueFile).
		Msg("Installing helm release")

	_, stderr, code := r.exec.ExecuteWithContext(ctx, r.helmBin, args...)
	if code == 0 {
		return "", nil
	}

	logger.Error().
		Str("release", rel.Name).
		Int("exit_code", code).
		Str("stderr", strings.TrimSpace(stderr)).
		Msg("Helm install failed")

	return r.Diagnose(ctx, rel), fmt.Errorf("%w: %s: %s", errors.ErrInstallFailed, rel.Name, strings.TrimSpace(stderr))
}

// Diagnose collects pod state of the release namespace for post-mortem logs
func (r *Runner) Diagnose(ctx context.Context, rel Release) string {
	var b strings.Builder
	for _, args := range [][]string{
		{"get", "pods", "-n", rel.Namespace, "-o", "wide"},
		{"describe", "pods", "-n", rel.Namespace},
	} {
		stdout, stderr, _ := r.exec.ExecuteWithContext(ctx, r.kubectlBin, args...)
		fmt.Fprintf(&b, "$ %s %s\n%s%s\n", r.kubectlBin, strings.Join(args, " "), stdout, stderr)
	}
	return b.String()
}

// Test runs the chart's test hooks and returns their logs.
// The test fails when helm exits non-zero or the logs contain the failure marker.
func (r *Runner) Test(ctx context.Context, rel Release) (string, error) {
	logger := zerolog.Ctx(ctx)

	stdout, stderr, code := r.exec.ExecuteWithContext(ctx, r.helmBin,
		"test", "-n", rel.Namespace, rel.Name,
		"--logs", "--timeout", seconds(rel.TestTimeout),
	)
	output := stdout + stderr

	if code != 0 {
		logger.Error().Str("release", rel.Name).Int("exit_code", code).Msg("Helm test failed")
		return output, fmt.Errorf("%w: %s exited with code %d", errors.ErrHelmTestFailed, rel.Name, code)
	}
	if strings.Contains(output, r.failureMarker) {
		logger.Error().Str("release", rel.Name).Str("marker", r.failureMarker).Msg("Helm test log contains failure marker")
		return output, fmt.Errorf("%w: %s log contains %q", errors.ErrHelmTestFailed, rel.Name, r.failureMarker)
	}

	logger.Info().Str("release", rel.Name).Msg("Helm test passed")
	return output, nil
}

// Installed reports whether the release is present in its namespace
func (r *Runner) Installed(ctx context.Context, rel Release) bool {
	stdout, _, code := r.exec.ExecuteWithContext(ctx, r.helmBin, "list", "-n", rel.Namespace, "-q")
	if code != 0 {
		return false
	}
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) == rel.Name {
			return true
		}
	}
	return false
}

// Uninstall removes the release and its namespace.
// When a graceful namespace delete fails, pods are force deleted and the namespace
// delete is retried with --force.
func (r *Runner) Uninstall(ctx context.Context, rel Release) error {
	logger := zerolog.Ctx(ctx)
	timeout := seconds(rel.DeleteTimeout)

	if r.Installed(ctx, rel) {
		if _, stderr, code := r.exec.ExecuteWithContext(ctx, r.helmBin,
			"uninstall", rel.Name, "--namespace", rel.Namespace, "--wait", "--timeout", timeout,
		); code != 0 {
			logger.Warn().
				Str("release", rel.Name).
				Str("stderr", strings.TrimSpace(stderr)).
				Msg("Helm uninstall failed, deleting namespace anyway")
		}
	} else {
		logger.Info().Str("release", rel.Name).Msg("Release not installed, skipping helm uninstall")
	}

	if _, _, code := r.exec.ExecuteWithContext(ctx, r.kubectlBin,
		"delete", "ns", rel.Namespace, "--ignore-not-found", "--timeout="+timeout,
	); code == 0 {
		return nil
	}

	logger.Warn().Str("namespace", rel.Namespace).Msg("Namespace delete timed out, forcing")

	r.exec.ExecuteWithContext(ctx, r.kubectlBin,
		"delete", "pods", "--namespace", rel.Namespace, "--force", "--grace-period=0", "--all",
	)
	if _, stderr, code := r.exec.ExecuteWithContext(ctx, r.kubectlBin,
		"delete", "ns", rel.Namespace, "--force", "--grace-period=0", "--timeout="+timeout,
	); code != 0 {
		return fmt.Errorf("%w: namespace %s: %s", errors.ErrUninstallFailed, rel.Namespace, strings.TrimSpace(stderr))
	}
	return nil
}

// Result captures everything a lifecycle run produced
type Result struct {
	Release     Release
	TestLog     string
	Diagnostics string
}

// Run installs, tests and always uninstalls the release.
// The first install or test failure is returned; an uninstall failure is only
// returned when everything else succeeded.
func (r *Runner) Run(ctx context.Context, rel Release) (result Result, err error) {
	logger := zerolog.Ctx(ctx)
	result.Release = rel

	defer func() {
		if uerr := r.Uninstall(context.WithoutCancel(ctx), rel); uerr != nil {
			logger.Error().Err(uerr).Str("release", rel.Name).Msg("Cleanup failed")
			if err == nil {
				err = uerr
			}
		}
	}()

	if result.Diagnostics, err = r.Install(ctx, rel); err != nil {
		return result, err
	}

	result.TestLog, err = r.Test(ctx, rel)
	return result, err
}
