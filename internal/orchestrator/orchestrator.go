// Package orchestrator runs the helm and compose e2e pipelines end to end, recording each run.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/dao/lockdao"
	"github.com/savaki/opea-comps/internal/dao/rundao"
	"github.com/savaki/opea-comps/internal/errors"
	"github.com/savaki/opea-comps/internal/helm"
	"github.com/savaki/opea-comps/internal/models"
	"github.com/savaki/opea-comps/internal/services"
	"github.com/savaki/opea-comps/internal/smoke"
	"github.com/segmentio/ksuid"
)

// RunStore persists run records
type RunStore interface {
	Create(ctx context.Context, input rundao.CreateInput) (rundao.Record, error)
	UpdateStatus(ctx context.Context, input rundao.UpdateInput) error
}

// LockStore leases a chart on the shared cluster
type LockStore interface {
	Acquire(ctx context.Context, input lockdao.AcquireInput) (*lockdao.Record, bool, error)
	Release(ctx context.Context, input lockdao.ReleaseInput) error
}

// HelmRunner drives the release lifecycle
type HelmRunner interface {
	Install(ctx context.Context, rel helm.Release) (string, error)
	Test(ctx context.Context, rel helm.Release) (string, error)
	Uninstall(ctx context.Context, rel helm.Release) error
}

// ComposeRunner drives one compose project
type ComposeRunner interface {
	Up(ctx context.Context, services ...string) error
	Logs(ctx context.Context) (string, error)
	Down(ctx context.Context) error
}

// ComposeFactory returns the runner for a compose file and project
type ComposeFactory func(file, project string, env ...string) ComposeRunner

// SmokeRunner polls HTTP checks
type SmokeRunner interface {
	Run(ctx context.Context, checks ...smoke.Check) ([]smoke.Result, error)
}

// Pipeline runs e2e tests. Run records, leases and artifacts are optional.
type Pipeline struct {
	helm      HelmRunner
	compose   ComposeFactory
	smoke     SmokeRunner
	runs      RunStore
	locks     LockStore
	artifacts services.ArtifactStore
	now       func() time.Time
}

type Option func(*Pipeline)

func WithHelm(h HelmRunner) Option {
	return func(p *Pipeline) { p.helm = h }
}

func WithCompose(factory ComposeFactory) Option {
	return func(p *Pipeline) { p.compose = factory }
}

func WithSmoke(s SmokeRunner) Option {
	return func(p *Pipeline) { p.smoke = s }
}

func WithRuns(runs RunStore) Option {
	return func(p *Pipeline) { p.runs = runs }
}

func WithLocks(locks LockStore) Option {
	return func(p *Pipeline) { p.locks = locks }
}

func WithArtifacts(store services.ArtifactStore) Option {
	return func(p *Pipeline) { p.artifacts = store }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HelmOutcome is what a helm e2e run produced
type HelmOutcome struct {
	RunID       rundao.ID     `json:"run_id,omitempty"`
	Release     helm.Release  `json:"-"`
	Status      rundao.Status `json:"status"`
	TestLog     string        `json:"-"`
	Diagnostics string        `json:"-"`
	LogKey      string        `json:"log_key,omitempty"`
}

// helmRun carries the state of a single RunHelm call
type helmRun struct {
	*Pipeline
	input   models.HelmInput
	record  rundao.Record
	logger  zerolog.Logger
	outcome *HelmOutcome
}

// RunHelm records the run, leases the chart, then installs, tests and always uninstalls
// the release. The first install or test failure is returned.
func (p *Pipeline) RunHelm(ctx context.Context, input models.HelmInput) (outcome HelmOutcome, err error) {
	if p.helm == nil {
		return outcome, fmt.Errorf("helm runner not configured")
	}

	rel := helm.NewRelease(input.Chart, input.ChartRef, input.ValueFile, p.now())
	rel.Version = input.Version
	rel.Set = input.Set
	if input.InstallTimeout > 0 {
		rel.InstallTimeout = input.InstallTimeout
	}
	if input.TestTimeout > 0 {
		rel.TestTimeout = input.TestTimeout
	}
	if input.DeleteTimeout > 0 {
		rel.DeleteTimeout = input.DeleteTimeout
	}

	outcome.Release = rel
	outcome.Status = rundao.StatusPending

	run := &helmRun{
		Pipeline: p,
		input:    input,
		outcome:  &outcome,
		logger: zerolog.Ctx(ctx).With().
			Str("service", input.Service).
			Str("hardware", input.Hardware).
			Str("value_file", input.ValueFile).
			Str("release", rel.Name).
			Str("namespace", rel.Namespace).
			Logger(),
	}
	ctx = run.logger.WithContext(ctx)

	if err := run.create(ctx); err != nil {
		return outcome, err
	}

	defer func() {
		if err != nil {
			run.finish(ctx, rundao.StatusFailed, err)
		} else {
			run.finish(ctx, rundao.StatusSuccess, nil)
		}
	}()

	release, err := run.lease(ctx)
	if err != nil {
		return outcome, err
	}
	defer release()

	defer func() {
		if uerr := p.helm.Uninstall(context.WithoutCancel(ctx), rel); uerr != nil {
			run.logger.Error().Err(uerr).Msg("Cleanup failed")
			if err == nil {
				err = uerr
			}
		}
	}()

	run.transition(ctx, rundao.StatusInstalling)
	if outcome.Diagnostics, err = p.helm.Install(ctx, rel); err != nil {
		run.archive(ctx, "install-diagnostics.log", outcome.Diagnostics)
		return outcome, err
	}

	run.transition(ctx, rundao.StatusTesting)
	outcome.TestLog, err = p.helm.Test(ctx, rel)
	run.archive(ctx, "helm-test.log", outcome.TestLog)
	return outcome, err
}

func (r *helmRun) create(ctx context.Context) error {
	sk := ksuid.New().String()
	if r.runs == nil {
		r.outcome.RunID = rundao.NewID(rundao.NewPK(r.input.Service, r.input.Hardware), sk)
		return nil
	}

	record, err := r.runs.Create(ctx, rundao.CreateInput{
		Service:   r.input.Service,
		Hardware:  r.input.Hardware,
		SK:        sk,
		ValueFile: r.input.ValueFile,
		ImageTag:  r.input.ImageTag,
		Namespace: r.outcome.Release.Namespace,
		Release:   r.outcome.Release.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	r.record = record
	r.outcome.RunID = record.GetID()
	r.logger = r.logger.With().Str("run_id", r.outcome.RunID.String()).Logger()
	return nil
}

// lease takes the cluster lease and returns its release func
func (r *helmRun) lease(ctx context.Context) (func(), error) {
	if r.locks == nil {
		return func() {}, nil
	}

	runID := r.outcome.RunID.String()
	holder, acquired, err := r.locks.Acquire(ctx, lockdao.AcquireInput{
		Hardware:  r.input.Hardware,
		Chart:     r.input.Chart,
		RunID:     runID,
		Namespace: r.outcome.Release.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !acquired {
		var heldBy string
		if holder != nil {
			heldBy = holder.RunID
		}
		return nil, fmt.Errorf("%w: %s/%s held by %s", errors.ErrLockHeld, r.input.Hardware, r.input.Chart, heldBy)
	}

	return func() {
		err := r.locks.Release(context.WithoutCancel(ctx), lockdao.ReleaseInput{
			ID:    lockdao.NewID(r.input.Hardware, r.input.Chart),
			RunID: runID,
		})
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to release lease")
		}
	}, nil
}

func (r *helmRun) transition(ctx context.Context, status rundao.Status) {
	r.outcome.Status = status
	r.logger.Info().Str("status", string(status)).Msg("Run status changed")
	if r.runs == nil {
		return
	}
	if err := r.runs.UpdateStatus(ctx, rundao.UpdateInput{PK: r.record.PK, SK: r.record.SK, Status: &status}); err != nil {
		r.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to record run status")
	}
}

func (r *helmRun) finish(ctx context.Context, status rundao.Status, cause error) {
	r.outcome.Status = status
	event := r.logger.Info()
	if cause != nil {
		event = r.logger.Error().Err(cause)
	}
	event.Str("status", string(status)).Msg("Run finished")

	if r.runs == nil {
		return
	}

	input := rundao.UpdateInput{PK: r.record.PK, SK: r.record.SK, Status: &status}
	if cause != nil {
		msg := cause.Error()
		input.ErrorMsg = &msg
	}
	if r.outcome.LogKey != "" {
		key := r.outcome.LogKey
		input.LogKey = &key
	}
	if err := r.runs.UpdateStatus(context.WithoutCancel(ctx), input); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record run result")
	}
}

func (r *helmRun) archive(ctx context.Context, name, body string) {
	if r.artifacts == nil || body == "" {
		return
	}
	key, err := r.artifacts.PutLog(context.WithoutCancel(ctx), r.outcome.RunID.String(), name, []byte(body))
	if err != nil {
		r.logger.Warn().Err(err).Str("log", name).Msg("Failed to archive log")
		return
	}
	r.outcome.LogKey = key
}

// ComposeOutcome is what a compose e2e run produced
type ComposeOutcome struct {
	Project string         `json:"project"`
	Results []smoke.Result `json:"results"`
	Logs    string         `json:"-"`
	LogKey  string         `json:"log_key,omitempty"`
}

// RunCompose starts the stack, runs the smoke checks, captures the logs and always
// stops the stack.
func (p *Pipeline) RunCompose(ctx context.Context, input models.ComposeInput) (outcome ComposeOutcome, err error) {
	if p.compose == nil {
		return outcome, fmt.Errorf("compose runner not configured")
	}

	logger := zerolog.Ctx(ctx).With().Str("project", input.Project).Str("file", input.File).Logger()
	ctx = logger.WithContext(ctx)
	outcome.Project = input.Project

	runner := p.compose(input.File, input.Project, input.Env...)

	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if logs, lerr := runner.Logs(cleanupCtx); lerr == nil {
			outcome.Logs = logs
			if err != nil {
				logger.Error().Msg("Compose e2e failed, container logs follow")
				logger.Error().Msg(logs)
			}
		}
		if p.artifacts != nil && outcome.Logs != "" {
			runID := fmt.Sprintf("compose/%s:%s", input.Project, ksuid.New().String())
			if key, aerr := p.artifacts.PutLog(cleanupCtx, runID, "compose.log", []byte(outcome.Logs)); aerr == nil {
				outcome.LogKey = key
			} else {
				logger.Warn().Err(aerr).Msg("Failed to archive compose logs")
			}
		}
		if derr := runner.Down(cleanupCtx); derr != nil {
			logger.Error().Err(derr).Msg("Cleanup failed")
			if err == nil {
				err = derr
			}
		}
	}()

	if err = runner.Up(ctx, input.Services...); err != nil {
		return outcome, err
	}

	if len(input.Checks) == 0 || p.smoke == nil {
		return outcome, nil
	}

	outcome.Results, err = p.smoke.Run(ctx, input.Checks...)
	return outcome, err
}
