package di

import (
	"time"

	"github.com/savaki/opea-comps/internal/compose"
	"github.com/savaki/opea-comps/internal/dao/lockdao"
	"github.com/savaki/opea-comps/internal/dao/rundao"
	"github.com/savaki/opea-comps/internal/executer"
	"github.com/savaki/opea-comps/internal/helm"
	"github.com/savaki/opea-comps/internal/orchestrator"
	"github.com/savaki/opea-comps/internal/policy"
	"github.com/savaki/opea-comps/internal/services"
	"github.com/savaki/opea-comps/internal/smoke"
	"go.uber.org/dig"
)

func ProvideExecuter() executer.Executer {
	return executer.NewCommonExecuter()
}

func ProvideHelmRunner(exec executer.Executer, config *services.Config) *helm.Runner {
	return helm.NewRunner(exec, helm.WithFailureMarker(config.FailureMarker))
}

func ProvideSmokeRunner(timeout SmokeTimeout) *smoke.Runner {
	if timeout <= 0 {
		return smoke.NewRunner()
	}
	return smoke.NewRunner(smoke.WithBackoff(2*time.Second, 30*time.Second, time.Duration(timeout)))
}

func ProvideValidator() (*policy.Validator, error) {
	return policy.NewValidator()
}

// PipelineParams are the dependencies of the e2e pipeline. Run records and leases are
// only wired when their DAOs were provided.
type PipelineParams struct {
	dig.In

	Exec      executer.Executer
	Helm      *helm.Runner
	Smoke     *smoke.Runner
	Artifacts services.ArtifactStore
	Runs      *rundao.DAO  `optional:"true"`
	Locks     *lockdao.DAO `optional:"true"`
}

func ProvidePipeline(params PipelineParams) *orchestrator.Pipeline {
	opts := []orchestrator.Option{
		orchestrator.WithHelm(params.Helm),
		orchestrator.WithSmoke(params.Smoke),
		orchestrator.WithCompose(func(file, project string, env ...string) orchestrator.ComposeRunner {
			return compose.NewRunner(params.Exec, file, project, env...)
		}),
	}
	if params.Artifacts != nil {
		opts = append(opts, orchestrator.WithArtifacts(params.Artifacts))
	}
	if params.Runs != nil {
		opts = append(opts, orchestrator.WithRuns(params.Runs))
	}
	if params.Locks != nil {
		opts = append(opts, orchestrator.WithLocks(params.Locks))
	}
	return orchestrator.New(opts...)
}
