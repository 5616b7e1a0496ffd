// Package di wires the CI tooling together with uber's dig. Core providers cover
// configuration, AWS clients, the artifact store and the e2e pipeline; commands add
// what only they need through WithProviders.
package di

import (
	"github.com/savaki/opea-comps/internal/services"
	"go.uber.org/dig"
)

// Container defines a dependency injection container based on uber's dig.
type Container interface {
	// Invoke executes a function, injecting its dependencies from the container.
	Invoke(function any, opts ...dig.InvokeOption) error

	// Provide registers a constructor function in the container.
	Provide(constructor any, opts ...dig.ProvideOption) error

	// Scope creates a scoped sub-container with its own set of values.
	Scope(name string, opts ...dig.ScopeOption) *dig.Scope
}

// Get constructs T and everything it depends on
//
// Example:
//
//	pipeline, err := Get[*orchestrator.Pipeline](container)
func Get[T any](container Container) (want T, err error) {
	err = container.Invoke(func(got T) {
		want = got
	})
	return want, err
}

// MustGet is Get for dependencies that cannot fail to construct. It panics otherwise.
func MustGet[T any](container Container) T {
	want, err := Get[T](container)
	if err != nil {
		panic(err)
	}
	return want
}

// New creates a container for env. The environment name and the option values are
// registered as values (string, Local, ArtifactDir, SmokeTimeout) ahead of the core
// providers and the providers added with WithProviders.
func New(env string, opts ...Option) (Container, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	values := []any{
		func() string { return env },
		func() Local { return Local(o.local) },
		func() ArtifactDir { return o.artifactDir },
		func() SmokeTimeout { return o.smokeTimeout },
	}

	container := dig.New()
	for _, group := range [][]any{values, core, o.providers} {
		for _, provider := range group {
			if err := container.Provide(provider); err != nil {
				return nil, err
			}
		}
	}
	return container, nil
}

var core = []any{
	ProvideLogger,
	ProvideContext,
	ProvideAWSConfig,
	ProvideSSMClient,
	ProvideParameterStore,
	ProvideAppConfig,
	ProvideDynamoDB,
	ProvideS3Client,
	ProvideArtifactStore,
	ProvideExecuter,
	ProvideHelmRunner,
	ProvideSmokeRunner,
	ProvideValidator,
	ProvidePipeline,
	services.NewECRService,
	services.NewSecretsManagerService,
}
