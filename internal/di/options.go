package di

import "time"

// Local selects environment variable configuration instead of SSM Parameter Store
type Local bool

// ArtifactDir, when set, archives run artifacts to the local file system instead of S3
type ArtifactDir string

// SmokeTimeout bounds how long each smoke check is retried; zero keeps the runner default
type SmokeTimeout time.Duration

// Option is a function that configures the dependency injection container.
type Option func(*options)

// WithLocal configures the container to read configuration from the environment
func WithLocal(local bool) Option {
	return func(opts *options) {
		opts.local = local
	}
}

func WithArtifactDir(dir string) Option {
	return func(opts *options) {
		opts.artifactDir = ArtifactDir(dir)
	}
}

func WithSmokeTimeout(timeout time.Duration) Option {
	return func(opts *options) {
		opts.smokeTimeout = SmokeTimeout(timeout)
	}
}

// WithProviders adds constructor functions to the dependency injection container.
// Each provider should be a constructor function that returns one or more values.
// Providers can declare dependencies as function parameters, which will be
// automatically resolved by the container.
//
// Example:
//
//	WithProviders(
//	    func() *Database { return &Database{} },
//	    func(db *Database) *Service { return &Service{DB: db} },
//	)
func WithProviders(providers ...any) Option {
	return func(opts *options) {
		opts.providers = append(opts.providers, providers...)
	}
}

type options struct {
	local        bool
	artifactDir  ArtifactDir
	smokeTimeout SmokeTimeout
	providers    []any
}
