package di

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/matrix"
	"github.com/savaki/opea-comps/internal/services"
)

// ProvideSSMClient returns nil for local runs, or when DISABLE_SSM=true for CI jobs
// without AWS access
func ProvideSSMClient(awsConfig aws.Config, local Local) *ssm.Client {
	if local || os.Getenv("DISABLE_SSM") == "true" {
		return nil
	}
	return ssm.NewFromConfig(awsConfig)
}

// ProvideParameterStore reads /{env}/opea-comps from SSM, or the environment when the
// client is nil
func ProvideParameterStore(ctx context.Context, ssmClient *ssm.Client, env string) services.ParameterStore {
	logger := zerolog.Ctx(ctx).With().Str("env", env).Logger()
	if ssmClient == nil {
		logger.Debug().Msg("Reading configuration from environment variables")
		return services.NewEnvParameterStore(env)
	}
	logger.Debug().Msg("Reading configuration from SSM Parameter Store")
	return services.NewSSMParameterStore(ssmClient, env)
}

// ProvideAppConfig loads the configuration and rejects hardware names the matrix
// builder does not know
func ProvideAppConfig(ctx context.Context, store services.ParameterStore) (*services.Config, error) {
	config, err := store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	for _, h := range config.AllowedHardware {
		if _, err := matrix.ParseHardware(h); err != nil {
			return nil, fmt.Errorf("invalid allowed hardware: %w", err)
		}
	}

	zerolog.Ctx(ctx).Info().
		Str("registry", config.Registry).
		Str("s3_bucket", config.S3Bucket).
		Strs("allowed_hardware", config.AllowedHardware).
		Str("runs_table", config.RunsTable).
		Str("locks_table", config.LocksTable).
		Msg("Configuration loaded")

	return config, nil
}
