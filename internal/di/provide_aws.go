package di

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/services"
)

func ProvideAWSConfig(ctx context.Context) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx)
}

// ProvideDynamoDB honors DYNAMODB_ENDPOINT so runs can be recorded against DynamoDB Local
func ProvideDynamoDB(config aws.Config) *dynamodb.Client {
	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	return dynamodb.NewFromConfig(config, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func ProvideS3Client(config aws.Config) *s3.Client {
	return s3.NewFromConfig(config)
}

// ProvideArtifactStore archives to dir when set, otherwise to the configured S3 bucket.
// Without either, artifacts are not archived and the store is nil.
func ProvideArtifactStore(ctx context.Context, dir ArtifactDir, config *services.Config, client *s3.Client) services.ArtifactStore {
	logger := zerolog.Ctx(ctx)

	switch {
	case dir != "":
		logger.Info().Str("dir", string(dir)).Msg("Archiving artifacts to local directory")
		return services.NewLocalArtifactStore(string(dir))
	case config.S3Bucket != "":
		logger.Info().Str("s3_bucket", config.S3Bucket).Msg("Archiving artifacts to S3")
		return services.NewS3ArtifactStore(client, config.S3Bucket, *logger)
	default:
		logger.Debug().Msg("No artifact store configured")
		return nil
	}
}
