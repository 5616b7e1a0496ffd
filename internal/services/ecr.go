package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/docker/docker/api/types/registry"
)

type ECRService struct {
	client    *ecr.Client
	stsClient *sts.Client
	region    string
}

func NewECRService(cfg aws.Config) *ECRService {
	return &ECRService{
		client:    ecr.NewFromConfig(cfg),
		stsClient: sts.NewFromConfig(cfg),
		region:    cfg.Region,
	}
}

type RepositoryInfo struct {
	Name string
	ARN  string
	URI  string
}

// EnsureRepository creates an ECR repository with scan-on-push enabled, or describes it
// when it already exists. CI tags such as latest are rewritten, so tags stay mutable.
func (s *ECRService) EnsureRepository(ctx context.Context, repositoryName string) (*RepositoryInfo, error) {
	output, err := s.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(repositoryName),
		ImageTagMutability: types.ImageTagMutabilityMutable,
		ImageScanningConfiguration: &types.ImageScanningConfiguration{
			ScanOnPush: true,
		},
		Tags: []types.Tag{
			{
				Key:   aws.String("ManagedBy"),
				Value: aws.String(appName),
			},
		},
	})
	if err == nil {
		return &RepositoryInfo{
			Name: aws.ToString(output.Repository.RepositoryName),
			ARN:  aws.ToString(output.Repository.RepositoryArn),
			URI:  aws.ToString(output.Repository.RepositoryUri),
		}, nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "RepositoryAlreadyExistsException" {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}

	describeOutput, err := s.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{repositoryName},
	})
	if err != nil {
		return nil, fmt.Errorf("repository exists but failed to describe: %w", err)
	}
	if len(describeOutput.Repositories) == 0 {
		return nil, fmt.Errorf("repository exists but not found in describe")
	}
	repo := describeOutput.Repositories[0]
	return &RepositoryInfo{
		Name: aws.ToString(repo.RepositoryName),
		ARN:  aws.ToString(repo.RepositoryArn),
		URI:  aws.ToString(repo.RepositoryUri),
	}, nil
}

// AuthConfig returns docker registry credentials from an ECR authorization token
func (s *ECRService) AuthConfig(ctx context.Context) (*registry.AuthConfig, error) {
	output, err := s.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization token: %w", err)
	}
	if len(output.AuthorizationData) == 0 {
		return nil, fmt.Errorf("no authorization data returned")
	}

	data := output.AuthorizationData[0]
	return DecodeAuthorizationToken(aws.ToString(data.AuthorizationToken), aws.ToString(data.ProxyEndpoint))
}

// DecodeAuthorizationToken decodes a base64 "user:password" ECR token
func DecodeAuthorizationToken(token, endpoint string) (*registry.AuthConfig, error) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("failed to decode authorization token: %w", err)
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, fmt.Errorf("authorization token is not in user:password form")
	}

	return &registry.AuthConfig{
		Username:      username,
		Password:      password,
		ServerAddress: endpoint,
	}, nil
}

// GetAccountID retrieves the AWS account ID
func (s *ECRService) GetAccountID(ctx context.Context) (string, error) {
	output, err := s.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	return aws.ToString(output.Account), nil
}

// RegistryURI returns the private registry host of the current account
func (s *ECRService) RegistryURI(ctx context.Context) (string, error) {
	accountID, err := s.GetAccountID(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", accountID, s.region), nil
}

// IsECRRegistry reports whether registry points at an ECR host
func IsECRRegistry(registry string) bool {
	host, _, _ := strings.Cut(registry, "/")
	return strings.Contains(host, ".dkr.ecr.") && strings.HasSuffix(host, ".amazonaws.com")
}
