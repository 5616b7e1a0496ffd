package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type SecretsManagerService struct {
	client *secretsmanager.Client
}

// Secrets is the JSON document stored at opea-comps/{env}/secrets
type Secrets struct {
	HFToken string `json:"hf_token"`
}

func NewSecretsManagerService(cfg aws.Config) *SecretsManagerService {
	return &SecretsManagerService{
		client: secretsmanager.NewFromConfig(cfg),
	}
}

// GetSecret retrieves a secret value by path from AWS Secrets Manager
func (s *SecretsManagerService) GetSecret(ctx context.Context, secretPath string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretPath),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", secretPath, err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretPath)
	}

	return *result.SecretString, nil
}

// GetHFToken retrieves the Hugging Face token used to pull gated models
func (s *SecretsManagerService) GetHFToken(ctx context.Context, secretPath string) (string, error) {
	raw, err := s.GetSecret(ctx, secretPath)
	if err != nil {
		return "", err
	}
	return ParseHFToken(secretPath, raw)
}

// ParseHFToken extracts hf_token from a secret document
func ParseHFToken(secretPath, raw string) (string, error) {
	var secrets Secrets
	if err := json.Unmarshal([]byte(raw), &secrets); err != nil {
		return "", fmt.Errorf("failed to unmarshal secret %s: %w", secretPath, err)
	}

	if secrets.HFToken == "" {
		return "", fmt.Errorf("hf_token field is empty in secret %s", secretPath)
	}

	return secrets.HFToken, nil
}
