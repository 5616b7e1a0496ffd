package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const appName = "opea-comps"

// Config holds the CI configuration of an environment
type Config struct {
	Registry           string
	S3Bucket           string
	ChartRepo          string
	HFTokenSecretName  string
	AllowedHardware    []string
	DeprecatedServices []string
	SkipValueFiles     []string
	FailureMarker      string
	RunsTable          string
	LocksTable         string
}

func (c *Config) setDefaults(env string) {
	if c.Registry == "" {
		c.Registry = "opea"
	}
	if c.HFTokenSecretName == "" {
		c.HFTokenSecretName = fmt.Sprintf("%s/%s/secrets", appName, env)
	}
	if c.FailureMarker == "" {
		c.FailureMarker = "FAILED"
	}
	if c.RunsTable == "" {
		c.RunsTable = fmt.Sprintf("%s-%s-runs", env, appName)
	}
	if c.LocksTable == "" {
		c.LocksTable = fmt.Sprintf("%s-%s-locks", env, appName)
	}
}

// ParameterStore defines the interface for accessing configuration parameters
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetConfig loads the environment configuration
	GetConfig(ctx context.Context) (*Config, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager Parameter Store
type SSMParameterStore struct {
	client *ssm.Client
	env    string
	mu     sync.RWMutex
	cache  map[string]string
}

func NewSSMParameterStore(client *ssm.Client, env string) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		env:    env,
		cache:  make(map[string]string),
	}
}

// GetParameter retrieves a single parameter from SSM Parameter Store
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: boolPtr(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// GetConfig loads every parameter under /{env}/opea-comps
func (s *SSMParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	path := fmt.Sprintf("/%s/%s", s.env, appName)

	params := make(map[string]string)
	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           &path,
		Recursive:      boolPtr(true),
		WithDecryption: boolPtr(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters by path %s: %w", path, err)
		}
		for _, param := range page.Parameters {
			if param.Name != nil && param.Value != nil {
				params[*param.Name] = *param.Value
			}
		}
	}

	s.mu.Lock()
	for k, v := range params {
		s.cache[k] = v
	}
	s.mu.Unlock()

	get := func(key string) string {
		return params[path+"/"+key]
	}

	config := &Config{
		Registry:           get("registry"),
		S3Bucket:           get("s3-bucket"),
		ChartRepo:          get("chart-repo"),
		HFTokenSecretName:  get("hf-token-secret-name"),
		AllowedHardware:    SplitList(get("allowed-hardware")),
		DeprecatedServices: SplitList(get("deprecated-services")),
		SkipValueFiles:     SplitList(get("skip-value-files")),
		FailureMarker:      get("failure-marker"),
		RunsTable:          get("runs-table"),
		LocksTable:         get("locks-table"),
	}
	config.setDefaults(s.env)

	return config, nil
}

// EnvParameterStore implements ParameterStore using environment variables.
// Used for local runs and CI jobs without AWS access.
type EnvParameterStore struct {
	env    string
	getenv func(string) string
}

func NewEnvParameterStore(env string) *EnvParameterStore {
	return &EnvParameterStore{
		env:    env,
		getenv: os.Getenv,
	}
}

// GetParameter returns the environment variable name
func (e *EnvParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	return e.getenv(name), nil
}

// GetConfig loads the configuration from environment variables
func (e *EnvParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	config := &Config{
		Registry:           e.getenv("REGISTRY"),
		S3Bucket:           e.getenv("S3_BUCKET_NAME"),
		ChartRepo:          e.getenv("CHART_REPO"),
		HFTokenSecretName:  e.getenv("HF_TOKEN_SECRET_NAME"),
		AllowedHardware:    SplitList(e.getenv("ALLOWED_HARDWARE")),
		DeprecatedServices: SplitList(e.getenv("DEPRECATED_SERVICES")),
		SkipValueFiles:     SplitList(e.getenv("SKIP_VALUE_FILES")),
		FailureMarker:      e.getenv("FAILURE_MARKER"),
		RunsTable:          e.getenv("RUNS_TABLE"),
		LocksTable:         e.getenv("LOCKS_TABLE"),
	}
	config.setDefaults(e.env)

	return config, nil
}

// SplitList splits a comma or whitespace separated list, dropping empty items
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}

func boolPtr(b bool) *bool {
	return &b
}
