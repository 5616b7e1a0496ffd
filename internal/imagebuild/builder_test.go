package imagebuild

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/registry"
	"github.com/savaki/opea-comps/internal/compose"
	"github.com/savaki/opea-comps/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	mu     sync.Mutex
	built  map[string]map[string]*string
	pushed map[string]*registry.AuthConfig
	fail   string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		built:  map[string]map[string]*string{},
		pushed: map[string]*registry.AuthConfig{},
	}
}

func (f *fakeDocker) BuildImage(ctx context.Context, dir, dockerfile, tag string, buildArgs map[string]*string, onOutput OutputCallback) error {
	if f.fail != "" && strings.Contains(tag, f.fail) {
		return stderrors.New("build failed")
	}
	onOutput("Step 1/1 : FROM python:3.11-slim")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built[tag] = buildArgs
	return nil
}

func (f *fakeDocker) PushImage(ctx context.Context, ref string, auth *registry.AuthConfig, onOutput OutputCallback) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[ref] = auth
	return "sha256:abc", nil
}

type staticAuth struct{}

func (staticAuth) AuthConfig(ctx context.Context) (*registry.AuthConfig, error) {
	return &registry.AuthConfig{Username: "AWS", Password: "token", ServerAddress: "123.dkr.ecr.us-west-2.amazonaws.com"}, nil
}

func testManifest() compose.Manifest {
	return compose.Manifest{Services: []compose.Service{
		{Name: "llm-textgen", Image: "opea/llm-textgen:latest", Build: &compose.Build{Context: "GenAIComps", Dockerfile: "comps/llms/Dockerfile"}},
		{Name: "vllm", Image: "opea/vllm:latest"},
		{Name: "embedding", Image: "opea/embedding:latest", Build: &compose.Build{Dockerfile: "comps/embeddings/Dockerfile"}},
	}}
}

func TestImageRef(t *testing.T) {
	tests := []struct {
		image, service, registry, tag string
		want                          string
	}{
		{image: "opea/llm:latest", want: "opea/llm:latest"},
		{image: "opea/llm:latest", tag: "ci", want: "opea/llm:ci"},
		{image: "opea/llm", registry: "123.dkr.ecr.us-west-2.amazonaws.com/", want: "123.dkr.ecr.us-west-2.amazonaws.com/llm:latest"},
		{image: "localhost:5000/opea/llm", tag: "v1", want: "localhost:5000/opea/llm:v1"},
		{service: "guardrails", registry: "opea", tag: "1.2", want: "opea/guardrails:1.2"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ImageRef(tt.image, tt.service, tt.registry, tt.tag))
		})
	}
}

func TestBuildArgs(t *testing.T) {
	lookup := func(key string) (string, bool) {
		switch key {
		case "http_proxy":
			return "http://proxy:912", true
		case "no_proxy":
			return "", true
		}
		return "", false
	}

	args := BuildArgs(map[string]string{"PYTHON": "3.11", "http_proxy": "stale"}, map[string]string{"PYTHON": "3.12"}, lookup)
	require.Len(t, args, 2)
	assert.Equal(t, "3.12", *args["PYTHON"])
	assert.Equal(t, "http://proxy:912", *args["http_proxy"])
	assert.NotContains(t, args, "no_proxy")
}

func TestBuilder_Build(t *testing.T) {
	ctx := context.Background()

	t.Run("build and push", func(t *testing.T) {
		docker := newFakeDocker()
		results, err := NewBuilder(docker).Build(ctx, testManifest(), Options{
			Registry: "123.dkr.ecr.us-west-2.amazonaws.com",
			Tag:      "ci",
			Push:     true,
			Auth:     staticAuth{},
			Lookup:   func(string) (string, bool) { return "", false },
		})
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.Equal(t, "llm-textgen", results[0].Service)
		assert.Equal(t, "123.dkr.ecr.us-west-2.amazonaws.com/llm-textgen:ci", results[0].Image)
		assert.Equal(t, "sha256:abc", results[0].Digest)
		assert.True(t, results[0].Pushed)
		assert.Equal(t, "embedding", results[1].Service)

		assert.Len(t, docker.built, 2)
		require.Contains(t, docker.pushed, "123.dkr.ecr.us-west-2.amazonaws.com/embedding:ci")
		assert.Equal(t, "AWS", docker.pushed["123.dkr.ecr.us-west-2.amazonaws.com/embedding:ci"].Username)
	})

	t.Run("failure reported per image", func(t *testing.T) {
		docker := newFakeDocker()
		docker.fail = "embedding"

		results, err := NewBuilder(docker).Build(ctx, testManifest(), Options{Concurrency: 1})
		assert.ErrorIs(t, err, errors.ErrImageBuild)
		require.Len(t, results, 2)
		assert.NoError(t, results[0].Err)
		assert.Error(t, results[1].Err)
		assert.Empty(t, docker.pushed)
	})
}
