package commands

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/savaki/opea-comps/internal/smoke"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// newContext parses args against flags the way a command would
func newContext(t *testing.T, flags []cli.Flag, args ...string) *cli.Context {
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	c := cli.NewContext(cli.NewApp(), set, nil)
	c.Context = context.Background()
	return c
}

func TestRepositoryName(t *testing.T) {
	tests := []struct {
		ref      string
		registry string
		want     string
	}{
		{ref: "123.dkr.ecr.us-east-1.amazonaws.com/llm-textgen:abc", registry: "123.dkr.ecr.us-east-1.amazonaws.com", want: "llm-textgen"},
		{ref: "localhost:5000/opea/guardrails:latest", registry: "localhost:5000/opea/", want: "guardrails"},
		{ref: "opea/guardrails:latest", registry: "", want: "opea/guardrails"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, repositoryName(tt.ref, tt.registry))
		})
	}
}

func TestTagOf(t *testing.T) {
	assert.Equal(t, "v1", tagOf("localhost:5000/opea/llm:v1"))
	assert.Equal(t, "", tagOf("localhost:5000/opea/llm"))
}

func TestHelmInput(t *testing.T) {
	flags := HelmE2ECommand(nil).Flags

	t.Run("derives defaults", func(t *testing.T) {
		c := newContext(t, flags,
			"--chart", "chatqna",
			"--chart-dir", "helm-charts/chatqna",
			"--value-file", "gaudi-values.yaml",
			"--image-tag", "sha1",
			"--set", "global.modelUseHostPath=/mnt",
		)
		input, err := helmInput(c)
		require.NoError(t, err)
		assert.Equal(t, "chatqna", input.Service)
		assert.Equal(t, "helm-charts/chatqna", input.ChartRef)
		assert.Equal(t, filepath.Join("helm-charts/chatqna", "gaudi-values.yaml"), input.ValueFile)
		assert.Equal(t, "gaudi", input.Hardware)
		assert.Equal(t, map[string]string{"global.modelUseHostPath": "/mnt", "image.tag": "sha1"}, input.Set)
	})

	t.Run("requires a chart reference", func(t *testing.T) {
		c := newContext(t, flags, "--chart", "chatqna", "--value-file", "values.yaml")
		_, err := helmInput(c)
		assert.Error(t, err)
	})

	t.Run("rejects unknown hardware", func(t *testing.T) {
		c := newContext(t, flags, "--chart", "x", "--chart-ref", "oci://x", "--value-file", "v.yaml", "--hardware", "tpu")
		_, err := helmInput(c)
		assert.Error(t, err)
	})
}

func TestChecksFromFlags(t *testing.T) {
	checksFile := filepath.Join(t.TempDir(), "checks.json")
	require.NoError(t, os.WriteFile(checksFile, []byte(`[{"name":"custom","url":"http://localhost:9000/v1/x","expect":["ok"]}]`), 0o644))

	c := newContext(t, checkFlags(),
		"--health", "http://localhost:9000",
		"--generate", "http://localhost:8008",
		"--chat", "http://localhost:9009",
		"--checks-file", checksFile,
	)
	checks, err := checksFromFlags(c)
	require.NoError(t, err)

	var names []string
	for _, check := range checks {
		names = append(names, check.Name)
	}
	assert.Equal(t, []string{"health", "generate", "chat", "custom"}, names)
	assert.Equal(t, smoke.HealthCheck("http://localhost:9000"), checks[0])
}

func TestWriteJSON(t *testing.T) {
	output := filepath.Join(t.TempDir(), "output")
	c := newContext(t, []cli.Flag{githubOutputFlag()}, "--github-output", output)

	require.NoError(t, writeJSON(c, "services", []string{"llms", "guardrails"}))
	require.NoError(t, writeJSON(c, "count", 2))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "services=[\"llms\",\"guardrails\"]\ncount=2\n", string(data))
}

func TestMatrixAction_EmptyMatrix(t *testing.T) {
	root := t.TempDir()
	chartDir := filepath.Join(root, "helm-charts", "chatqna")
	require.NoError(t, os.MkdirAll(chartDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(chartDir, "values.yaml"), []byte("image: {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(chartDir, "gaudi-values.yaml"), []byte("image: {}\n"), 0o644))

	output := filepath.Join(t.TempDir(), "output")
	c := newContext(t, MatrixCommand(nil).Flags,
		"--root", root,
		"--chart-dir", "helm-charts/chatqna",
		"--changed-files", "README.md",
		"--github-output", output,
	)
	require.NoError(t, matrixAction(c))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "matrix={\"include\":[]}\n", string(data))
}

func TestComposeTestsAction(t *testing.T) {
	root := t.TempDir()
	testsDir := filepath.Join(root, "tests", "llms")
	require.NoError(t, os.MkdirAll(testsDir, 0o755))
	for _, name := range []string{
		"test_llms_text-generation_service_tgi.sh",
		"test_llms_text-generation_service_tgi_on_intel_hpu.sh",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(testsDir, name), []byte("#!/bin/bash\n"), 0o755))
	}

	t.Run("gaudi scripts are kept", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "output")
		c := newContext(t, ComposeTestsCommand(nil).Flags,
			"--root", root,
			"--service", "llms",
			"--hardware", "gaudi",
			"--github-output", output,
		)
		require.NoError(t, composeTestsAction(c))

		data, err := os.ReadFile(output)
		require.NoError(t, err)
		assert.Equal(t, `matrix={"include":[{"service":"llms","script":"tests/llms/test_llms_text-generation_service_tgi_on_intel_hpu.sh","hardware":"gaudi"}]}`+"\n", string(data))
	})

	t.Run("no scripts found", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "output")
		c := newContext(t, ComposeTestsCommand(nil).Flags,
			"--root", root,
			"--service", "asr",
			"--github-output", output,
		)
		require.NoError(t, composeTestsAction(c))

		data, err := os.ReadFile(output)
		require.NoError(t, err)
		assert.Equal(t, "matrix={\"include\":[]}\n", string(data))
	})
}
