package megaservice

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// PipelineFile describes a megaservice as a list of services and the edges between them
type PipelineFile struct {
	Name     string         `yaml:"name"`
	Port     int            `yaml:"port"`
	Services []ServiceEntry `yaml:"services"`
	Edges    []Edge         `yaml:"edges"`
}

type ServiceEntry struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Endpoint string `yaml:"endpoint"`
	Type     string `yaml:"type"`
	// APIKeyEnv names the environment variable holding the bearer token
	APIKeyEnv string `yaml:"api_key_env"`
}

type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadPipeline builds an orchestrator from a pipeline file. Unlike FlowTo, invalid edges
// are errors.
func LoadPipeline(ctx context.Context, r io.Reader, opts ...Option) (*Orchestrator, *PipelineFile, error) {
	var file PipelineFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, nil, fmt.Errorf("failed to decode pipeline: %w", err)
	}

	o := New(opts...)
	for _, entry := range file.Services {
		if entry.Name == "" {
			return nil, nil, fmt.Errorf("pipeline service without name")
		}
		serviceType, err := ParseServiceType(entry.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("service %s: %w", entry.Name, err)
		}

		svc := MicroService{
			Name:     entry.Name,
			Host:     os.ExpandEnv(entry.Host),
			Port:     entry.Port,
			Endpoint: entry.Endpoint,
			Type:     serviceType,
		}
		if entry.APIKeyEnv != "" {
			svc.APIKey = os.Getenv(entry.APIKeyEnv)
		}
		if err := o.Add(svc); err != nil {
			return nil, nil, err
		}
	}

	for _, edge := range file.Edges {
		if err := o.graph.AddEdge(edge.From, edge.To); err != nil {
			return nil, nil, fmt.Errorf("edge %s -> %s: %w", edge.From, edge.To, err)
		}
	}

	if len(o.graph.Nodes()) == 0 {
		return nil, nil, fmt.Errorf("pipeline %q has no services", file.Name)
	}

	zerolog.Ctx(ctx).Info().
		Str("pipeline", file.Name).
		Strs("nodes", o.graph.Nodes()).
		Int("edges", len(file.Edges)).
		Msg("Loaded pipeline")
	return o, &file, nil
}

func LoadPipelineFile(ctx context.Context, path string, opts ...Option) (*Orchestrator, *PipelineFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pipeline: %w", err)
	}
	defer f.Close()
	return LoadPipeline(ctx, f, opts...)
}
