// Package compose reads docker compose build manifests and drives compose stacks for e2e tests.
package compose

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/savaki/opea-comps/internal/errors"
	"gopkg.in/yaml.v3"
)

// Build is the build section of a compose service
type Build struct {
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile"`
	Args       map[string]string `yaml:"args"`
}

// Service is one buildable compose service
type Service struct {
	Name  string `yaml:"-"`
	Image string `yaml:"image"`
	Build *Build `yaml:"build"`
}

// Buildable reports whether the service has a build section
func (s Service) Buildable() bool {
	return s.Build != nil
}

// Manifest holds the services of a compose file in file order
type Manifest struct {
	Services []Service
}

// Names returns the service names in manifest order
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m.Services))
	for _, s := range m.Services {
		names = append(names, s.Name)
	}
	return names
}

// Lookup resolves variables during image expansion
type Lookup func(key string) (string, bool)

// Parse decodes a compose manifest, expanding ${VAR} and ${VAR:-default} in image
// references and build args using lookup. A nil lookup reads the environment.
func Parse(r io.Reader, lookup Lookup) (Manifest, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var doc struct {
		Services yaml.Node `yaml:"services"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("failed to decode compose manifest: %w", err)
	}

	var manifest Manifest
	if doc.Services.Kind == 0 {
		return manifest, nil
	}
	if doc.Services.Kind != yaml.MappingNode {
		return Manifest{}, fmt.Errorf("compose manifest: services must be a mapping")
	}

	// mapping nodes alternate key and value; walking them keeps file order
	for i := 0; i+1 < len(doc.Services.Content); i += 2 {
		name := doc.Services.Content[i].Value
		var svc Service
		if err := doc.Services.Content[i+1].Decode(&svc); err != nil {
			return Manifest{}, fmt.Errorf("compose manifest: service %s: %w", name, err)
		}
		svc.Name = name
		svc.Image = Expand(svc.Image, lookup)
		if svc.Build != nil {
			for k, v := range svc.Build.Args {
				svc.Build.Args[k] = Expand(v, lookup)
			}
		}
		manifest.Services = append(manifest.Services, svc)
	}
	return manifest, nil
}

// ParseFile reads and parses the compose manifest at path
func ParseFile(path string, lookup Lookup) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read compose manifest %s: %w", path, err)
	}
	return Parse(bytes.NewReader(data), lookup)
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:?-([^}]*))?\}`)

// Expand substitutes ${VAR}, ${VAR-default} and ${VAR:-default}.
// With ":-" the default also replaces an empty value.
func Expand(s string, lookup Lookup) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := variablePattern.FindStringSubmatch(match)
		key, op, def := parts[1], parts[2], parts[3]

		value, ok := lookup(key)
		switch {
		case strings.HasPrefix(op, ":-") && value == "":
			return def
		case op != "" && !ok:
			return def
		}
		return value
	})
}

// Select returns the named services in manifest order.
// An empty name list selects every buildable service.
func (m Manifest) Select(names ...string) (Manifest, error) {
	if len(names) == 0 {
		var out Manifest
		for _, s := range m.Services {
			if s.Buildable() {
				out.Services = append(out.Services, s)
			}
		}
		return out, nil
	}

	want := map[string]bool{}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			want[n] = true
		}
	}

	var out Manifest
	for _, s := range m.Services {
		if want[s.Name] {
			out.Services = append(out.Services, s)
			delete(want, s.Name)
		}
	}

	if len(want) > 0 {
		var unknown []string
		for n := range want {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return Manifest{}, fmt.Errorf("%w: %s", errors.ErrUnknownService, strings.Join(unknown, ", "))
	}
	return out, nil
}
