package imagebuild

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/registry"
	"github.com/rs/zerolog"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/opea-comps/internal/compose"
	"github.com/savaki/opea-comps/internal/errors"
)

// proxyArgs are forwarded from the environment into every build
var proxyArgs = []string{"http_proxy", "https_proxy", "no_proxy"}

// AuthProvider supplies registry credentials for pushes
type AuthProvider interface {
	AuthConfig(ctx context.Context) (*registry.AuthConfig, error)
}

type Options struct {
	// Dir is the directory the compose build contexts are relative to
	Dir         string
	Registry    string
	Tag         string
	Push        bool
	Concurrency int
	BuildArgs   map[string]string
	Auth        AuthProvider
	// Lookup resolves proxy variables; nil reads the environment
	Lookup compose.Lookup
}

// Result is the outcome of building one service image
type Result struct {
	Service string `json:"service"`
	Image   string `json:"image"`
	Digest  string `json:"digest,omitempty"`
	Pushed  bool   `json:"pushed"`
	Err     error  `json:"-"`
}

type Builder struct {
	docker Docker
}

func NewBuilder(docker Docker) *Builder {
	return &Builder{docker: docker}
}

// Build builds every buildable service of the manifest concurrently and optionally pushes.
// Results are returned in manifest order; the error wraps ErrImageBuild when any image failed.
func (b *Builder) Build(ctx context.Context, manifest compose.Manifest, opts Options) ([]Result, error) {
	logger := zerolog.Ctx(ctx)

	var services []compose.Service
	for _, svc := range manifest.Services {
		if !svc.Buildable() {
			logger.Debug().Str("service", svc.Name).Msg("Skipping service without build section")
			continue
		}
		services = append(services, svc)
	}

	var auth *registry.AuthConfig
	if opts.Push && opts.Auth != nil {
		a, err := opts.Auth.AuthConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get registry auth: %w", err)
		}
		auth = a
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	callback := func(ctx context.Context, svc compose.Service) (*Result, error) {
		result := b.buildOne(ctx, svc, opts, auth)
		return &result, nil
	}
	results, err := slicex.MapConcurrent(callback).
		Concurrency(concurrency).
		CollectErrors().
		DoValues(ctx, services...)
	if err != nil {
		return nil, fmt.Errorf("failed to build images: %w", err)
	}

	out := make([]Result, 0, len(results))
	var failed []string
	for _, r := range results {
		if r == nil {
			continue
		}
		out = append(out, *r)
		if r.Err != nil {
			failed = append(failed, r.Service)
		}
	}
	if len(failed) > 0 {
		return out, fmt.Errorf("%w: %s", errors.ErrImageBuild, strings.Join(failed, ", "))
	}
	return out, nil
}

func (b *Builder) buildOne(ctx context.Context, svc compose.Service, opts Options, auth *registry.AuthConfig) Result {
	ref := ImageRef(svc.Image, svc.Name, opts.Registry, opts.Tag)
	logger := zerolog.Ctx(ctx).With().Str("service", svc.Name).Str("image", ref).Logger()
	result := Result{Service: svc.Name, Image: ref}

	dir := filepath.Join(opts.Dir, svc.Build.Context)
	args := BuildArgs(svc.Build.Args, opts.BuildArgs, opts.Lookup)
	onOutput := func(line string) {
		logger.Debug().Msg(line)
	}

	logger.Info().Str("dir", dir).Str("dockerfile", svc.Build.Dockerfile).Msg("Building image")
	if err := b.docker.BuildImage(ctx, dir, svc.Build.Dockerfile, ref, args, onOutput); err != nil {
		logger.Error().Err(err).Msg("Image build failed")
		result.Err = err
		return result
	}

	if !opts.Push {
		return result
	}

	digest, err := b.docker.PushImage(ctx, ref, auth, onOutput)
	if err != nil {
		logger.Error().Err(err).Msg("Image push failed")
		result.Err = err
		return result
	}
	result.Digest = digest
	result.Pushed = true
	logger.Info().Str("digest", digest).Msg("Pushed image")
	return result
}

// ImageRef returns the reference to tag a service image with. registry and tag override
// the corresponding parts of image; the repository name is kept. An empty image falls
// back to the service name.
func ImageRef(image, service, registry, tag string) string {
	repo, currentTag := splitTag(image)
	if repo == "" {
		repo = service
	}
	if tag == "" {
		tag = currentTag
	}
	if tag == "" {
		tag = "latest"
	}
	if registry != "" {
		repo = strings.TrimSuffix(registry, "/") + "/" + path.Base(repo)
	}
	return repo + ":" + tag
}

// splitTag separates the tag from an image reference, ignoring registry ports
func splitTag(image string) (string, string) {
	i := strings.LastIndex(image, ":")
	if i < 0 || strings.Contains(image[i:], "/") {
		return image, ""
	}
	return image[:i], image[i+1:]
}

// BuildArgs merges the compose build args with extra and adds the proxy settings
// found through lookup. Later sources win.
func BuildArgs(fromManifest, extra map[string]string, lookup compose.Lookup) map[string]*string {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	merged := map[string]string{}
	for k, v := range fromManifest {
		merged[k] = v
	}
	for _, key := range proxyArgs {
		if v, ok := lookup(key); ok && v != "" {
			merged[key] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make(map[string]*string, len(merged))
	for _, k := range keys {
		v := merged[k]
		args[k] = &v
	}
	return args
}
