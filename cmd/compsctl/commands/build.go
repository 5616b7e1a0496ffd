package commands

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/compose"
	"github.com/savaki/opea-comps/internal/di"
	"github.com/savaki/opea-comps/internal/imagebuild"
	"github.com/savaki/opea-comps/internal/services"
	"github.com/savaki/opea-comps/internal/utils"
	"github.com/urfave/cli/v2"
)

// BuildCommand returns the command that builds and pushes component images
func BuildCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "build",
		Aliases: []string{"b"},
		Usage:   "Build component images from a compose build manifest",
		Description: `Build the images of a compose build manifest, optionally pushing them.

Build contexts are relative to the directory of --file. Proxy settings are forwarded as
build args. Pushing to an ECR registry creates the repositories on demand.

Examples:
  # Build two services locally
  compsctl build --file .github/workflows/docker/compose/llms-compose.yaml --service llm-textgen,llm-faqgen

  # Build and push everything to the ECR registry of the current account
  compsctl build --file build.yaml --ecr --tag $GITHUB_SHA --push --run-id ci/llms:$GITHUB_RUN_ID`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Compose build manifest",
				Required: true,
				EnvVars:  []string{"BUILD_FILE"},
			},
			&cli.StringFlag{
				Name:    "service",
				Aliases: []string{"s"},
				Usage:   "Comma separated services to build (default: every buildable service)",
				EnvVars: []string{"SERVICES"},
			},
			&cli.StringFlag{
				Name:    "registry",
				Aliases: []string{"r"},
				Usage:   "Registry to tag images for",
				EnvVars: []string{"REGISTRY"},
			},
			&cli.BoolFlag{
				Name:    "ecr",
				Usage:   "Use the ECR registry of the current AWS account when --registry is empty",
				EnvVars: []string{"USE_ECR"},
			},
			&cli.StringFlag{
				Name:    "tag",
				Aliases: []string{"t"},
				Usage:   "Image tag",
				Value:   "latest",
				EnvVars: []string{"TAG"},
			},
			&cli.BoolFlag{
				Name:    "push",
				Usage:   "Push images after building",
				EnvVars: []string{"PUSH"},
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of images built in parallel",
				Value:   4,
				EnvVars: []string{"BUILD_CONCURRENCY"},
			},
			&cli.StringSliceFlag{
				Name:  "build-arg",
				Usage: "Extra build arg KEY=VALUE (repeatable)",
			},
			&cli.StringFlag{
				Name:    "docker-host",
				Usage:   "Docker daemon address",
				EnvVars: []string{"DOCKER_HOST"},
			},
			&cli.StringFlag{
				Name:    "run-id",
				Usage:   "Archive the image manifest under this run id",
				EnvVars: []string{"RUN_ID"},
			},
			envFlag(),
			localFlag(),
			artifactDirFlag(),
			jsonFlag(),
		},
		Action: buildAction,
	}
}

func buildAction(c *cli.Context) error {
	ctx := c.Context
	logger := zerolog.Ctx(ctx)

	file := c.String("file")
	manifest, err := compose.ParseFile(file, os.LookupEnv)
	if err != nil {
		return err
	}
	manifest, err = manifest.Select(services.SplitList(c.String("service"))...)
	if err != nil {
		return err
	}

	buildArgs, err := utils.ParseSetValues(c.StringSlice("build-arg"))
	if err != nil {
		return err
	}

	opts := imagebuild.Options{
		Dir:         filepath.Dir(file),
		Registry:    c.String("registry"),
		Tag:         c.String("tag"),
		Push:        c.Bool("push"),
		Concurrency: c.Int("concurrency"),
		BuildArgs:   buildArgs,
	}

	var container di.Container
	if c.Bool("ecr") || services.IsECRRegistry(opts.Registry) || c.String("run-id") != "" {
		if container, err = newContainer(c); err != nil {
			return err
		}
	}

	if c.Bool("ecr") || services.IsECRRegistry(opts.Registry) {
		ecrService, err := di.Get[*services.ECRService](container)
		if err != nil {
			return err
		}
		if opts.Registry == "" {
			if opts.Registry, err = ecrService.RegistryURI(ctx); err != nil {
				return err
			}
		}
		if opts.Push {
			for _, svc := range manifest.Services {
				name := repositoryName(imagebuild.ImageRef(svc.Image, svc.Name, opts.Registry, opts.Tag), opts.Registry)
				if _, err := ecrService.EnsureRepository(ctx, name); err != nil {
					return fmt.Errorf("failed to ensure repository %s: %w", name, err)
				}
			}
		}
		opts.Auth = ecrService
	}

	docker, err := imagebuild.New(c.String("docker-host"))
	if err != nil {
		return err
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		return err
	}

	logger.Info().
		Strs("services", manifest.Names()).
		Str("registry", opts.Registry).
		Str("tag", opts.Tag).
		Bool("push", opts.Push).
		Msg("Building images")

	results, buildErr := imagebuild.NewBuilder(docker).Build(ctx, manifest, opts)

	if runID := c.String("run-id"); runID != "" && opts.Push {
		if err := archiveManifest(c, container, runID, results); err != nil {
			logger.Warn().Err(err).Msg("Failed to archive image manifest")
		}
	}

	if c.Bool("json") {
		displayJSON(results)
	} else {
		for _, r := range results {
			status := "built"
			switch {
			case r.Err != nil:
				status = "FAILED: " + r.Err.Error()
			case r.Pushed:
				status = "pushed " + r.Digest
			}
			fmt.Printf("%-30s %-60s %s\n", r.Service, r.Image, status)
		}
	}
	return buildErr
}

// repositoryName strips the registry and tag from an image reference
func repositoryName(ref, registry string) string {
	repo := strings.TrimPrefix(ref, strings.TrimSuffix(registry, "/")+"/")
	if i := strings.LastIndex(repo, ":"); i >= 0 && !strings.Contains(repo[i:], "/") {
		repo = repo[:i]
	}
	return repo
}

func archiveManifest(c *cli.Context, container di.Container, runID string, results []imagebuild.Result) error {
	store, err := di.Get[services.ArtifactStore](container)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("no artifact store configured")
	}

	var manifest services.ImageManifest
	for _, r := range results {
		if !r.Pushed {
			continue
		}
		repo := strings.TrimSuffix(r.Image, ":"+tagOf(r.Image))
		record := services.ImageRecord{
			Name:   path.Base(repo),
			Tag:    tagOf(r.Image),
			Digest: r.Digest,
		}
		if strings.Contains(repo, "/") {
			record.Registry = path.Dir(repo)
		}
		manifest.Images = append(manifest.Images, record)
	}

	key, err := store.PutManifest(c.Context, runID, manifest)
	if err != nil {
		return err
	}
	zerolog.Ctx(c.Context).Info().Str("key", key).Int("images", len(manifest.Images)).Msg("Archived image manifest")
	return nil
}

func tagOf(ref string) string {
	if i := strings.LastIndex(ref, ":"); i >= 0 && !strings.Contains(ref[i:], "/") {
		return ref[i+1:]
	}
	return ""
}
