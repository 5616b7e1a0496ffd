package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/di"
	"github.com/savaki/opea-comps/internal/matrix"
	"github.com/savaki/opea-comps/internal/models"
	"github.com/savaki/opea-comps/internal/orchestrator"
	"github.com/savaki/opea-comps/internal/services"
	"github.com/savaki/opea-comps/internal/utils"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"
)

// hfTokenKey is the chart value carrying the Hugging Face token
const hfTokenKey = "global.HUGGINGFACEHUB_API_TOKEN"

// HelmE2ECommand returns the command that runs one helm e2e test of a chart value file
func HelmE2ECommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "helm-e2e",
		Usage: "Install, test and uninstall a chart value file on an ephemeral namespace",
		Description: `Run the helm e2e lifecycle of one matrix entry.

The chart is installed into a fresh namespace, its helm test hook is run and the test
logs are searched for the failure marker. The release and namespace are always removed.
With --record the run is stored in DynamoDB and the chart is leased for the duration of
the run, so parallel jobs on the same cluster never collide.

Examples:
  compsctl helm-e2e --chart chatqna --chart-dir helm-charts/chatqna --value-file gaudi-values.yaml

  compsctl helm-e2e --chart chatqna --chart-ref oci://ghcr.io/opea-project/charts/chatqna \
    --version 1.2.0 --value-file values.yaml --image-tag $GITHUB_SHA --record --commit-sha $GITHUB_SHA`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "chart",
				Aliases:  []string{"c"},
				Usage:    "Chart name, used to name the release and lease the chart",
				Required: true,
				EnvVars:  []string{"CHART"},
			},
			&cli.StringFlag{
				Name:    "chart-dir",
				Usage:   "Chart directory; default chart reference and base of --value-file",
				EnvVars: []string{"CHART_DIR"},
			},
			&cli.StringFlag{
				Name:    "chart-ref",
				Usage:   "Chart reference passed to helm install (default: --chart-dir)",
				EnvVars: []string{"CHART_REF"},
			},
			&cli.StringFlag{
				Name:    "version",
				Usage:   "Chart version",
				EnvVars: []string{"CHART_VERSION"},
			},
			&cli.StringFlag{
				Name:     "value-file",
				Aliases:  []string{"f"},
				Usage:    "Value file selecting the hardware profile",
				Required: true,
				EnvVars:  []string{"VALUE_FILE"},
			},
			&cli.StringFlag{
				Name:    "hardware",
				Usage:   "Hardware of the value file (default: derived from its name)",
				EnvVars: []string{"HARDWARE"},
			},
			&cli.StringFlag{
				Name:    "service",
				Aliases: []string{"s"},
				Usage:   "Service the run is recorded under (default: --chart)",
				EnvVars: []string{"SERVICE"},
			},
			&cli.StringSliceFlag{
				Name:  "set",
				Usage: "Chart value KEY=VALUE (repeatable)",
			},
			&cli.StringFlag{
				Name:    "image-tag",
				Usage:   "Image tag to deploy",
				EnvVars: []string{"TAG"},
			},
			&cli.StringFlag{
				Name:    "image-manifest",
				Usage:   "Deploy the chart image recorded by this build run id",
				EnvVars: []string{"IMAGE_MANIFEST_RUN_ID"},
			},
			&cli.StringFlag{
				Name:    "hf-token",
				Usage:   "Hugging Face token (default: read from Secrets Manager)",
				EnvVars: []string{"HF_TOKEN", "HUGGINGFACEHUB_API_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "no-hf-token",
				Usage: "Do not look up a Hugging Face token",
			},
			&cli.DurationFlag{
				Name:    "install-timeout",
				Usage:   "helm install timeout",
				EnvVars: []string{"INSTALL_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "test-timeout",
				Usage:   "helm test timeout",
				EnvVars: []string{"TEST_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "delete-timeout",
				Usage:   "helm uninstall and namespace delete timeout",
				EnvVars: []string{"DELETE_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "record",
				Usage:   "Record the run and lease the chart in DynamoDB",
				EnvVars: []string{"RECORD_RUNS"},
			},
			&cli.StringFlag{
				Name:    "commit-sha",
				Usage:   "Report the result as a commit status on this sha",
				EnvVars: []string{"COMMIT_SHA"},
			},
			&cli.StringFlag{
				Name:    "repository",
				Usage:   "GitHub repository (owner/repo) for commit statuses",
				EnvVars: []string{"GITHUB_REPOSITORY"},
			},
			&cli.StringFlag{
				Name:    "github-token",
				Usage:   "GitHub token",
				EnvVars: []string{"GITHUB_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "github-api",
				Usage:   "GitHub API base URL",
				EnvVars: []string{"GITHUB_API_URL"},
			},
			envFlag(),
			localFlag(),
			artifactDirFlag(),
		},
		Action: helmE2EAction,
	}
}

func helmE2EAction(c *cli.Context) error {
	ctx := c.Context

	input, err := helmInput(c)
	if err != nil {
		return err
	}

	logger := zerolog.Ctx(ctx).With().
		Str("chart", input.Chart).
		Str("value_file", input.ValueFile).
		Str("hardware", input.Hardware).
		Logger()
	ctx = logger.WithContext(ctx)

	var providers []any
	if c.Bool("record") {
		providers = append(providers, di.ProvideRunDAO, di.ProvideLockDAO)
	}
	container, err := newContainer(c, providers...)
	if err != nil {
		return err
	}

	if err := resolveImage(ctx, c, container, &input); err != nil {
		return err
	}
	if err := resolveHFToken(ctx, c, container, &input); err != nil {
		return err
	}

	pipeline, err := di.Get[*orchestrator.Pipeline](container)
	if err != nil {
		return err
	}

	report := commitStatusReporter(c, "helm-e2e/"+input.Chart+"/"+filepath.Base(input.ValueFile))
	report(ctx, services.CommitStatePending, "helm e2e running")

	outcome, err := pipeline.RunHelm(ctx, input)
	if err != nil {
		report(ctx, services.CommitStateFailure, err.Error())
		if outcome.TestLog != "" {
			fmt.Println(outcome.TestLog)
		}
		return err
	}
	report(ctx, services.CommitStateSuccess, "helm e2e passed")

	logger.Info().
		Str("run_id", outcome.RunID.String()).
		Str("release", outcome.Release.Name).
		Str("namespace", outcome.Release.Namespace).
		Str("log_key", outcome.LogKey).
		Msg("Helm e2e passed")
	return nil
}

func helmInput(c *cli.Context) (models.HelmInput, error) {
	set, err := utils.ParseSetValues(c.StringSlice("set"))
	if err != nil {
		return models.HelmInput{}, err
	}

	chartDir := c.String("chart-dir")
	chartRef := c.String("chart-ref")
	if chartRef == "" {
		chartRef = chartDir
	}
	if chartRef == "" {
		return models.HelmInput{}, fmt.Errorf("--chart-dir or --chart-ref is required")
	}

	valueFile := c.String("value-file")
	if chartDir != "" && !filepath.IsAbs(valueFile) && !strings.HasPrefix(valueFile, chartDir) {
		valueFile = filepath.Join(chartDir, valueFile)
	}

	hardware := matrix.Classify(valueFile)
	if h := c.String("hardware"); h != "" {
		if hardware, err = matrix.ParseHardware(h); err != nil {
			return models.HelmInput{}, err
		}
	}

	service := c.String("service")
	if service == "" {
		service = c.String("chart")
	}

	if tag := c.String("image-tag"); tag != "" {
		if _, ok := set["image.tag"]; !ok {
			set["image.tag"] = tag
		}
	}

	return models.HelmInput{
		Service:        service,
		Chart:          c.String("chart"),
		ChartRef:       chartRef,
		Version:        c.String("version"),
		Hardware:       string(hardware),
		ValueFile:      valueFile,
		ImageTag:       c.String("image-tag"),
		Set:            set,
		InstallTimeout: c.Duration("install-timeout"),
		TestTimeout:    c.Duration("test-timeout"),
		DeleteTimeout:  c.Duration("delete-timeout"),
	}, nil
}

// resolveImage points the chart at the image a build run pushed for it
func resolveImage(ctx context.Context, c *cli.Context, container di.Container, input *models.HelmInput) error {
	runID := c.String("image-manifest")
	if runID == "" {
		return nil
	}

	store, err := di.Get[services.ArtifactStore](container)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("--image-manifest requires an artifact store")
	}
	manifest, err := store.GetManifest(ctx, runID)
	if err != nil {
		return err
	}

	for _, image := range manifest.Images {
		if image.Name != input.Chart {
			continue
		}
		repo := image.Name
		if image.Registry != "" {
			repo = image.Registry + "/" + image.Name
		}
		input.Set["image.repository"] = repo
		input.Set["image.tag"] = image.Tag
		input.ImageTag = image.Tag
		zerolog.Ctx(ctx).Info().Str("image", image.Reference()).Msg("Deploying image from manifest")
		return nil
	}
	zerolog.Ctx(ctx).Warn().Str("run_id", runID).Msg("Image manifest has no image for chart")
	return nil
}

// resolveHFToken passes the Hugging Face token to the chart, reading it from Secrets
// Manager when not given
func resolveHFToken(ctx context.Context, c *cli.Context, container di.Container, input *models.HelmInput) error {
	if _, ok := input.Set[hfTokenKey]; ok || c.Bool("no-hf-token") {
		return nil
	}

	token := c.String("hf-token")
	if token == "" {
		config, err := di.Get[*services.Config](container)
		if err != nil {
			return err
		}
		secrets, err := di.Get[*services.SecretsManagerService](container)
		if err != nil {
			return err
		}
		if token, err = secrets.GetHFToken(ctx, config.HFTokenSecretName); err != nil {
			return err
		}
	}
	input.Set[hfTokenKey] = token
	return nil
}

// commitStatusReporter reports commit statuses when --commit-sha is set. Reporting
// failures are logged and never fail the run.
func commitStatusReporter(c *cli.Context, statusContext string) func(context.Context, services.CommitState, string) {
	sha := c.String("commit-sha")
	if sha == "" {
		return func(context.Context, services.CommitState, string) {}
	}

	gh := newGitHubService(c)
	owner, repo, repoErr := services.SplitRepository(c.String("repository"))

	return func(ctx context.Context, state services.CommitState, description string) {
		logger := zerolog.Ctx(ctx)
		if repoErr != nil {
			logger.Warn().Err(repoErr).Msg("Skipping commit status")
			return
		}
		if len(description) > 140 {
			description = description[:140]
		}
		status := services.CommitStatus{
			State:       state,
			Description: description,
			Context:     statusContext,
			TargetURL:   runURL(),
		}
		if err := gh.SetCommitStatus(context.WithoutCancel(ctx), owner, repo, sha, status); err != nil {
			logger.Warn().Err(err).Str("state", string(state)).Msg("Failed to set commit status")
		}
	}
}

// runURL links to the GitHub Actions run when running in one
func runURL() string {
	server, repo, id := os.Getenv("GITHUB_SERVER_URL"), os.Getenv("GITHUB_REPOSITORY"), os.Getenv("GITHUB_RUN_ID")
	if server == "" || repo == "" || id == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/actions/runs/%s", server, repo, id)
}

// ComposeE2ECommand returns the command that runs a compose e2e test
func ComposeE2ECommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "compose-e2e",
		Usage: "Start a compose stack, smoke test it and tear it down",
		Description: `Run a compose e2e test.

The stack is started, the smoke checks are polled until they pass or time out, the
container logs are captured and archived, and the stack is always torn down.

Examples:
  compsctl compose-e2e --file comps/llms/deployment/docker_compose/compose.yaml \
    --service textgen-service-tgi --generate http://localhost:8008 --health http://localhost:9000`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Compose file",
				Required: true,
				EnvVars:  []string{"COMPOSE_FILE"},
			},
			&cli.StringFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Usage:   "Compose project name (default: random)",
				EnvVars: []string{"COMPOSE_PROJECT_NAME"},
			},
			&cli.StringFlag{
				Name:    "service",
				Aliases: []string{"s"},
				Usage:   "Comma separated services to start (default: every service)",
				EnvVars: []string{"SERVICES"},
			},
			&cli.StringSliceFlag{
				Name:  "compose-env",
				Usage: "KEY=VALUE passed to docker compose (repeatable)",
			},
			envFlag(),
			localFlag(),
			artifactDirFlag(),
			jsonFlag(),
		}, checkFlags()...),
		Action: composeE2EAction,
	}
}

func composeE2EAction(c *cli.Context) error {
	checks, err := checksFromFlags(c)
	if err != nil {
		return err
	}

	project := c.String("project")
	if project == "" {
		project = "e2e-" + strings.ToLower(ksuid.New().String())
	}

	container, err := di.New(c.String("env"),
		di.WithLocal(c.Bool("local")),
		di.WithArtifactDir(c.String("artifact-dir")),
		di.WithSmokeTimeout(c.Duration("timeout")),
	)
	if err != nil {
		return err
	}
	pipeline, err := di.Get[*orchestrator.Pipeline](container)
	if err != nil {
		return err
	}

	start := time.Now()
	outcome, err := pipeline.RunCompose(c.Context, models.ComposeInput{
		File:     c.String("file"),
		Project:  project,
		Services: services.SplitList(c.String("service")),
		Env:      c.StringSlice("compose-env"),
		Checks:   checks,
	})
	displayResults(c, outcome.Results)
	if err != nil {
		return err
	}

	zerolog.Ctx(c.Context).Info().
		Str("project", project).
		Str("log_key", outcome.LogKey).
		Dur("elapsed", time.Since(start)).
		Msg("Compose e2e passed")
	return nil
}
