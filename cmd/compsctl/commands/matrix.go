package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/di"
	"github.com/savaki/opea-comps/internal/matrix"
	"github.com/savaki/opea-comps/internal/policy"
	"github.com/savaki/opea-comps/internal/services"
	"github.com/urfave/cli/v2"
)

// MatrixCommand returns the matrix command that computes the helm e2e fan-out of a chart
func MatrixCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "matrix",
		Aliases: []string{"m"},
		Usage:   "Compute the {value_file, hardware} matrix of a chart",
		Description: `Compute the CI matrix of a chart from its value files.

Without changed files every value file of the chart is selected. With changed files only
the value files they touch are selected, and any other change inside the chart directory
selects every value file.

Examples:
  # Every value file of the chart
  compsctl matrix --chart-dir helm-charts/chatqna

  # Only what pull request 42 changed, restricted to gaudi and filtered by policy
  compsctl matrix --chart-dir helm-charts/chatqna --pr 42 --hardware gaudi --policy --service chatqna`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "chart-dir",
				Aliases:  []string{"c"},
				Usage:    "Chart directory, relative to --root",
				Required: true,
				EnvVars:  []string{"CHART_DIR"},
			},
			&cli.StringFlag{
				Name:    "root",
				Usage:   "Repository root",
				Value:   ".",
				EnvVars: []string{"REPO_ROOT"},
			},
			&cli.StringSliceFlag{
				Name:    "hardware",
				Usage:   "Only keep entries for this hardware (repeatable)",
				EnvVars: []string{"HARDWARE"},
			},
			&cli.StringFlag{
				Name:    "service",
				Aliases: []string{"s"},
				Usage:   "Service the chart deploys, evaluated by the admission policy",
				EnvVars: []string{"SERVICE"},
			},
			&cli.BoolFlag{
				Name:    "policy",
				Usage:   "Filter the matrix through the admission policy",
				EnvVars: []string{"MATRIX_POLICY"},
			},
			envFlag(),
			localFlag(),
			githubOutputFlag(),
		}, changedFilesFlags()...),
		Action: matrixAction,
	}
}

func matrixAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	fsys := os.DirFS(c.String("root"))
	chartDir := strings.TrimSuffix(c.String("chart-dir"), "/")

	var m matrix.Matrix
	if hasChanges(c) {
		changed, err := changedFiles(c)
		if err != nil {
			return err
		}
		all, err := matrix.ValueFiles(fsys, chartDir)
		if err != nil {
			return err
		}
		m = matrix.FromChanges(changed, chartDir, all)
	} else {
		var err error
		if m, err = matrix.FromDir(fsys, chartDir); err != nil {
			return err
		}
	}

	hardware, err := parseHardware(c.StringSlice("hardware"))
	if err != nil {
		return err
	}
	if len(hardware) > 0 {
		m = m.OnHardware(hardware...)
	}

	if c.Bool("policy") {
		if m, err = admit(c, m); err != nil {
			return err
		}
	}

	logger.Info().
		Str("chart_dir", chartDir).
		Int("entries", m.Len()).
		Msg("Computed matrix")

	return writeJSON(c, "matrix", m)
}

func admit(c *cli.Context, m matrix.Matrix) (matrix.Matrix, error) {
	logger := zerolog.Ctx(c.Context)

	container, err := newContainer(c)
	if err != nil {
		return matrix.Matrix{}, err
	}
	config, err := di.Get[*services.Config](container)
	if err != nil {
		return matrix.Matrix{}, err
	}
	validator, err := di.Get[*policy.Validator](container)
	if err != nil {
		return matrix.Matrix{}, err
	}

	data := policy.Data{
		AllowedHardware: config.AllowedHardware,
		Deprecated:      config.DeprecatedServices,
		SkipValueFiles:  config.SkipValueFiles,
	}
	admitted, rejected, err := validator.Admit(c.Context, m, c.String("service"), data)
	if err != nil {
		return matrix.Matrix{}, err
	}
	for entry, violations := range rejected {
		logger.Info().
			Str("value_file", entry.ValueFile).
			Str("hardware", string(entry.Hardware)).
			Strs("violations", violations).
			Msg("Entry rejected by policy")
	}
	return admitted, nil
}

func parseHardware(values []string) ([]matrix.Hardware, error) {
	var hardware []matrix.Hardware
	for _, v := range values {
		for _, item := range services.SplitList(v) {
			h, err := matrix.ParseHardware(item)
			if err != nil {
				return nil, err
			}
			hardware = append(hardware, h)
		}
	}
	return hardware, nil
}

// ChangedServicesCommand returns the command listing the services a pull request touched
func ChangedServicesCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "changed-services",
		Usage: "List the component services touched by changed files",
		Description: `List the services below --root that the changed files touch, as a JSON array.

Examples:
  compsctl changed-services --root comps --changed-files "comps/llms/src/text-generation/Dockerfile"`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Usage:   "Components root directory",
				Value:   "comps",
				EnvVars: []string{"COMPS_ROOT"},
			},
			&cli.StringFlag{
				Name:    "deprecated",
				Usage:   "Comma separated deprecated services to ignore",
				EnvVars: []string{"DEPRECATED_SERVICES"},
			},
			githubOutputFlag(),
		}, changedFilesFlags()...),
		Action: changedServicesAction,
	}
}

func changedServicesAction(c *cli.Context) error {
	changed, err := changedFiles(c)
	if err != nil {
		return err
	}

	svcs := matrix.ChangedServices(changed, c.String("root"), services.SplitList(c.String("deprecated")))
	zerolog.Ctx(c.Context).Info().
		Strs("services", svcs).
		Int("changed_files", len(changed)).
		Msg("Computed changed services")

	return writeJSON(c, "services", svcs)
}

// ComposeTestsCommand returns the command computing the compose e2e test matrix
func ComposeTestsCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "compose-tests",
		Usage: "Compute the compose e2e test matrix",
		Description: `Find the test_<service>_<impl>[_on_<hardware>].sh scripts of the selected services.

Services come from --service, or from the changed files when --service is empty.

Examples:
  compsctl compose-tests --tests-dir tests --service llms,guardrails --hardware xeon`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "tests-dir",
				Usage:   "Directory holding the test scripts",
				Value:   "tests",
				EnvVars: []string{"TESTS_DIR"},
			},
			&cli.StringFlag{
				Name:    "service",
				Aliases: []string{"s"},
				Usage:   "Comma separated services",
				EnvVars: []string{"SERVICES"},
			},
			&cli.StringSliceFlag{
				Name:    "hardware",
				Usage:   "Only keep tests for this hardware (repeatable)",
				EnvVars: []string{"HARDWARE"},
			},
			&cli.StringFlag{
				Name:    "root",
				Usage:   "Repository root",
				Value:   ".",
				EnvVars: []string{"REPO_ROOT"},
			},
			&cli.StringFlag{
				Name:    "comps-root",
				Usage:   "Components root used to map changed files to services",
				Value:   "comps",
				EnvVars: []string{"COMPS_ROOT"},
			},
			&cli.StringFlag{
				Name:    "deprecated",
				Usage:   "Comma separated deprecated services to ignore",
				EnvVars: []string{"DEPRECATED_SERVICES"},
			},
			githubOutputFlag(),
		}, changedFilesFlags()...),
		Action: composeTestsAction,
	}
}

func composeTestsAction(c *cli.Context) error {
	svcs := services.SplitList(c.String("service"))
	if len(svcs) == 0 && hasChanges(c) {
		changed, err := changedFiles(c)
		if err != nil {
			return err
		}
		svcs = matrix.ChangedServices(changed, c.String("comps-root"), services.SplitList(c.String("deprecated")))
		if len(svcs) == 0 {
			return writeJSON(c, "matrix", matrix.ComposeTestMatrix{Include: []matrix.ComposeTest{}})
		}
	}

	hardware, err := parseHardware(c.StringSlice("hardware"))
	if err != nil {
		return err
	}

	tests, err := matrix.ComposeTests(c.Context, os.DirFS(c.String("root")), c.String("tests-dir"), svcs, hardware...)
	if err != nil {
		return err
	}
	if len(tests.Include) == 0 {
		zerolog.Ctx(c.Context).Warn().Strs("services", svcs).Msg("No compose tests found")
	}

	if err := writeJSON(c, "matrix", tests); err != nil {
		return fmt.Errorf("failed to write compose test matrix: %w", err)
	}
	return nil
}
