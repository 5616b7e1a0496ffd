package main

import (
	"context"
	"os"

	"github.com/savaki/opea-comps/cmd/compsctl/commands"
	"github.com/savaki/opea-comps/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "compsctl",
		Usage: "CI tooling and microservice runtime for GenAI components",
		Description: `compsctl drives the CI pipeline of the GenAI components repository.

This tool provides commands for:
  - Computing the CI matrix from chart value files and pull request changes
  - Building and pushing component images from compose build manifests
  - Running helm and compose e2e tests on ephemeral namespaces and projects
  - Smoke testing deployed endpoints
  - Serving the guardrail and megaservice microservices`,
		Commands: []*cli.Command{
			commands.MatrixCommand(&logger),
			commands.ChangedServicesCommand(&logger),
			commands.ComposeTestsCommand(&logger),
			commands.BuildCommand(&logger),
			commands.HelmE2ECommand(&logger),
			commands.ComposeE2ECommand(&logger),
			commands.SmokeCommand(&logger),
			commands.RunsCommand(&logger),
			commands.ServeCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
