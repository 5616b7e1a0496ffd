package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/guardrails"
	"github.com/savaki/opea-comps/internal/megaservice"
	"github.com/savaki/opea-comps/internal/microservice"
	"github.com/urfave/cli/v2"
)

// ServeCommand returns the serve command running the guardrail and megaservice servers
func ServeCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a GenAI microservice",
		Subcommands: []*cli.Command{
			{
				Name:  "guardrail",
				Usage: "Serve the LlamaGuard guardrail at /v1/guardrails",
				Description: `Screen text through a LlamaGuard model served behind an OpenAI compatible API.

Examples:
  compsctl serve guardrail --endpoint http://localhost:8088 --port 9090`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "endpoint",
						Usage:   "LlamaGuard endpoint",
						Value:   "http://localhost:8080",
						EnvVars: []string{"SAFETY_GUARD_ENDPOINT"},
					},
					&cli.StringFlag{
						Name:    "model",
						Usage:   "Model id (default: discovered from the endpoint)",
						EnvVars: []string{"SAFETY_GUARD_MODEL_ID"},
					},
					&cli.IntFlag{
						Name:    "port",
						Usage:   "Listen port",
						Value:   9090,
						EnvVars: []string{"GUARDRAIL_PORT"},
					},
				},
				Action: func(c *cli.Context) error {
					return serveGuardrail(c, logger)
				},
			},
			{
				Name:  "megaservice",
				Usage: "Serve a megaservice pipeline at /v1/<name>",
				Description: `Schedule requests through the microservice graph of a pipeline file.

Examples:
  compsctl serve megaservice --pipeline chatqna.yaml --port 8888`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "pipeline",
						Usage:    "Pipeline YAML file",
						Required: true,
						EnvVars:  []string{"MEGASERVICE_PIPELINE"},
					},
					&cli.StringFlag{
						Name:    "name",
						Usage:   "Route name (default: the pipeline name)",
						EnvVars: []string{"MEGASERVICE_NAME"},
					},
					&cli.IntFlag{
						Name:    "port",
						Usage:   "Listen port (default: the pipeline port, else 8888)",
						EnvVars: []string{"MEGASERVICE_PORT"},
					},
				},
				Action: func(c *cli.Context) error {
					return serveMegaservice(c, logger)
				},
			},
		},
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveGuardrail(c *cli.Context, logger *zerolog.Logger) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	guard := guardrails.New(ctx, c.String("endpoint"), c.String("model"))
	if !guard.CheckHealth(ctx) {
		logger.Warn().Str("endpoint", c.String("endpoint")).Msg("Guard model is not answering yet")
	}
	logger.Info().Str("model", guard.Model()).Msg("Guardrail ready")

	server := microservice.New("opea_service@guardrails", *logger)
	server.RegisterGuardrail(guard)
	return server.ListenAndServe(ctx, fmt.Sprintf(":%d", c.Int("port")))
}

func serveMegaservice(c *cli.Context, logger *zerolog.Logger) error {
	ctx, cancel := signalContext(c.Context)
	defer cancel()

	orchestrator, file, err := megaservice.LoadPipelineFile(ctx, c.String("pipeline"))
	if err != nil {
		return err
	}

	name := c.String("name")
	if name == "" {
		name = file.Name
	}
	if name == "" {
		return fmt.Errorf("pipeline has no name, use --name")
	}

	port := c.Int("port")
	if port == 0 {
		port = file.Port
	}
	if port == 0 {
		port = 8888
	}

	server := microservice.New("opea_service@"+name, *logger)
	server.RegisterMegaservice(name, orchestrator)
	return server.ListenAndServe(ctx, fmt.Sprintf(":%d", port))
}
