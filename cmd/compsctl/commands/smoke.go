package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/smoke"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// checkFlags describe the smoke checks shared by smoke and compose-e2e
func checkFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "generate",
			Usage:   "Endpoint serving the text-generation /generate API (repeatable)",
			EnvVars: []string{"GENERATE_ENDPOINT"},
		},
		&cli.StringSliceFlag{
			Name:    "chat",
			Usage:   "Endpoint serving /v1/chat/completions (repeatable)",
			EnvVars: []string{"CHAT_ENDPOINT"},
		},
		&cli.StringSliceFlag{
			Name:    "health",
			Usage:   "Microservice endpoint serving /v1/health_check (repeatable)",
			EnvVars: []string{"HEALTH_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "model",
			Usage:   "Model named in chat requests",
			EnvVars: []string{"LLM_MODEL_ID"},
		},
		&cli.StringFlag{
			Name:  "prompt",
			Usage: "Prompt sent to generate and chat endpoints",
			Value: "What is Deep Learning?",
		},
		&cli.IntFlag{
			Name:  "max-tokens",
			Usage: "Tokens requested from generate and chat endpoints",
			Value: 17,
		},
		&cli.BoolFlag{
			Name:  "stream",
			Usage: "Request a streamed chat completion",
		},
		&cli.StringFlag{
			Name:    "checks-file",
			Usage:   "YAML or JSON file holding a list of additional checks",
			EnvVars: []string{"CHECKS_FILE"},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "How long each check is retried",
			Value:   10 * time.Minute,
			EnvVars: []string{"SMOKE_TIMEOUT"},
		},
	}
}

// checksFromFlags builds the checks selected by checkFlags
func checksFromFlags(c *cli.Context) ([]smoke.Check, error) {
	var checks []smoke.Check
	for _, endpoint := range c.StringSlice("health") {
		checks = append(checks, smoke.HealthCheck(endpoint))
	}
	for _, endpoint := range c.StringSlice("generate") {
		checks = append(checks, smoke.GenerateCheck(endpoint, c.String("prompt"), c.Int("max-tokens")))
	}
	for _, endpoint := range c.StringSlice("chat") {
		checks = append(checks, smoke.ChatCheck(endpoint, c.String("model"), c.String("prompt"), c.Int("max-tokens"), c.Bool("stream")))
	}

	if path := c.String("checks-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read checks file: %w", err)
		}
		var extra []smoke.Check
		if err := yaml.Unmarshal(data, &extra); err != nil {
			return nil, fmt.Errorf("failed to parse checks file %s: %w", path, err)
		}
		checks = append(checks, extra...)
	}
	return checks, nil
}

// SmokeCommand returns the command that smoke tests running endpoints
func SmokeCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "smoke",
		Usage: "Smoke test deployed endpoints",
		Description: `Poll each endpoint until it answers with an expected body or the timeout expires.

Examples:
  compsctl smoke --generate http://localhost:8008 --health http://localhost:9000
  compsctl smoke --chat http://localhost:9000 --model Intel/neural-chat-7b-v3-3 --stream`,
		Flags:  append(checkFlags(), jsonFlag()),
		Action: smokeAction,
	}
}

func smokeAction(c *cli.Context) error {
	checks, err := checksFromFlags(c)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		return fmt.Errorf("no checks given, use --generate, --chat, --health or --checks-file")
	}

	runner := smoke.NewRunner(smoke.WithBackoff(2*time.Second, 30*time.Second, c.Duration("timeout")))
	results, err := runner.Run(c.Context, checks...)

	displayResults(c, results)
	return err
}

func displayResults(c *cli.Context, results []smoke.Result) {
	if c.Bool("json") {
		displayJSON(results)
		return
	}
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Printf("%-4s %-10s status=%d attempts=%d\n", status, r.Name, r.Status, r.Attempts)
		if !r.Passed && r.Err != nil {
			fmt.Printf("     %v\n", r.Err)
		}
	}
}
