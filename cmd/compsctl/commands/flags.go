// Package commands holds the compsctl subcommands.
package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/savaki/opea-comps/internal/di"
	"github.com/savaki/opea-comps/internal/services"
	"github.com/urfave/cli/v2"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "env",
		Aliases: []string{"e"},
		Usage:   "Environment (dev, stg, or prd) - selects SSM parameters and DynamoDB tables",
		Value:   "dev",
		EnvVars: []string{"ENV"},
	}
}

func localFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "local",
		Usage:   "Read configuration from environment variables instead of SSM Parameter Store",
		EnvVars: []string{"LOCAL"},
	}
}

func artifactDirFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "artifact-dir",
		Usage:   "Archive logs and manifests to this directory instead of S3",
		EnvVars: []string{"ARTIFACT_DIR"},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Output as JSON",
	}
}

// changedFilesFlags select the files a pull request changed, given directly or read
// from the GitHub API
func changedFilesFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "changed-files",
			Usage:   "Comma or whitespace separated list of changed files",
			EnvVars: []string{"CHANGED_FILES"},
		},
		&cli.IntFlag{
			Name:    "pr",
			Usage:   "Pull request number to read changed files from",
			EnvVars: []string{"PR_NUMBER"},
		},
		&cli.StringFlag{
			Name:    "repository",
			Usage:   "GitHub repository (owner/repo) of the pull request",
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
	}
}

func githubOutputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "github-output",
		Usage:   "Append name=value outputs to this file",
		EnvVars: []string{"GITHUB_OUTPUT"},
	}
}

// newContainer builds the dependency container from the common flags
func newContainer(c *cli.Context, providers ...any) (di.Container, error) {
	return di.New(c.String("env"),
		di.WithLocal(c.Bool("local")),
		di.WithArtifactDir(c.String("artifact-dir")),
		di.WithProviders(providers...),
	)
}

func newGitHubService(c *cli.Context) *services.GitHubService {
	gh := services.NewGitHubService(c.String("github-token"))
	if api := c.String("github-api"); api != "" {
		gh.WithBaseURL(api)
	}
	return gh
}

// changedFiles merges --changed-files with the files of --pr
func changedFiles(c *cli.Context) ([]string, error) {
	files := services.SplitList(c.String("changed-files"))

	pr := c.Int("pr")
	if pr <= 0 {
		return files, nil
	}

	owner, repo, err := services.SplitRepository(c.String("repository"))
	if err != nil {
		return nil, err
	}
	fetched, err := newGitHubService(c).ChangedFiles(c.Context, owner, repo, pr)
	if err != nil {
		return nil, err
	}
	return append(files, fetched...), nil
}

func hasChanges(c *cli.Context) bool {
	return c.String("changed-files") != "" || c.Int("pr") > 0
}

// writeJSON prints v to stdout and, when --github-output is set, appends name=<json> to it
func writeJSON(c *cli.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	fmt.Println(string(data))

	path := c.String("github-output")
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open github output: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s=%s\n", name, data); err != nil {
		return fmt.Errorf("failed to write github output: %w", err)
	}
	return nil
}

func displayJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
