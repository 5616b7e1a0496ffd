package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/dao/rundao"
	"github.com/savaki/opea-comps/internal/di"
	"github.com/urfave/cli/v2"
)

// RunsCommand returns the runs command for inspecting recorded e2e runs
func RunsCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:    "runs",
		Aliases: []string{"r"},
		Usage:   "Inspect recorded helm e2e runs",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"l"},
				Usage:   "List runs",
				Description: `List the runs of a service on a hardware profile, or the latest run of every
service with --latest.

Examples:
  compsctl runs list --env dev --service chatqna --hardware gaudi
  compsctl runs list --env dev --hardware xeon --latest --json`,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "service",
						Aliases: []string{"s"},
						Usage:   "Service the runs were recorded under",
						EnvVars: []string{"SERVICE"},
					},
					&cli.StringFlag{
						Name:     "hardware",
						Usage:    "Hardware profile",
						Required: true,
						EnvVars:  []string{"HARDWARE"},
					},
					&cli.BoolFlag{
						Name:  "latest",
						Usage: "Show the latest run of every service",
					},
					envFlag(),
					localFlag(),
					jsonFlag(),
				},
				Action: listRunsAction,
			},
		},
	}
}

func listRunsAction(c *cli.Context) error {
	logger := zerolog.Ctx(c.Context)

	service := c.String("service")
	hardware := c.String("hardware")
	latest := c.Bool("latest")
	if !latest && service == "" {
		return fmt.Errorf("--service is required unless --latest is set")
	}

	container, err := newContainer(c, di.ProvideRunDAO)
	if err != nil {
		return err
	}
	dao, err := di.Get[*rundao.DAO](container)
	if err != nil {
		return err
	}

	var records []rundao.Record
	if latest {
		records, err = dao.QueryLatest(c.Context, hardware)
	} else {
		records, err = dao.QueryByService(c.Context, service, hardware)
	}
	if err != nil {
		return err
	}

	if c.Bool("json") {
		displayJSON(records)
	} else {
		displayRuns(records)
	}

	logger.Info().
		Str("hardware", hardware).
		Str("service", service).
		Int("count", len(records)).
		Msg("Retrieved runs")
	return nil
}

func displayRuns(records []rundao.Record) {
	if len(records) == 0 {
		fmt.Println("No runs found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tVALUE FILE\tNAMESPACE\tUPDATED\tERROR")
	for _, r := range records {
		errMsg := ""
		if r.ErrorMsg != nil {
			errMsg = *r.ErrorMsg
		}
		updated := time.Unix(r.UpdatedAt, 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.GetID(), r.Status, r.ValueFile, r.Namespace, updated, errMsg)
	}
	w.Flush()
}
