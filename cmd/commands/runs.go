package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/loomworks/loom/internal/runs"
)

// NewRunsCommand returns the runs subcommand.
func NewRunsCommand() *cli.Command {
	return &cli.Command{
		Name:      "runs",
		Usage:     "List the stack runs of a task run",
		ArgsUsage: "<task_run_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Gateway address",
				Value: "127.0.0.1:18720",
			},
		},
		Action: runRuns,
	}
}

func runRuns(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("task_run_id is required")
	}

	client := newAPIClient(cmd.String("addr"))
	var list []*runs.StackRun
	if err := client.getJSON(ctx, "/api/tasks/"+id+"/runs", &list); err != nil {
		return fmt.Errorf("fetch runs: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No stack runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSERVICE\tMETHOD\tRETRIES\tWAITING ON")
	for _, sr := range list {
		waiting := sr.WaitingOnStackRunID
		if waiting == "" {
			waiting = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			sr.ID, sr.Status, sr.ServiceName, sr.MethodName, sr.RetryCount, waiting)
	}
	return w.Flush()
}
