package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the status of a task run",
		ArgsUsage: "<task_run_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Gateway address",
				Value: "127.0.0.1:18720",
			},
		},
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("task_run_id is required")
	}

	client := newAPIClient(cmd.String("addr"))
	var status json.RawMessage
	if err := client.getJSON(ctx, "/api/tasks/status/"+id, &status); err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
