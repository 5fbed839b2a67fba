package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"
)

// NewSubmitCommand returns the submit subcommand.
func NewSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a task for execution",
		ArgsUsage: "<task_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Gateway address",
				Value: "127.0.0.1:18720",
			},
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Task input as JSON",
				Value:   "null",
			},
		},
		Action: runSubmit,
	}
}

func runSubmit(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("task_id is required")
	}

	input := json.RawMessage(cmd.String("input"))
	if !json.Valid(input) {
		return fmt.Errorf("--input must be valid JSON")
	}

	client := newAPIClient(cmd.String("addr"))
	var resp struct {
		TaskRunID string `json:"task_run_id"`
	}
	err := client.postJSON(ctx, "/api/tasks/execute", map[string]any{
		"task_id": taskID,
		"input":   input,
	}, &resp)
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}

	fmt.Println(resp.TaskRunID)
	return nil
}
