package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/urfave/cli/v3"

	"github.com/loomworks/loom/internal/events"
)

// NewWatchCommand returns the watch subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream engine events from a running gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Gateway address",
				Value: "127.0.0.1:18720",
			},
			&cli.StringFlag{
				Name:  "task-run",
				Usage: "Only show events for this task run",
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	url := "ws://" + cmd.String("addr") + "/api/events/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	filter := cmd.String("task-run")
	fmt.Printf("watching %s\n", url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}

		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if filter != "" && ev.TaskRunID != filter {
			continue
		}

		line := fmt.Sprintf("%s  %-16s %-10s %s",
			ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.Source, ev.TaskRunID)
		if len(ev.Payload) > 0 {
			payload, _ := json.Marshal(ev.Payload)
			line += "  " + string(payload)
		}
		fmt.Println(line)
	}
}
