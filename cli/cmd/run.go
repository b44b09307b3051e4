package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/runtime"
	"github.com/pithecene-io/sluice/types"
)

// RunCommand returns the run command: execute a flow description once,
// posting an entry payload and waiting for quiescence.
//
// Exit codes:
//   - 0: job completed or went idle
//   - 1: job failed
//   - 2: wait timed out
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a flow once and wait for it to finish",
		Flags: []cli.Flag{
			FlowFlag,
			&cli.StringFlag{
				Name:     "routine",
				Usage:    "Entry routine id",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "slot",
				Usage: "Entry slot name (default: the routine's first slot)",
			},
			&cli.StringFlag{
				Name:  "params",
				Usage: "Entry payload as a JSON object",
				Value: "{}",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for quiescence",
				Value: 30 * time.Second,
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	def, err := loadDefinition(c.String("flow"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("parse: %v", err), 1)
	}
	f, err := def.Build()
	if err != nil {
		return cli.Exit(fmt.Sprintf("build: %v", err), 1)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(c.String("params")), &params); err != nil {
		return cli.Exit(fmt.Sprintf("invalid --params: %v", err), 1)
	}

	rt := runtime.New(runtime.Config{
		Logger: log.NewLogger(log.Context{FlowID: f.ID()}),
	})
	defer rt.Shutdown(false)

	if err := rt.RegisterFlow(f); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := rt.Exec(f.ID()); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	entrySlot := c.String("slot")
	if entrySlot == "" {
		entry := f.Routine(c.String("routine"))
		if entry == nil {
			return cli.Exit(fmt.Sprintf("unknown routine %q", c.String("routine")), 1)
		}
		names := entry.SlotNames()
		if len(names) == 0 {
			return cli.Exit(fmt.Sprintf("routine %q has no slots", c.String("routine")), 1)
		}
		entrySlot = names[0]
	}

	_, jobID, err := rt.Post(f.ID(), c.String("routine"), entrySlot, params, nil)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if !rt.WaitUntilIdle(c.Duration("wait")) {
		return cli.Exit("timed out waiting for flow to finish", 2)
	}

	jobCtx := rt.Job(jobID)
	status := jobCtx.Status()
	fmt.Printf("job %s: %s\n", jobID, status)
	if status == types.JobStatusFailed {
		msg, routineID := jobCtx.Err()
		if routineID != "" {
			fmt.Printf("  routine %s: %s\n", routineID, msg)
		} else {
			fmt.Printf("  %s\n", msg)
		}
		return cli.Exit("", 1)
	}
	return nil
}
