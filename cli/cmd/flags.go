// Package cmd provides CLI commands for the sluice binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags across commands.
var (
	// ConfigFlag selects the config file path.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to sluice.yaml config file",
	}

	// FlowFlag selects the flow description file.
	FlowFlag = &cli.StringFlag{
		Name:     "flow",
		Aliases:  []string{"f"},
		Usage:    "Path to the flow description (YAML or JSON)",
		Required: true,
	}
)
