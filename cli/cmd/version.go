package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/types"
)

// VersionCommand returns the version command.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(*cli.Context) error {
			fmt.Printf("sluice %s (commit: %s)\n", types.Version, commit)
			return nil
		},
	}
}
