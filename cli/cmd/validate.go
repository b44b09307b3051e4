package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/dsl"
)

// ValidateCommand returns the validate command: parse a flow
// description, build it, and report validation findings.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:   "validate",
		Usage:  "Validate a flow description",
		Flags:  []cli.Flag{FlowFlag},
		Action: validateAction,
	}
}

// loadDefinition reads and parses a flow description by extension.
func loadDefinition(path string) (*dsl.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".json") {
		return dsl.ParseJSON(data)
	}
	return dsl.ParseYAML(data)
}

func validateAction(c *cli.Context) error {
	def, err := loadDefinition(c.String("flow"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("parse: %v", err), 1)
	}

	f, err := def.Build()
	if err != nil {
		return cli.Exit(fmt.Sprintf("build: %v", err), 1)
	}

	issues := f.Validate()
	for _, issue := range issues {
		fmt.Println(issue)
	}
	if !f.Valid() {
		return cli.Exit("flow is invalid", 1)
	}
	fmt.Printf("flow %q is valid (%d routines, %d connections)\n",
		f.ID(), len(f.RoutineIDs()), len(f.Connections()))
	return nil
}
