// Package main is the entrypoint of the ridgeline binary.
package main

import (
	"os"

	"github.com/ridgelinedb/ridgeline/cmd"
	"github.com/ridgelinedb/ridgeline/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
