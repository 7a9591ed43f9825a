package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/ridgelinedb/ridgeline/internal/build"
)

// NewVersionCommand returns the command to get the ridgeline version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Return the Ridgeline version",
		Long:  "Return the Ridgeline version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}
}

func version(_ *cobra.Command, _ []string) error {
	log.Printf("Ridgeline Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
