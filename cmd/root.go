// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ridgelinedb/ridgeline/internal/build"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with RIDGELINE, or config.yaml (in that
// order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("RIDGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/ridgeline", "$HOME/.ridgeline", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:     "ridgeline",
		Short:   "A collection metadata service with snapshot index enumeration",
		Version: build.Version,
	}
}
