// Package commands holds the cobra command tree of the ckcore binary.
package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corekeeper/ckcore/internal/cli"
	"github.com/corekeeper/ckcore/internal/logging"
)

var logLevelFlags []string

var rootCmd = &cobra.Command{
	Use:   "ckcore",
	Short: "ckcore - multi-cloud resource inventory core",
	Long: `ckcore stores cloud resource inventories as graphs, merges collector
snapshots into them and serves a query and command API on top.`,
	Version:       cli.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		[]string{"info"},
		"log level, repeatable; plain level sets the default, name=level overrides one component\n"+
			"examples: --log-level debug, --log-level storage.*=debug --log-level api=warn")
	rootCmd.AddCommand(serverCmd)
}

// setupLog turns the --log-level flags into the logging configuration.
func setupLog(flags []string) error {
	defaultLevel := "info"
	overrides := map[string]string{}
	for _, flag := range flags {
		name, level, found := strings.Cut(flag, "=")
		if !found {
			defaultLevel = flag
			continue
		}
		if name == "" {
			return fmt.Errorf("invalid log level flag %q", flag)
		}
		overrides[name] = level
	}
	return logging.Initialize(defaultLevel, overrides)
}
