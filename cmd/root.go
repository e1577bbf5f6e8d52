// Command basesync is the CLI entry point, rooted the way the teacher's
// depviz binary roots cmd_airtable.go/cmd_db.go: every subcommand
// implements a small interface (SyncCommand here, the teacher's
// DepvizCommand) so flags bind through viper/pflag uniformly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"moul.io/basesync/internal/logging"
)

// SyncCommand is the per-subcommand contract every cmd_*.go file
// implements, the same shape as the teacher's DepvizCommand
// (LoadDefaultOptions/ParseFlags/NewCobraCommand).
type SyncCommand interface {
	LoadDefaultOptions() error
	ParseFlags(flags *pflag.FlagSet)
	NewCobraCommand(commands map[string]SyncCommand) *cobra.Command
}

var rootDebug bool

func newRootCommand() *cobra.Command {
	commands := map[string]SyncCommand{
		"sync":  &syncCommand{},
		"serve": &serveCommand{},
	}

	root := &cobra.Command{
		Use:   "basesync",
		Short: "Two-way sync between an Airtable base and a Google Sheet",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(rootDebug)
			if err != nil {
				return err
			}
			_ = logger
			for name, sub := range commands {
				if err := sub.LoadDefaultOptions(); err != nil {
					return fmt.Errorf("load default options for %s: %w", name, err)
				}
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&rootDebug, "debug", "", false, "enable verbose development logging")
	viper.BindPFlags(root.PersistentFlags())

	for _, sub := range commands {
		root.AddCommand(sub.NewCobraCommand(commands))
	}
	return root
}

func main() {
	viper.SetEnvPrefix("BASESYNC")
	viper.AutomaticEnv()

	if err := newRootCommand().Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
