package cliapp

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verboseFlag bool

// NewRootCmd assembles scriptctl's full command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptctl",
		Short:         "Host and drive rvscript-style guest scripts",
		Long:          "scriptctl boots, ticks, and benchmarks scripting-host instances from a TOML configuration.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log at debug level")

	root.AddCommand(newRunCmd())
	root.AddCommand(newTickCmd())
	root.AddCommand(newBenchCmd())
	root.AddCommand(newTopCmd())
	return root
}

// Execute runs scriptctl's root command against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func baseLogger() *log.Entry {
	l := log.New()
	l.SetLevel(log.InfoLevel)
	if verboseFlag {
		l.SetLevel(log.DebugLevel)
	}
	return log.NewEntry(l)
}

