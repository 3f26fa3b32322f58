package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/learnsync/core/internal/config"
	"github.com/kimhsiao/learnsync/core/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	manager *config.Manager
	logger  *logging.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for learnsyncd.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "learnsyncd",
		Short: "Offline-first sync daemon for the learning app",
		Long: `learnsyncd keeps a durable local store of learning data, queues user
actions while offline, and synchronizes both directions with the learning
service when connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./learnsync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))

	return cmd
}

// load reads the configuration and installs the global logger.
func (o *RootOptions) load() error {
	m, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	o.manager = m

	logOpts := m.Current().LoggerOptions()
	if o.Verbose {
		logOpts.Level = logging.LevelDebug
	}
	o.logger = logging.NewWithOptions(logOpts)
	logging.SetGlobal(o.logger)
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
