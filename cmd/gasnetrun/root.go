package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set by -ldflags at build time; "dev" otherwise.
var Version = "dev"

var (
	logLevelFlag string
	configDir    string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gasnetrun",
		Short:         "Launch and drive a GASNet-ibv job",
		Long:          "gasnetrun — spawns the ranks of a GASNet-ibv job and drives its collective bring-up.",
		Version:       fmt.Sprintf("gasnetrun v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevelFlag)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevelFlag, err)
			}
			log.SetLevel(lvl)
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			setConfigDir(configDir)
			return nil
		},
	}

	pflags := root.PersistentFlags()
	pflags.StringVar(&logLevelFlag, "log-level", "info", "log level: trace, debug, info, warn, error")
	pflags.StringVar(&configDir, "config-dir", "", "override config directory (default: ~/.gasnetrun)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newConfigCmd())
	return root
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the resolved launcher configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", *cfg)
			return nil
		},
	}
	return cmd
}

func execute() error {
	return newRootCmd().Execute()
}
