package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "print-agent",
		Short:         "Silent print agent",
		Long:          "print-agent keeps a channel open to the coordinator, prints the documents it\nreceives on local printers and fires the configured cut and beep signals.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")

	cmd.AddCommand(
		newRunCmd(&configPath),
		newCheckConfigCmd(&configPath),
		newGenCutCmd(),
		newHashPasswordCmd(),
	)
	return cmd
}
