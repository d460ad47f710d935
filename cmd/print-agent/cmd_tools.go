package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/recky/print-agent/internal/api/middleware"
	"github.com/recky/print-agent/internal/config"
	"github.com/recky/print-agent/internal/escpos"
)

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok\n")
			fmt.Fprintf(out, "  server:    %s\n", cfg.Server.URL)
			fmt.Fprintf(out, "  agent:     %s (auth mode %s, key %s)\n", cfg.Server.AgentName, cfg.Server.AuthMode, cfg.Redacted())
			fmt.Fprintf(out, "  temp dir:  %s\n", cfg.Printing.TempDir)
			if cfg.Control.Enabled {
				fmt.Fprintf(out, "  control:   %s\n", cfg.Control.Listen)
			}
			if cfg.Journal.Path != "" {
				fmt.Fprintf(out, "  journal:   %s\n", cfg.Journal.Path)
			}
			return nil
		},
	}
}

func newGenCutCmd() *cobra.Command {
	var feedLines int

	cmd := &cobra.Command{
		Use:   "gen-cut <dir>",
		Short: "Write cut.bin and cut-partial.bin ESC/POS files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := escpos.WriteCutFiles(args[0], feedLines)
			if err != nil {
				return fmt.Errorf("gen-cut: %w", err)
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&feedLines, "feed", 3, "lines to feed before cutting")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for control.password_hash",
		Long:  "Hash the given password, or the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("hash-password: read stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("hash-password: password must not be empty")
			}
			hash, err := middleware.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
