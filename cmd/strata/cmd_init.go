package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/config"
	"github.com/odvcencio/strata/pkg/logic"
	"github.com/odvcencio/strata/pkg/versionstore"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var defaultBranch string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the repository in the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(s *versionstore.Store) error {
				if err := s.Initialize(cmd.Context(), defaultBranch); err != nil {
					return err
				}
				name, err := s.DefaultBranch(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "initialized repository with default branch %s\n", name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&defaultBranch, "default-branch", logic.DefaultBranch, "name of the default branch")
	return cmd
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(g.configPath); err == nil && !force {
				return fmt.Errorf("config init: %s already exists (use --force)", g.configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config init: %w", err)
			}
			cfg := config.Default()
			if g.backend != "" {
				cfg.Backend.Kind = g.backend
			}
			if g.path != "" {
				cfg.Backend.Path = g.path
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Write(g.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", g.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return cfg.Encode(cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
