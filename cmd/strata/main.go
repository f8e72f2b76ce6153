package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/config"
	"github.com/odvcencio/strata/pkg/versionstore"
)

const version = "strata 0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags override the config file.
type globalFlags struct {
	configPath string
	backend    string
	path       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "strata",
		Short:         "Versioned storage for data catalogs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultFile, "config file")
	root.PersistentFlags().StringVar(&g.backend, "backend", "", "backend kind (inmemory, badger, sqlite, s3)")
	root.PersistentFlags().StringVar(&g.path, "path", "", "backend database path")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(g))
	root.AddCommand(newBranchCmd(g))
	root.AddCommand(newTagCmd(g))
	root.AddCommand(newRefsCmd(g))
	root.AddCommand(newAssignCmd(g))
	root.AddCommand(newPutCmd(g))
	root.AddCommand(newRmCmd(g))
	root.AddCommand(newGetCmd(g))
	root.AddCommand(newKeysCmd(g))
	root.AddCommand(newImportCmd(g))
	root.AddCommand(newLogCmd(g))
	root.AddCommand(newDiffCmd(g))
	root.AddCommand(newMergeCmd(g))
	root.AddCommand(newTransplantCmd(g))
	root.AddCommand(newConfigCmd(g))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.backend != "" {
		cfg.Backend.Kind = g.backend
	}
	if g.path != "" {
		cfg.Backend.Path = g.path
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, nil
}

// openStore opens the configured backend. The caller must call the
// returned close function.
func (g *globalFlags) openStore(cmd *cobra.Command) (*versionstore.Store, func() error, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	p, closeFn, err := config.OpenBackend(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return versionstore.New(p, versionstore.WithLogger(logger)), closeFn, nil
}

// withStore runs fn against an open store and closes it afterwards.
func (g *globalFlags) withStore(cmd *cobra.Command, fn func(s *versionstore.Store) error) (err error) {
	s, closeFn, err := g.openStore(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
