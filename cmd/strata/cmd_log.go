package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/versionstore"
)

func newLogCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log [ref]",
		Short: "Show commit history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(s *versionstore.Store) error {
				ctx := cmd.Context()
				ref := ""
				if len(args) == 1 {
					ref = args[0]
				} else {
					def, err := s.DefaultBranch(ctx)
					if err != nil {
						return err
					}
					ref = def
				}
				start, err := s.ResolveRef(ctx, ref)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				it := s.Log(ctx, start)
				for n := 0; (limit <= 0 || n < limit) && it.Next(); n++ {
					c := it.Commit()
					fmt.Fprintf(out, "commit %s\n", c.ID())
					if len(c.SecondaryParents) > 0 {
						fmt.Fprintf(out, "Merge:  %s", c.DirectParent().Short())
						for _, p := range c.SecondaryParents {
							fmt.Fprintf(out, " %s", p.Short())
						}
						fmt.Fprintln(out)
					}
					if author, ok := c.Headers.Get("author"); ok {
						fmt.Fprintf(out, "Author: %s\n", author)
					}
					fmt.Fprintf(out, "Date:   %s\n\n", time.UnixMicro(c.Created).UTC().Format(time.RFC3339))
					fmt.Fprintf(out, "    %s\n\n", c.Message)
				}
				return it.Err()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "max-count", "n", 0, "limit the number of commits shown")
	return cmd
}

func newDiffCmd(g *globalFlags) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "diff <from> <to>",
		Short: "Show keys that differ between two references",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ns index.StoreKey
			if namespace != "" {
				k, err := index.ParseKey(namespace)
				if err != nil {
					return err
				}
				ns = k
			}
			return g.withStore(cmd, func(s *versionstore.Store) error {
				ctx := cmd.Context()
				from, err := s.ResolveRef(ctx, args[0])
				if err != nil {
					return err
				}
				to, err := s.ResolveRef(ctx, args[1])
				if err != nil {
					return err
				}
				entries, err := s.Diff(ctx, from, to, ns)
				if err != nil {
					return err
				}
				for _, e := range entries {
					sigil := "~"
					switch e.Type {
					case versionstore.Added:
						sigil = "+"
					case versionstore.Removed:
						sigil = "-"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", sigil, e.Key)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "only compare keys at or below this namespace")
	return cmd
}
