package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/versionstore"
)

// parseBehaviors parses key=behavior pairs.
func parseBehaviors(pairs []string) (map[index.StoreKey]versionstore.MergeBehavior, error) {
	out := make(map[index.StoreKey]versionstore.MergeBehavior, len(pairs))
	for _, pair := range pairs {
		k, b, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("behavior %q: want key=behavior", pair)
		}
		key, err := index.ParseKey(k)
		if err != nil {
			return nil, err
		}
		behavior, err := versionstore.ParseMergeBehavior(b)
		if err != nil {
			return nil, err
		}
		out[key] = behavior
	}
	return out, nil
}

type mergeFlags struct {
	dryRun          bool
	behaviors       []string
	defaultBehavior string
}

func (f *mergeFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "report the outcome without writing")
	cmd.Flags().StringArrayVar(&f.behaviors, "behavior", nil, "per-key behavior as key=normal|force|drop (repeatable)")
	cmd.Flags().StringVar(&f.defaultBehavior, "default", "normal", "behavior for keys without --behavior")
}

func (f *mergeFlags) parse() (map[index.StoreKey]versionstore.MergeBehavior, versionstore.MergeBehavior, error) {
	behaviors, err := parseBehaviors(f.behaviors)
	if err != nil {
		return nil, 0, err
	}
	def, err := versionstore.ParseMergeBehavior(f.defaultBehavior)
	if err != nil {
		return nil, 0, err
	}
	return behaviors, def, nil
}

func printMergeResult(out io.Writer, res *versionstore.MergeResult) {
	for _, k := range res.Keys {
		fmt.Fprintf(out, "%-8s %s\n", strings.ToLower(k.Outcome.String()), k.Key)
	}
	switch {
	case res.DryRun:
		fmt.Fprintf(out, "dry run: %s unchanged at %s\n", res.TargetBranch, shortOrEmpty(res.TargetHash))
	case res.WasApplied:
		fmt.Fprintf(out, "%s: %s -> %s\n", res.TargetBranch, shortOrEmpty(res.TargetHash), res.ResultantHash.Short())
	default:
		fmt.Fprintf(out, "%s already up to date\n", res.TargetBranch)
	}
}

// reportConflicts prints the conflicting keys of a failed merge.
func reportConflicts(out io.Writer, err error) error {
	var merr *versionstore.MergeConflictError
	if errors.As(err, &merr) {
		for _, k := range merr.Result.Conflicts() {
			fmt.Fprintf(out, "CONFLICT %s\n", k.Key)
		}
	}
	return err
}

func newMergeCmd(g *globalFlags) *cobra.Command {
	var f mergeFlags
	var message string
	cmd := &cobra.Command{
		Use:   "merge <from> <into>",
		Short: "Merge a reference into a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			behaviors, def, err := f.parse()
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *versionstore.Store) error {
				from, err := s.ResolveRef(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				res, err := s.Merge(cmd.Context(), versionstore.MergeOp{
					FromHash:        from,
					ToBranch:        args[1],
					KeyBehaviors:    behaviors,
					DefaultBehavior: def,
					DryRun:          f.dryRun,
					Message:         message,
				})
				if err != nil {
					return reportConflicts(cmd.OutOrStdout(), err)
				}
				printMergeResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&message, "message", "m", "", "merge commit message")
	return cmd
}

func newTransplantCmd(g *globalFlags) *cobra.Command {
	var f mergeFlags
	cmd := &cobra.Command{
		Use:   "transplant <into> <commit>...",
		Short: "Replay commits onto a branch",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			behaviors, def, err := f.parse()
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *versionstore.Store) error {
				seq := make([]object.ObjID, 0, len(args)-1)
				for _, a := range args[1:] {
					id, err := s.ResolveRef(cmd.Context(), a)
					if err != nil {
						return err
					}
					seq = append(seq, id)
				}
				res, err := s.Transplant(cmd.Context(), versionstore.TransplantOp{
					Sequence:        seq,
					ToBranch:        args[0],
					KeyBehaviors:    behaviors,
					DefaultBehavior: def,
					DryRun:          f.dryRun,
				})
				if err != nil {
					return reportConflicts(cmd.OutOrStdout(), err)
				}
				printMergeResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}
