package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/versionstore"
)

func shortOrEmpty(id object.ObjID) string {
	if id.IsZero() {
		return "(empty)"
	}
	return id.Short()
}

func newBranchCmd(g *globalFlags) *cobra.Command {
	var deleteBranch string
	var from string

	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "List, create, or delete branches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(s *versionstore.Store) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				if deleteBranch != "" {
					ref, err := s.GetReference(ctx, versionstore.Branch, deleteBranch)
					if err != nil {
						return err
					}
					if err := s.DeleteReference(ctx, versionstore.Branch, deleteBranch, ref.Hash); err != nil {
						return err
					}
					fmt.Fprintf(out, "deleted branch '%s'\n", deleteBranch)
					return nil
				}

				if len(args) == 1 {
					if from == "" {
						def, err := s.DefaultBranch(ctx)
						if err != nil {
							return err
						}
						from = def
					}
					target, err := s.ResolveRef(ctx, from)
					if err != nil {
						return fmt.Errorf("cannot resolve %s: %w", from, err)
					}
					if _, err := s.CreateBranch(ctx, args[0], target); err != nil {
						return err
					}
					fmt.Fprintf(out, "created branch '%s' at %s\n", args[0], shortOrEmpty(target))
					return nil
				}

				page, err := s.ListReferences(ctx, versionstore.Branch, "", nil, 0)
				if err != nil {
					return err
				}
				def, _ := s.DefaultBranch(ctx)
				for _, b := range page.References {
					marker := "  "
					if b.Name == def {
						marker = "* "
					}
					fmt.Fprintf(out, "%s%s %s\n", marker, b.Name, shortOrEmpty(b.Hash))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&deleteBranch, "delete", "d", "", "delete the named branch")
	cmd.Flags().StringVar(&from, "from", "", "branch, tag or hash to start the new branch at (default: the default branch)")
	return cmd
}

func newTagCmd(g *globalFlags) *cobra.Command {
	var deleteTag, verifyTag string
	var message, keyPath string
	var sign bool

	cmd := &cobra.Command{
		Use:   "tag [name] [target]",
		Short: "List, create, or delete tags",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(s *versionstore.Store) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				if strings.TrimSpace(deleteTag) != "" {
					if len(args) > 0 {
						return fmt.Errorf("tag --delete does not accept positional args")
					}
					ref, err := s.GetReference(ctx, versionstore.Tag, deleteTag)
					if err != nil {
						return err
					}
					if err := s.DeleteReference(ctx, versionstore.Tag, deleteTag, ref.Hash); err != nil {
						return err
					}
					fmt.Fprintf(out, "deleted tag '%s'\n", deleteTag)
					return nil
				}

				if verifyTag != "" {
					return verifyTagCmd(cmd, s, verifyTag)
				}

				if len(args) == 0 {
					page, err := s.ListReferences(ctx, versionstore.Tag, "", nil, 0)
					if err != nil {
						return err
					}
					for _, t := range page.References {
						fmt.Fprintf(out, "%s %s\n", shortOrEmpty(t.Hash), t.Name)
					}
					return nil
				}

				target := ""
				if len(args) == 2 {
					target = args[1]
				} else {
					def, err := s.DefaultBranch(ctx)
					if err != nil {
						return err
					}
					target = def
				}
				hash, err := s.ResolveRef(ctx, target)
				if err != nil {
					return fmt.Errorf("cannot resolve %s: %w", target, err)
				}
				var annotation *versionstore.TagAnnotation
				if message != "" || sign {
					annotation = &versionstore.TagAnnotation{Message: message}
				}
				if sign {
					signer, _, err := newSSHTagSigner(keyPath)
					if err != nil {
						return err
					}
					sig, err := signer(versionstore.TagPayload(args[0], hash, message))
					if err != nil {
						return fmt.Errorf("sign tag %s: %w", args[0], err)
					}
					annotation.Signature = []byte(sig)
				}
				if _, err := s.CreateTag(ctx, args[0], hash, annotation); err != nil {
					return err
				}
				fmt.Fprintf(out, "created tag '%s' at %s\n", args[0], shortOrEmpty(hash))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&deleteTag, "delete", "d", "", "delete the named tag")
	cmd.Flags().StringVarP(&message, "message", "m", "", "create an annotated tag with this message")
	cmd.Flags().BoolVarP(&sign, "sign", "s", false, "create an annotated tag signed with an SSH key")
	cmd.Flags().StringVar(&keyPath, "key", "", "SSH private key for --sign (default: ~/.ssh/id_ed25519, id_ecdsa or id_rsa)")
	cmd.Flags().StringVar(&verifyTag, "verify", "", "check the signature of the named tag")
	return cmd
}

func verifyTagCmd(cmd *cobra.Command, s *versionstore.Store, name string) error {
	ref, err := s.GetReference(cmd.Context(), versionstore.Tag, name)
	if err != nil {
		return err
	}
	tag, err := s.TagAnnotation(cmd.Context(), ref)
	if err != nil {
		return err
	}
	if tag == nil || len(tag.Signature) == 0 {
		return fmt.Errorf("tag %s is not signed", name)
	}
	message := ""
	if tag.Message != nil {
		message = *tag.Message
	}
	pub, err := verifySSHSignature(string(tag.Signature), versionstore.TagPayload(name, tag.Commit, message))
	if err != nil {
		return fmt.Errorf("tag %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "good signature for tag '%s' from %s key %s\n", name, pub.Type(), ssh.FingerprintSHA256(pub))
	return nil
}

func newRefsCmd(g *globalFlags) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "refs",
		Short: "List branches and tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(s *versionstore.Store) error {
				page, err := s.ListReferences(cmd.Context(), 0, prefix, nil, 0)
				if err != nil {
					return err
				}
				for _, r := range page.References {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %-6s %s\n", shortOrEmpty(r.Hash), strings.ToLower(r.Type.String()), r.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list references whose name starts with this prefix")
	return cmd
}

func newAssignCmd(g *globalFlags) *cobra.Command {
	var tag bool
	cmd := &cobra.Command{
		Use:   "assign <ref> <target>",
		Short: "Point a branch or tag at another commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(s *versionstore.Store) error {
				ctx := cmd.Context()
				t := versionstore.Branch
				if tag {
					t = versionstore.Tag
				}
				current, err := s.GetReference(ctx, t, args[0])
				if err != nil {
					return err
				}
				target, err := s.ResolveRef(ctx, args[1])
				if err != nil {
					return fmt.Errorf("cannot resolve %s: %w", args[1], err)
				}
				if _, err := s.AssignReference(ctx, t, args[0], current.Hash, target); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", args[0], shortOrEmpty(current.Hash), shortOrEmpty(target))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&tag, "tag", false, "assign a tag instead of a branch")
	return cmd
}
