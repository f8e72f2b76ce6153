package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/content"
	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/versionstore"
)

func newPutCmd(g *globalFlags) *cobra.Command {
	var typeName, data, file, message, author string
	cmd := &cobra.Command{
		Use:   "put <branch> <key>",
		Short: "Store a content value under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := index.ParseKey(args[1])
			if err != nil {
				return err
			}
			typ, err := content.ForName(typeName)
			if err != nil {
				return err
			}
			if (data == "") == (file == "") {
				return fmt.Errorf("put: exactly one of --data and --file is required")
			}
			payload := []byte(data)
			if file != "" {
				if payload, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("put: %w", err)
				}
			}
			if message == "" {
				message = "Put " + key.String()
			}
			return g.withStore(cmd, func(s *versionstore.Store) error {
				res, err := s.Commit(cmd.Context(), args[0], nil,
					versionstore.CommitMeta{Message: message, Author: author},
					versionstore.Put{Key: key, Type: typ, Data: payload})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s %s] %s\n", args[0], res.Hash.Short(), message)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typeName, "type", content.IcebergTable.Name, "content type")
	cmd.Flags().StringVar(&data, "data", "", "value data")
	cmd.Flags().StringVar(&file, "file", "", "read value data from a file")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&author, "author", "", "commit author")
	return cmd
}

func newRmCmd(g *globalFlags) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "rm <branch> <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := index.ParseKey(args[1])
			if err != nil {
				return err
			}
			if message == "" {
				message = "Delete " + key.String()
			}
			return g.withStore(cmd, func(s *versionstore.Store) error {
				res, err := s.Commit(cmd.Context(), args[0], nil, versionstore.CommitMeta{Message: message},
					versionstore.Delete{Key: key})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s %s] %s\n", args[0], res.Hash.Short(), message)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}

func newGetCmd(g *globalFlags) *cobra.Command {
	var showMeta bool
	cmd := &cobra.Command{
		Use:   "get <ref> <key>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := index.ParseKey(args[1])
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *versionstore.Store) error {
				hash, err := s.ResolveRef(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				v, err := s.GetValue(cmd.Context(), hash, key)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if showMeta {
					fmt.Fprintf(out, "type: %s\ncontent-id: %s\nvalue: %s\n\n", v.Type, v.ContentID, v.ValueID)
				}
				_, err = out.Write(v.Data)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&showMeta, "meta", false, "print type and ids before the data")
	return cmd
}

func newKeysCmd(g *globalFlags) *cobra.Command {
	var namespace string
	var commits bool
	cmd := &cobra.Command{
		Use:   "keys <ref>",
		Short: "List the keys visible at a reference",
		Args:  cobra.ExactArgs(1),
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
				hash, err := s.ResolveRef(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				it, err := s.GetKeys(cmd.Context(), hash, versionstore.KeysQuery{Namespace: ns, ResolveCommits: commits})
				if err != nil {
					return err
				}
				for it.Next() {
					e := it.Entry()
					if commits {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %-16s %s\n", shortOrEmpty(e.Commit), e.Type, e.Key)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", e.Type, e.Key)
				}
				return it.Err()
			})
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "only list keys at or below this namespace")
	cmd.Flags().BoolVar(&commits, "commits", false, "show the commit that set each value")
	return cmd
}

// importRecord is one line of an import file.
type importRecord struct {
	Key       string          `json:"key"`
	Type      string          `json:"type,omitempty"`
	ContentID string          `json:"content_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Delete    bool            `json:"delete,omitempty"`
}

// readImport parses newline-delimited JSON records into operations. A
// string data field is stored as its text, any other JSON value as is.
func readImport(r io.Reader) ([]versionstore.Operation, error) {
	var ops []versionstore.Operation
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec importRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("import line %d: %w", line, err)
		}
		key, err := index.ParseKey(rec.Key)
		if err != nil {
			return nil, fmt.Errorf("import line %d: %w", line, err)
		}
		if rec.Delete {
			ops = append(ops, versionstore.Delete{Key: key})
			continue
		}
		typ := content.IcebergTable
		if rec.Type != "" {
			if typ, err = content.ForName(rec.Type); err != nil {
				return nil, fmt.Errorf("import line %d: %w", line, err)
			}
		}
		data := []byte(rec.Data)
		var text string
		if json.Unmarshal(rec.Data, &text) == nil {
			data = []byte(text)
		}
		ops = append(ops, versionstore.Put{Key: key, Type: typ, Data: data, ContentID: rec.ContentID})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	return ops, nil
}

func newImportCmd(g *globalFlags) *cobra.Command {
	var message, author string
	cmd := &cobra.Command{
		Use:   "import <branch> <file|->",
		Short: "Bulk-load keys from newline-delimited JSON in one commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("import: %w", err)
				}
				defer f.Close()
				in = f
			}
			ops, err := readImport(in)
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				return fmt.Errorf("import: %s has no records", args[1])
			}
			if message == "" {
				message = fmt.Sprintf("Import %d keys", len(ops))
			}
			return g.withStore(cmd, func(s *versionstore.Store) error {
				res, err := s.Import(cmd.Context(), args[0], nil,
					versionstore.CommitMeta{Message: message, Author: author}, ops...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s %s] %s\n", args[0], res.Hash.Short(), message)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&author, "author", "", "commit author")
	return cmd
}
