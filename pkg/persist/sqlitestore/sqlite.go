// Package sqlitestore is a Persist on SQLite. Reference compare-and-swap is
// a conditional UPDATE or DELETE inside an immediate transaction.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// Options configures Open.
type Options struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

type Persist struct {
	pool *pool
	cfg  persist.Config
}

var _ persist.Persist = (*Persist)(nil)

// Open opens or creates the database file at opts.Path.
func Open(opts Options, cfg persist.Config) (*Persist, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p, err := openPool(opts.Path, opts.PoolSize, logger)
	if err != nil {
		return nil, err
	}
	return &Persist{pool: p, cfg: cfg.WithDefaults()}, nil
}

func (p *Persist) Close() error { return p.pool.close() }

func (p *Persist) Config() persist.Config { return p.cfg }

func mapErr(op string, err error) error {
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked, sqlite.ResultTooBig, sqlite.ResultFull:
		return &persist.BackendLimitExceededError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func selectReference(conn *sqlite.Conn, repo, name string) (*persist.Reference, error) {
	var ref *persist.Reference
	err := sqlitex.Execute(conn,
		"SELECT pointer, deleted FROM refs WHERE repo = ? AND ref_name = ?",
		&sqlitex.ExecOptions{
			Args: []any{repo, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, raw)
				ptr, err := object.ObjIDFromBytes(raw)
				if err != nil {
					return fmt.Errorf("reference %q: %w", name, err)
				}
				ref = &persist.Reference{Name: name, Pointer: ptr, Deleted: stmt.ColumnInt64(1) != 0}
				return nil
			},
		})
	return ref, err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (p *Persist) FetchReference(ctx context.Context, name string) (*persist.Reference, error) {
	refs, err := p.FetchReferences(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	return refs[0], nil
}

func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	conn, err := p.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer p.pool.put(conn)

	out := make([]*persist.Reference, len(names))
	for i, name := range names {
		ref, err := selectReference(conn, p.cfg.RepositoryID, name)
		if err != nil {
			return nil, mapErr("fetch references", err)
		}
		out[i] = ref
	}
	return out, nil
}

func (p *Persist) AddReference(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	ref.Deleted = false
	err := p.withTransaction(ctx, "add reference", func(conn *sqlite.Conn) error {
		existing, err := selectReference(conn, p.cfg.RepositoryID, ref.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return &persist.RefAlreadyExistsError{Existing: *existing}
		}
		return sqlitex.Execute(conn,
			"INSERT INTO refs (repo, ref_name, pointer, deleted) VALUES (?, ?, ?, 0)",
			&sqlitex.ExecOptions{Args: []any{p.cfg.RepositoryID, ref.Name, ref.Pointer[:]}})
	})
	if err != nil {
		return persist.Reference{}, err
	}
	return ref, nil
}

// withTransaction runs fn in an immediate transaction. Errors returned by
// fn that belong to the reference contract pass through unchanged.
func (p *Persist) withTransaction(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.pool.take(ctx)
	if err != nil {
		return err
	}
	defer p.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return mapErr(op, err)
	}
	defer endTransaction(&err)

	if err := fn(conn); err != nil {
		switch err.(type) {
		case *persist.RefAlreadyExistsError, *persist.RefNotFoundError, *persist.RefConditionFailedError:
			return err
		}
		return mapErr(op, err)
	}
	return nil
}

// casReference applies next to the row matching expected, or deletes the
// row when next is nil.
func (p *Persist) casReference(ctx context.Context, op string, expected persist.Reference, next *persist.Reference) error {
	return p.withTransaction(ctx, op, func(conn *sqlite.Conn) error {
		var err error
		if next == nil {
			err = sqlitex.Execute(conn,
				"DELETE FROM refs WHERE repo = ? AND ref_name = ? AND pointer = ? AND deleted = ?",
				&sqlitex.ExecOptions{Args: []any{p.cfg.RepositoryID, expected.Name, expected.Pointer[:], boolInt(expected.Deleted)}})
		} else {
			err = sqlitex.Execute(conn,
				"UPDATE refs SET pointer = ?, deleted = ? WHERE repo = ? AND ref_name = ? AND pointer = ? AND deleted = ?",
				&sqlitex.ExecOptions{Args: []any{
					next.Pointer[:], boolInt(next.Deleted),
					p.cfg.RepositoryID, expected.Name, expected.Pointer[:], boolInt(expected.Deleted),
				}})
		}
		if err != nil {
			return err
		}
		if conn.Changes() == 1 {
			return nil
		}
		stored, err := selectReference(conn, p.cfg.RepositoryID, expected.Name)
		if err != nil {
			return err
		}
		if stored == nil {
			return &persist.RefNotFoundError{Name: expected.Name}
		}
		return &persist.RefConditionFailedError{Actual: *stored}
	})
}

func (p *Persist) MarkReferenceAsDeleted(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	deleted := ref.WithDeleted(true)
	if err := p.casReference(ctx, "mark reference deleted", ref.WithDeleted(false), &deleted); err != nil {
		return persist.Reference{}, err
	}
	return deleted, nil
}

func (p *Persist) PurgeReference(ctx context.Context, ref persist.Reference) error {
	return p.casReference(ctx, "purge reference", ref.WithDeleted(true), nil)
}

func (p *Persist) UpdateReferencePointer(ctx context.Context, expected persist.Reference, newPointer object.ObjID) (persist.Reference, error) {
	updated := expected.ForNewPointer(newPointer).WithDeleted(false)
	if err := p.casReference(ctx, "update reference pointer", expected.WithDeleted(false), &updated); err != nil {
		return persist.Reference{}, err
	}
	return updated, nil
}

func (p *Persist) FetchObj(ctx context.Context, id object.ObjID) (object.Obj, error) {
	objs, err := p.FetchObjs(ctx, []object.ObjID{id})
	if err != nil {
		return nil, err
	}
	if objs[0] == nil {
		return nil, &persist.ObjNotFoundError{IDs: []object.ObjID{id}}
	}
	return objs[0], nil
}

func (p *Persist) FetchTypedObj(ctx context.Context, id object.ObjID, typ object.ObjType) (object.Obj, error) {
	obj, err := p.FetchObj(ctx, id)
	if err != nil {
		return nil, err
	}
	return persist.CheckType(id, obj, typ)
}

func (p *Persist) FetchObjs(ctx context.Context, ids []object.ObjID) ([]object.Obj, error) {
	conn, err := p.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer p.pool.put(conn)

	out := make([]object.Obj, len(ids))
	for i, id := range ids {
		err := sqlitex.Execute(conn,
			"SELECT data FROM objs WHERE repo = ? AND obj_id = ?",
			&sqlitex.ExecOptions{
				Args: []any{p.cfg.RepositoryID, id[:]},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					data := make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, data)
					obj, err := object.Decode(id, data)
					if err != nil {
						return err
					}
					out[i] = obj
					return nil
				},
			})
		if err != nil {
			return nil, mapErr("fetch objects", err)
		}
	}
	return out, nil
}

func (p *Persist) StoreObj(ctx context.Context, obj object.Obj) (bool, error) {
	stored, err := p.StoreObjs(ctx, []object.Obj{obj})
	if err != nil {
		return false, err
	}
	return stored[0], nil
}

func (p *Persist) StoreObjs(ctx context.Context, objs []object.Obj) ([]bool, error) {
	rows := make([][]byte, len(objs))
	for i, obj := range objs {
		data, err := persist.EncodeObj(p.cfg, obj)
		if err != nil {
			return nil, err
		}
		rows[i] = data
	}
	out := make([]bool, len(objs))
	err := p.withTransaction(ctx, "store objects", func(conn *sqlite.Conn) error {
		for i, obj := range objs {
			id := obj.ID()
			err := sqlitex.Execute(conn,
				"INSERT OR IGNORE INTO objs (repo, obj_id, obj_type, data) VALUES (?, ?, ?, ?)",
				&sqlitex.ExecOptions{Args: []any{p.cfg.RepositoryID, id[:], obj.Type().String(), rows[i]}})
			if err != nil {
				return err
			}
			out[i] = conn.Changes() == 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Persist) Erase(ctx context.Context) error {
	return p.withTransaction(ctx, "erase repository", func(conn *sqlite.Conn) error {
		for _, table := range []string{"refs", "objs"} {
			err := sqlitex.Execute(conn, "DELETE FROM "+table+" WHERE repo = ?",
				&sqlitex.ExecOptions{Args: []any{p.cfg.RepositoryID}})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
