// Package badgerstore is a Persist on a badger key-value store. Reference
// rows are updated with optimistic transactions; a transaction conflict is
// retried internally so callers only observe the reference CAS outcome.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// maxTxnConflicts bounds the internal retries of a conflicting reference
// transaction before it is reported as backend contention.
const maxTxnConflicts = 16

// Options configures Open.
type Options struct {
	// Path is the database directory. Required unless InMemory is set.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

type Persist struct {
	db     *badger.DB
	cfg    persist.Config
	refKey []byte
	objKey []byte
}

var _ persist.Persist = (*Persist)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the database described by opts.
func Open(opts Options, cfg persist.Config) (*Persist, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("open badger store: path is required for a persistent database")
	}
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("open badger store: create %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return New(db, cfg), nil
}

// New wraps an open database. The caller keeps ownership of db unless it
// calls Close.
func New(db *badger.DB, cfg persist.Config) *Persist {
	cfg = cfg.WithDefaults()
	return &Persist{
		db:     db,
		cfg:    cfg,
		refKey: []byte("r\x00" + cfg.RepositoryID + "\x00"),
		objKey: []byte("o\x00" + cfg.RepositoryID + "\x00"),
	}
}

func (p *Persist) Close() error { return p.db.Close() }

func (p *Persist) Config() persist.Config { return p.cfg }

func (p *Persist) referenceKey(name string) []byte {
	return append(append([]byte{}, p.refKey...), name...)
}

func (p *Persist) objectKey(id object.ObjID) []byte {
	return append(append([]byte{}, p.objKey...), id[:]...)
}

func mapErr(op string, err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) || errors.Is(err, badger.ErrConflict) {
		return &persist.BackendLimitExceededError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func readReference(txn *badger.Txn, key []byte) (*persist.Reference, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	ref, err := persist.DecodeReference(data)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (p *Persist) FetchReference(_ context.Context, name string) (*persist.Reference, error) {
	var ref *persist.Reference
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		ref, err = readReference(txn, p.referenceKey(name))
		return err
	})
	if err != nil {
		return nil, mapErr("fetch reference", err)
	}
	return ref, nil
}

func (p *Persist) FetchReferences(_ context.Context, names []string) ([]*persist.Reference, error) {
	out := make([]*persist.Reference, len(names))
	err := p.db.View(func(txn *badger.Txn) error {
		for i, name := range names {
			ref, err := readReference(txn, p.referenceKey(name))
			if err != nil {
				return err
			}
			out[i] = ref
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("fetch references", err)
	}
	return out, nil
}

// updateReference runs fn in a read-write transaction, retrying on
// transaction conflicts.
func (p *Persist) updateReference(op string, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnConflicts; attempt++ {
		err = p.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err == nil {
		return nil
	}
	var (
		exists   *persist.RefAlreadyExistsError
		notFound *persist.RefNotFoundError
		failed   *persist.RefConditionFailedError
	)
	if errors.As(err, &exists) || errors.As(err, &notFound) || errors.As(err, &failed) {
		return err
	}
	return mapErr(op, err)
}

func (p *Persist) AddReference(_ context.Context, ref persist.Reference) (persist.Reference, error) {
	ref.Deleted = false
	key := p.referenceKey(ref.Name)
	err := p.updateReference("add reference", func(txn *badger.Txn) error {
		existing, err := readReference(txn, key)
		if err != nil {
			return err
		}
		if existing != nil {
			return &persist.RefAlreadyExistsError{Existing: *existing}
		}
		return txn.Set(key, persist.EncodeReference(ref))
	})
	if err != nil {
		return persist.Reference{}, err
	}
	return ref, nil
}

// casReference replaces the row matching expected with next, or deletes it
// when next is nil.
func (p *Persist) casReference(op string, expected persist.Reference, next *persist.Reference) error {
	key := p.referenceKey(expected.Name)
	return p.updateReference(op, func(txn *badger.Txn) error {
		stored, err := readReference(txn, key)
		if err != nil {
			return err
		}
		if stored == nil {
			return &persist.RefNotFoundError{Name: expected.Name}
		}
		if !persist.Matches(*stored, expected) {
			return &persist.RefConditionFailedError{Actual: *stored}
		}
		if next == nil {
			return txn.Delete(key)
		}
		return txn.Set(key, persist.EncodeReference(*next))
	})
}

func (p *Persist) MarkReferenceAsDeleted(_ context.Context, ref persist.Reference) (persist.Reference, error) {
	deleted := ref.WithDeleted(true)
	if err := p.casReference("mark reference deleted", ref.WithDeleted(false), &deleted); err != nil {
		return persist.Reference{}, err
	}
	return deleted, nil
}

func (p *Persist) PurgeReference(_ context.Context, ref persist.Reference) error {
	return p.casReference("purge reference", ref.WithDeleted(true), nil)
}

func (p *Persist) UpdateReferencePointer(_ context.Context, expected persist.Reference, newPointer object.ObjID) (persist.Reference, error) {
	updated := expected.ForNewPointer(newPointer).WithDeleted(false)
	if err := p.casReference("update reference pointer", expected.WithDeleted(false), &updated); err != nil {
		return persist.Reference{}, err
	}
	return updated, nil
}

// Objects are stored as one type byte followed by the encoded object.

func (p *Persist) readObj(txn *badger.Txn, id object.ObjID) (object.Obj, error) {
	item, err := txn.Get(p.objectKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("object %s: empty row", id)
	}
	return object.Decode(id, data[1:])
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

func (p *Persist) FetchObjs(_ context.Context, ids []object.ObjID) ([]object.Obj, error) {
	out := make([]object.Obj, len(ids))
	err := p.db.View(func(txn *badger.Txn) error {
		for i, id := range ids {
			obj, err := p.readObj(txn, id)
			if err != nil {
				return err
			}
			out[i] = obj
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("fetch objects", err)
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

func (p *Persist) StoreObjs(_ context.Context, objs []object.Obj) ([]bool, error) {
	rows := make([][]byte, len(objs))
	for i, obj := range objs {
		data, err := persist.EncodeObj(p.cfg, obj)
		if err != nil {
			return nil, err
		}
		rows[i] = append([]byte{byte(obj.Type())}, data...)
	}

	var out []bool
	err := p.updateReference("store objects", func(txn *badger.Txn) error {
		out = make([]bool, len(objs))
		for i, obj := range objs {
			key := p.objectKey(obj.ID())
			_, err := txn.Get(key)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(key, rows[i]); err != nil {
				return err
			}
			out[i] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Persist) Erase(context.Context) error {
	if err := p.db.DropPrefix(p.refKey, p.objKey); err != nil {
		return mapErr("erase repository", err)
	}
	return nil
}
