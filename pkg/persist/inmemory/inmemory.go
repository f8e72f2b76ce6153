// Package inmemory is a Persist backed by process memory. Objects are kept
// in their encoded form so that limits and decoding behave as in the
// durable backends.
package inmemory

import (
	"context"
	"sync"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

type Persist struct {
	cfg persist.Config

	mu   sync.RWMutex
	refs map[string]persist.Reference
	objs map[object.ObjID][]byte
}

var _ persist.Persist = (*Persist)(nil)

// New returns an empty store. Zero fields of cfg take their defaults.
func New(cfg persist.Config) *Persist {
	return &Persist{
		cfg:  cfg.WithDefaults(),
		refs: make(map[string]persist.Reference),
		objs: make(map[object.ObjID][]byte),
	}
}

func (p *Persist) Config() persist.Config { return p.cfg }

func (p *Persist) FetchReference(_ context.Context, name string) (*persist.Reference, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ref, ok := p.refs[name]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	out := make([]*persist.Reference, len(names))
	for i, name := range names {
		ref, err := p.FetchReference(ctx, name)
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

func (p *Persist) AddReference(_ context.Context, ref persist.Reference) (persist.Reference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.refs[ref.Name]; ok {
		return persist.Reference{}, &persist.RefAlreadyExistsError{Existing: existing}
	}
	ref.Deleted = false
	p.refs[ref.Name] = ref
	return ref, nil
}

// casLocked checks the stored row against expected. Caller holds p.mu.
func (p *Persist) casLocked(expected persist.Reference) error {
	stored, ok := p.refs[expected.Name]
	if !ok {
		return &persist.RefNotFoundError{Name: expected.Name}
	}
	if !persist.Matches(stored, expected) {
		return &persist.RefConditionFailedError{Actual: stored}
	}
	return nil
}

func (p *Persist) MarkReferenceAsDeleted(_ context.Context, ref persist.Reference) (persist.Reference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.casLocked(ref.WithDeleted(false)); err != nil {
		return persist.Reference{}, err
	}
	deleted := ref.WithDeleted(true)
	p.refs[ref.Name] = deleted
	return deleted, nil
}

func (p *Persist) PurgeReference(_ context.Context, ref persist.Reference) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.casLocked(ref.WithDeleted(true)); err != nil {
		return err
	}
	delete(p.refs, ref.Name)
	return nil
}

func (p *Persist) UpdateReferencePointer(_ context.Context, expected persist.Reference, newPointer object.ObjID) (persist.Reference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.casLocked(expected.WithDeleted(false)); err != nil {
		return persist.Reference{}, err
	}
	updated := expected.ForNewPointer(newPointer).WithDeleted(false)
	p.refs[expected.Name] = updated
	return updated, nil
}

func (p *Persist) FetchObj(_ context.Context, id object.ObjID) (object.Obj, error) {
	p.mu.RLock()
	data, ok := p.objs[id]
	p.mu.RUnlock()
	if !ok {
		return nil, &persist.ObjNotFoundError{IDs: []object.ObjID{id}}
	}
	return object.Decode(id, data)
}

func (p *Persist) FetchTypedObj(ctx context.Context, id object.ObjID, typ object.ObjType) (object.Obj, error) {
	obj, err := p.FetchObj(ctx, id)
	if err != nil {
		return nil, err
	}
	return persist.CheckType(id, obj, typ)
}

func (p *Persist) FetchObjs(ctx context.Context, ids []object.ObjID) ([]object.Obj, error) {
	out := make([]object.Obj, len(ids))
	for i, id := range ids {
		p.mu.RLock()
		data, ok := p.objs[id]
		p.mu.RUnlock()
		if !ok {
			continue
		}
		obj, err := object.Decode(id, data)
		if err != nil {
			return nil, err
		}
		out[i] = obj
	}
	return out, nil
}

func (p *Persist) StoreObj(_ context.Context, obj object.Obj) (bool, error) {
	data, err := persist.EncodeObj(p.cfg, obj)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.objs[obj.ID()]; ok {
		return false, nil
	}
	p.objs[obj.ID()] = data
	return true, nil
}

func (p *Persist) StoreObjs(ctx context.Context, objs []object.Obj) ([]bool, error) {
	out := make([]bool, len(objs))
	for i, obj := range objs {
		stored, err := p.StoreObj(ctx, obj)
		if err != nil {
			return nil, err
		}
		out[i] = stored
	}
	return out, nil
}

func (p *Persist) Erase(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs = make(map[string]persist.Reference)
	p.objs = make(map[object.ObjID][]byte)
	return nil
}
