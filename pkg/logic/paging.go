package logic

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/persist"
)

// PagingToken resumes a listing after the key it was made from.
type PagingToken []byte

// TokenForKey returns the token resuming after k.
func TokenForKey(k index.StoreKey) PagingToken { return PagingToken(k) }

// ParsePagingToken is the inverse of PagingToken.String.
func ParsePagingToken(s string) (PagingToken, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed paging token: %v", ErrInvalidArgument, err)
	}
	return PagingToken(b), nil
}

func (t PagingToken) String() string { return base64.RawURLEncoding.EncodeToString(t) }

// Key returns the last key of the previous page.
func (t PagingToken) Key() index.StoreKey { return index.StoreKey(t) }

// ReferencesQuery selects references by raw name prefix. A non-nil
// PagingToken resumes after the reference it was made for.
type ReferencesQuery struct {
	Prefix      string
	PagingToken PagingToken
}

// ReferenceIterator yields live references in name order.
type ReferenceIterator struct {
	ctx   context.Context
	l     *ReferenceLogic
	idx   *refsIndex
	it    index.Iterator
	after index.StoreKey
	skip  bool
	cur   persist.Reference
	err   error
}

// QueryReferences lists references from the audit index. Each candidate is
// resolved through recovery, so interrupted creates and deletes never show
// up half done.
func (l *ReferenceLogic) QueryReferences(ctx context.Context, q ReferencesQuery) (*ReferenceIterator, error) {
	idx := l.newRefsIndex()
	r, err := idx.reader(ctx)
	if err != nil {
		return nil, err
	}
	begin := index.StoreKey(q.Prefix)
	ri := &ReferenceIterator{ctx: ctx, l: l, idx: idx}
	if q.PagingToken != nil {
		ri.after = q.PagingToken.Key()
		ri.skip = true
		if ri.after > begin {
			begin = ri.after
		}
	}
	ri.it = r.Iterator(ctx, begin, q.Prefix)
	return ri, nil
}

func (it *ReferenceIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.it.Next() {
		e := it.it.Element()
		if it.skip && e.Key <= it.after {
			continue
		}
		name := string(e.Key)
		if persist.IsInternalReferenceName(name) {
			continue
		}
		ref, err := it.l.p.FetchReference(it.ctx, name)
		if err != nil {
			it.err = fmt.Errorf("fetch reference %q: %w", name, err)
			return false
		}
		rec, err := it.l.maybeRecover(it.ctx, name, ref, it.idx)
		if err != nil {
			it.err = err
			return false
		}
		if rec == nil {
			continue
		}
		it.cur = *rec
		return true
	}
	it.err = it.it.Err()
	return false
}

// Reference returns the current reference.
func (it *ReferenceIterator) Reference() persist.Reference { return it.cur }

func (it *ReferenceIterator) Err() error { return it.err }

// Token returns the token resuming after the current reference.
func (it *ReferenceIterator) Token() PagingToken { return TokenForKey(index.StoreKey(it.cur.Name)) }

// TokenForKey returns the token resuming after name.
func (it *ReferenceIterator) TokenForKey(name string) PagingToken {
	return TokenForKey(index.StoreKey(name))
}
