// Package versionstore is the branch, tag and content API over the logic
// layer, including merge and transplant.
package versionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/strata/pkg/content"
	"github.com/odvcencio/strata/pkg/logic"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

const tracerName = "github.com/odvcencio/strata/pkg/versionstore"

// RefType distinguishes branches from tags.
type RefType uint8

const (
	Branch RefType = iota + 1
	Tag
)

func (t RefType) String() string {
	switch t {
	case Branch:
		return "BRANCH"
	case Tag:
		return "TAG"
	default:
		return fmt.Sprintf("RefType(%d)", uint8(t))
	}
}

// NamedRef is a branch or tag and the commit it resolves to. Pointer
// differs from Hash for annotated tags, whose reference points at a
// TagObj.
type NamedRef struct {
	Name    string
	Type    RefType
	Hash    object.ObjID
	Pointer object.ObjID
}

// FullName returns the reference name as stored.
func (r NamedRef) FullName() string { return fullName(r.Type, r.Name) }

func fullName(t RefType, name string) string {
	if t == Tag {
		return logic.TagRef(name)
	}
	return logic.BranchRef(name)
}

// Store is safe for concurrent use.
type Store struct {
	p       persist.Persist
	repo    *logic.RepositoryLogic
	refs    *logic.ReferenceLogic
	commits *logic.CommitLogic
	indexes *logic.IndexesLogic
	bases   *mergeBaseState
	types   *content.Registry
	access  AccessChecker
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures New.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

func WithAccessChecker(c AccessChecker) Option { return func(s *Store) { s.access = c } }

// WithContentTypes replaces the built-in content type registry.
func WithContentTypes(r *content.Registry) Option { return func(s *Store) { s.types = r } }

func New(p persist.Persist, opts ...Option) *Store {
	s := &Store{
		p:      p,
		types:  content.Builtin,
		access: AllowAll{},
		logger: slog.New(slog.DiscardHandler),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.repo = logic.NewRepositoryLogic(p, logic.WithLogger(s.logger))
	s.refs = s.repo.References()
	s.commits = s.repo.Commits()
	s.indexes = s.commits.Indexes()
	s.bases = newMergeBaseState(s.commits)
	return s
}

// Initialize creates the repository with defaultBranch if needed.
func (s *Store) Initialize(ctx context.Context, defaultBranch string) error {
	return s.repo.Initialize(ctx, logic.RepositoryDescription{DefaultBranch: defaultBranch})
}

// Repository returns the repository logic of the store's backend.
func (s *Store) Repository() *logic.RepositoryLogic { return s.repo }

// DefaultBranch returns the branch named by the repository description.
func (s *Store) DefaultBranch(ctx context.Context) (string, error) {
	desc, err := s.repo.FetchRepositoryDescription(ctx)
	if err != nil {
		return "", err
	}
	return desc.DefaultBranch, nil
}

// peel resolves pointer to a commit id, following an annotated tag.
func (s *Store) peel(ctx context.Context, pointer object.ObjID) (object.ObjID, error) {
	if pointer.IsZero() {
		return pointer, nil
	}
	obj, err := s.p.FetchObj(ctx, pointer)
	if err != nil {
		return object.EmptyObjID, fmt.Errorf("resolve %s: %w", pointer.Short(), err)
	}
	switch o := obj.(type) {
	case *object.CommitObj:
		return o.ID(), nil
	case *object.TagObj:
		return o.Commit, nil
	default:
		return object.EmptyObjID, fmt.Errorf("%w: %s is a %s, not a commit", logic.ErrInvalidArgument, pointer.Short(), o.Type())
	}
}

func (s *Store) namedRef(ctx context.Context, t RefType, ref persist.Reference) (NamedRef, error) {
	hash, err := s.peel(ctx, ref.Pointer)
	if err != nil {
		return NamedRef{}, err
	}
	return NamedRef{Name: logic.ShortName(ref.Name), Type: t, Hash: hash, Pointer: ref.Pointer}, nil
}

// checkCommit verifies that id is EmptyObjID or a stored commit.
func (s *Store) checkCommit(ctx context.Context, id object.ObjID) error {
	_, err := s.commits.FetchCommit(ctx, id)
	return err
}

// CreateBranch creates branch name at commit from.
func (s *Store) CreateBranch(ctx context.Context, name string, from object.ObjID) (NamedRef, error) {
	if err := s.check(ctx, AccessCreateReference, logic.BranchRef(name), nil); err != nil {
		return NamedRef{}, err
	}
	if err := s.checkCommit(ctx, from); err != nil {
		return NamedRef{}, err
	}
	ref, err := s.refs.CreateReference(ctx, logic.BranchRef(name), from)
	if err != nil {
		return NamedRef{}, fmt.Errorf("create branch %s: %w", name, err)
	}
	s.logger.Info("branch created", "branch", name, "hash", from.Short())
	return NamedRef{Name: name, Type: Branch, Hash: ref.Pointer, Pointer: ref.Pointer}, nil
}

// TagAnnotation turns a tag into an annotated tag stored as a TagObj.
type TagAnnotation struct {
	Message   string
	Headers   object.Headers
	Signature []byte
}

// TagPayload returns the bytes a signature of an annotated tag covers.
func TagPayload(name string, commit object.ObjID, message string) []byte {
	return []byte(fmt.Sprintf("object %s\ntype commit\ntag %s\n\n%s", commit, name, message))
}

// CreateTag creates tag name at commit target. A non-nil annotation is
// stored as a TagObj the reference points at.
func (s *Store) CreateTag(ctx context.Context, name string, target object.ObjID, annotation *TagAnnotation) (NamedRef, error) {
	if err := s.check(ctx, AccessCreateReference, logic.TagRef(name), nil); err != nil {
		return NamedRef{}, err
	}
	if err := s.checkCommit(ctx, target); err != nil {
		return NamedRef{}, err
	}
	pointer := target
	if annotation != nil {
		tag := &object.TagObj{Commit: target, Signature: annotation.Signature}
		msg := annotation.Message
		tag.Message = &msg
		if annotation.Headers != nil {
			h := annotation.Headers.Clone()
			tag.Headers = &h
		}
		if err := object.Seal(tag); err != nil {
			return NamedRef{}, err
		}
		if _, err := s.p.StoreObj(ctx, tag); err != nil {
			return NamedRef{}, fmt.Errorf("create tag %s: %w", name, err)
		}
		pointer = tag.ID()
	}
	if _, err := s.refs.CreateReference(ctx, logic.TagRef(name), pointer); err != nil {
		return NamedRef{}, fmt.Errorf("create tag %s: %w", name, err)
	}
	return NamedRef{Name: name, Type: Tag, Hash: target, Pointer: pointer}, nil
}

// TagAnnotation returns the annotation of tag, or nil for a lightweight tag.
func (s *Store) TagAnnotation(ctx context.Context, tag NamedRef) (*object.TagObj, error) {
	if tag.Pointer == tag.Hash {
		return nil, nil
	}
	obj, err := s.p.FetchTypedObj(ctx, tag.Pointer, object.TypeTag)
	if err != nil {
		return nil, fmt.Errorf("fetch tag %s: %w", tag.Name, err)
	}
	return obj.(*object.TagObj), nil
}

// DeleteReference deletes the branch or tag when it still points at
// expected. For annotated tags expected is the commit hash.
func (s *Store) DeleteReference(ctx context.Context, t RefType, name string, expected object.ObjID) error {
	full := fullName(t, name)
	if err := s.check(ctx, AccessDeleteReference, full, nil); err != nil {
		return err
	}
	current, err := s.GetReference(ctx, t, name)
	if err != nil {
		return err
	}
	pointer := expected
	if current.Hash == expected {
		pointer = current.Pointer
	}
	if err := s.refs.DeleteReference(ctx, full, pointer); err != nil {
		return fmt.Errorf("delete %s %s: %w", strings.ToLower(t.String()), name, err)
	}
	return nil
}

// AssignReference moves a branch or tag from expected to commit to.
func (s *Store) AssignReference(ctx context.Context, t RefType, name string, expected, to object.ObjID) (NamedRef, error) {
	full := fullName(t, name)
	if err := s.check(ctx, AccessAssignReference, full, nil); err != nil {
		return NamedRef{}, err
	}
	if err := s.checkCommit(ctx, to); err != nil {
		return NamedRef{}, err
	}
	ref, err := s.refs.GetReference(ctx, full)
	if err != nil {
		return NamedRef{}, err
	}
	if ref == nil {
		return NamedRef{}, &persist.RefNotFoundError{Name: full}
	}
	hash, err := s.peel(ctx, ref.Pointer)
	if err != nil {
		return NamedRef{}, err
	}
	if hash != expected {
		return NamedRef{}, &persist.RefConditionFailedError{Actual: *ref}
	}
	moved, err := s.refs.AssignReference(ctx, *ref, to)
	if err != nil {
		return NamedRef{}, fmt.Errorf("assign %s: %w", full, err)
	}
	return NamedRef{Name: name, Type: t, Hash: to, Pointer: moved.Pointer}, nil
}

// GetReference resolves a branch or tag by short name.
func (s *Store) GetReference(ctx context.Context, t RefType, name string) (NamedRef, error) {
	full := fullName(t, name)
	ref, err := s.refs.GetReference(ctx, full)
	if err != nil {
		return NamedRef{}, err
	}
	if ref == nil {
		return NamedRef{}, &persist.RefNotFoundError{Name: full}
	}
	return s.namedRef(ctx, t, *ref)
}

// GetNamedRef resolves name as a branch, then as a tag.
func (s *Store) GetNamedRef(ctx context.Context, name string) (NamedRef, error) {
	refs, err := s.refs.GetReferences(ctx, []string{logic.BranchRef(name), logic.TagRef(name)})
	if err != nil {
		return NamedRef{}, err
	}
	if refs[0] != nil {
		return s.namedRef(ctx, Branch, *refs[0])
	}
	if refs[1] != nil {
		return s.namedRef(ctx, Tag, *refs[1])
	}
	return NamedRef{}, &persist.RefNotFoundError{Name: name}
}

// ResolveRef accepts a branch or tag name or a full commit hash.
func (s *Store) ResolveRef(ctx context.Context, spec string) (object.ObjID, error) {
	ref, err := s.GetNamedRef(ctx, spec)
	if err == nil {
		return ref.Hash, nil
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return object.EmptyObjID, err
	}
	id, perr := object.ParseObjID(spec)
	if perr != nil {
		return object.EmptyObjID, err
	}
	if err := s.checkCommit(ctx, id); err != nil {
		return object.EmptyObjID, err
	}
	return id, nil
}

// ReferencesPage is one page of ListReferences.
type ReferencesPage struct {
	References []NamedRef
	// Next resumes the listing; nil on the last page.
	Next logic.PagingToken
}

// ListReferences lists references of type t (0 for all) whose short name
// starts with prefix. A limit of 0 returns everything.
func (s *Store) ListReferences(ctx context.Context, t RefType, prefix string, token logic.PagingToken, limit int) (*ReferencesPage, error) {
	query := logic.ReferencesQuery{Prefix: "refs/", PagingToken: token}
	if t != 0 {
		query.Prefix = fullName(t, prefix)
	}
	it, err := s.refs.QueryReferences(ctx, query)
	if err != nil {
		return nil, err
	}
	page := &ReferencesPage{}
	for it.Next() {
		ref := it.Reference()
		var rt RefType
		switch {
		case strings.HasPrefix(ref.Name, logic.RefsHeads):
			rt = Branch
		case strings.HasPrefix(ref.Name, logic.RefsTags):
			rt = Tag
		default:
			continue
		}
		if t == 0 && !strings.HasPrefix(logic.ShortName(ref.Name), prefix) {
			continue
		}
		if limit > 0 && len(page.References) == limit {
			page.Next = it.TokenForKey(page.References[limit-1].FullName())
			break
		}
		named, err := s.namedRef(ctx, rt, ref)
		if err != nil {
			return nil, err
		}
		page.References = append(page.References, named)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return page, nil
}
