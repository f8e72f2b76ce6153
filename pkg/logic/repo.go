package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odvcencio/strata/pkg/index"
	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// Reference name prefixes for branches and tags.
const (
	RefsHeads = "refs/heads/"
	RefsTags  = "refs/tags/"
)

// DefaultBranch is used when a RepositoryDescription names none.
const DefaultBranch = "main"

const descriptionContentType = "application/cbor"

// descriptionKey holds the repository description in the int/repo index.
var descriptionKey = index.MustKey("repository", "description")

// BranchRef returns the reference name of branch.
func BranchRef(branch string) string { return RefsHeads + branch }

// TagRef returns the reference name of tag.
func TagRef(tag string) string { return RefsTags + tag }

// ShortName strips the branch or tag prefix of a reference name.
func ShortName(ref string) string {
	if s, ok := strings.CutPrefix(ref, RefsHeads); ok {
		return s
	}
	if s, ok := strings.CutPrefix(ref, RefsTags); ok {
		return s
	}
	return ref
}

// RepositoryDescription is stored in the int/repo reference.
type RepositoryDescription struct {
	DefaultBranch string `cbor:"1,keyasint"`
	// CreatedAt and OldestPossibleCommitTime are unix micros.
	CreatedAt                int64             `cbor:"2,keyasint"`
	OldestPossibleCommitTime int64             `cbor:"3,keyasint,omitempty"`
	Properties               map[string]string `cbor:"4,keyasint,omitempty"`
}

// RepositoryLogic initializes and describes a repository.
type RepositoryLogic struct {
	p       persist.Persist
	refs    *ReferenceLogic
	commits *CommitLogic
	logger  *slog.Logger
}

func NewRepositoryLogic(p persist.Persist, opts ...Option) *RepositoryLogic {
	o := buildOptions(opts)
	refs := NewReferenceLogic(p, opts...)
	return &RepositoryLogic{p: p, refs: refs, commits: refs.commits, logger: o.logger}
}

// InitializeRepository is a shorthand for NewRepositoryLogic(p).Initialize.
func InitializeRepository(ctx context.Context, p persist.Persist, desc RepositoryDescription, opts ...Option) error {
	return NewRepositoryLogic(p, opts...).Initialize(ctx, desc)
}

// Initialize creates the internal references, the repository description
// and the default branch. Running it on an initialized repository changes
// nothing.
func (l *RepositoryLogic) Initialize(ctx context.Context, desc RepositoryDescription) error {
	if desc.DefaultBranch == "" {
		desc.DefaultBranch = DefaultBranch
	}
	if desc.CreatedAt == 0 {
		desc.CreatedAt = l.p.Config().Now().UnixMicro()
	}

	if err := l.addInternal(ctx, persist.Reference{Name: persist.RefRefs}); err != nil {
		return err
	}

	repo, err := l.p.FetchReference(ctx, persist.RefRepo)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	if repo == nil {
		commit, err := l.storeDescription(ctx, desc)
		if err != nil {
			return err
		}
		if err := l.addInternal(ctx, persist.Reference{Name: persist.RefRepo, Pointer: commit.ID()}); err != nil {
			return err
		}
	}

	branch := BranchRef(desc.DefaultBranch)
	if _, err := l.refs.CreateReference(ctx, branch, object.EmptyObjID); err != nil && !errors.Is(err, persist.ErrAlreadyExists) {
		return fmt.Errorf("initialize repository: create %s: %w", branch, err)
	}
	l.logger.Info("repository initialized", "repository", l.p.Config().RepositoryID, "default_branch", desc.DefaultBranch)
	return nil
}

func (l *RepositoryLogic) addInternal(ctx context.Context, ref persist.Reference) error {
	if _, err := l.p.AddReference(ctx, ref); err != nil && !errors.Is(err, persist.ErrAlreadyExists) {
		return fmt.Errorf("initialize repository: create %s: %w", ref.Name, err)
	}
	return nil
}

func (l *RepositoryLogic) storeDescription(ctx context.Context, desc RepositoryDescription) (*object.CommitObj, error) {
	data, err := object.MarshalCBOR(desc)
	if err != nil {
		return nil, fmt.Errorf("encode repository description: %w", err)
	}
	str, err := object.NewString(descriptionContentType, object.CompressionZstd, nil, nil, data)
	if err != nil {
		return nil, err
	}
	return l.commits.DoCommit(ctx, CreateCommit{
		ParentCommitID: object.EmptyObjID,
		Message:        "Initialize repository",
		CommitType:     object.CommitInternal,
		Adds:           []Add{{Key: descriptionKey, Value: str.ID()}},
	}, []object.Obj{str})
}

// Initialized reports whether both internal references exist.
func (l *RepositoryLogic) Initialized(ctx context.Context) (bool, error) {
	refs, err := l.p.FetchReferences(ctx, []string{persist.RefRefs, persist.RefRepo})
	if err != nil {
		return false, err
	}
	return refs[0] != nil && refs[1] != nil, nil
}

// FetchRepositoryDescription reads the description written by Initialize.
func (l *RepositoryLogic) FetchRepositoryDescription(ctx context.Context) (*RepositoryDescription, error) {
	repo, err := l.p.FetchReference(ctx, persist.RefRepo)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", persist.RefRepo, err)
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: %s missing", ErrNotInitialized, persist.RefRepo)
	}
	commit, err := l.commits.FetchCommit(ctx, repo.Pointer)
	if err != nil {
		return nil, err
	}
	view, err := l.commits.Indexes().CommitIndex(ctx, commit)
	if err != nil {
		return nil, err
	}
	op, ok, err := view.Get(ctx, descriptionKey)
	if err != nil {
		return nil, err
	}
	if !ok || !op.Exists() || op.Value == nil {
		return nil, fmt.Errorf("%w: repository description missing", ErrInternal)
	}
	obj, err := l.p.FetchTypedObj(ctx, *op.Value, object.TypeString)
	if err != nil {
		return nil, fmt.Errorf("fetch repository description: %w", err)
	}
	data, err := obj.(*object.StringObj).Decompressed()
	if err != nil {
		return nil, fmt.Errorf("decompress repository description: %w", err)
	}
	var desc RepositoryDescription
	if err := object.UnmarshalCBOR(data, &desc); err != nil {
		return nil, fmt.Errorf("decode repository description: %w", err)
	}
	return &desc, nil
}

// References returns the reference logic bound to the same backend.
func (l *RepositoryLogic) References() *ReferenceLogic { return l.refs }

// Commits returns the commit logic bound to the same backend.
func (l *RepositoryLogic) Commits() *CommitLogic { return l.commits }

// Erase removes all data of the repository.
func (l *RepositoryLogic) Erase(ctx context.Context) error {
	if err := l.p.Erase(ctx); err != nil {
		return fmt.Errorf("erase repository: %w", err)
	}
	return nil
}
