// Package s3store is a Persist on an S3 bucket. Every reference row and
// every object is one S3 object. Reference compare-and-swap relies on
// conditional writes: If-None-Match for inserts and If-Match on the row's
// ETag for updates and deletes.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
)

// fetchConcurrency bounds parallel GETs of a batch fetch.
const fetchConcurrency = 16

// Options configures New.
type Options struct {
	Bucket string
	// Prefix is prepended to every key; it usually ends with "/".
	Prefix string
	Logger *slog.Logger
}

type Persist struct {
	client Client
	bucket string
	root   string
	cfg    persist.Config
	logger *slog.Logger
}

var _ persist.Persist = (*Persist)(nil)

// New returns a store writing below opts.Prefix + RepositoryID.
func New(client Client, opts Options, cfg persist.Config) (*Persist, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	cfg = cfg.WithDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Persist{
		client: client,
		bucket: opts.Bucket,
		root:   opts.Prefix + url.PathEscape(cfg.RepositoryID) + "/",
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (p *Persist) Config() persist.Config { return p.cfg }

func (p *Persist) refKey(name string) string { return p.root + "refs/" + url.PathEscape(name) }
func (p *Persist) objKey(id object.ObjID) string { return p.root + "objs/" + id.String() }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isPreconditionFailed matches a lost conditional write.
func isPreconditionFailed(err error) bool {
	switch errorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

func mapErr(op string, err error) error {
	switch errorCode(err) {
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "ServiceUnavailable", "EntityTooLarge":
		return &persist.BackendLimitExceededError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// get returns the body and ETag of key, or nil data when it is absent.
func (p *Persist) get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", nil
		}
		return nil, "", err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	if data == nil {
		data = []byte{}
	}
	return data, aws.ToString(out.ETag), nil
}

func (p *Persist) fetchReference(ctx context.Context, name string) (*persist.Reference, string, error) {
	data, etag, err := p.get(ctx, p.refKey(name))
	if err != nil || data == nil {
		return nil, "", err
	}
	ref, err := persist.DecodeReference(data)
	if err != nil {
		return nil, "", err
	}
	return &ref, etag, nil
}

func (p *Persist) FetchReference(ctx context.Context, name string) (*persist.Reference, error) {
	ref, _, err := p.fetchReference(ctx, name)
	if err != nil {
		return nil, mapErr("fetch reference", err)
	}
	return ref, nil
}

func (p *Persist) FetchReferences(ctx context.Context, names []string) ([]*persist.Reference, error) {
	out := make([]*persist.Reference, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, name := range names {
		g.Go(func() error {
			ref, err := p.FetchReference(gctx, name)
			out[i] = ref
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Persist) AddReference(ctx context.Context, ref persist.Reference) (persist.Reference, error) {
	ref.Deleted = false
	for {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(p.refKey(ref.Name)),
			Body:        bytes.NewReader(persist.EncodeReference(ref)),
			IfNoneMatch: aws.String("*"),
		})
		if err == nil {
			return ref, nil
		}
		if !isPreconditionFailed(err) {
			return persist.Reference{}, mapErr("add reference", err)
		}
		existing, _, err := p.fetchReference(ctx, ref.Name)
		if err != nil {
			return persist.Reference{}, mapErr("add reference", err)
		}
		if existing != nil {
			return persist.Reference{}, &persist.RefAlreadyExistsError{Existing: *existing}
		}
		// The blocking row was purged between the write and the read.
		p.logger.Debug("reference vanished after conditional insert, retrying", "ref", ref.Name)
	}
}

// casReference replaces the row matching expected with next, or deletes it
// when next is nil. A lost conditional write re-reads the row to report the
// state that won.
func (p *Persist) casReference(ctx context.Context, op string, expected persist.Reference, next *persist.Reference) error {
	stored, etag, err := p.fetchReference(ctx, expected.Name)
	if err != nil {
		return mapErr(op, err)
	}
	if stored == nil {
		return &persist.RefNotFoundError{Name: expected.Name}
	}
	if !persist.Matches(*stored, expected) {
		return &persist.RefConditionFailedError{Actual: *stored}
	}

	key := p.refKey(expected.Name)
	if next == nil {
		_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:  aws.String(p.bucket),
			Key:     aws.String(key),
			IfMatch: aws.String(etag),
		})
	} else {
		_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:  aws.String(p.bucket),
			Key:     aws.String(key),
			Body:    bytes.NewReader(persist.EncodeReference(*next)),
			IfMatch: aws.String(etag),
		})
	}
	if err == nil {
		return nil
	}
	if !isPreconditionFailed(err) && !isNotFound(err) {
		return mapErr(op, err)
	}
	actual, _, rerr := p.fetchReference(ctx, expected.Name)
	if rerr != nil {
		return mapErr(op, rerr)
	}
	if actual == nil {
		return &persist.RefNotFoundError{Name: expected.Name}
	}
	return &persist.RefConditionFailedError{Actual: *actual}
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
	data, _, err := p.get(ctx, p.objKey(id))
	if err != nil {
		return nil, mapErr("fetch object", err)
	}
	if data == nil {
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
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			obj, err := p.FetchObj(gctx, id)
			if errors.Is(err, persist.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			out[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Persist) StoreObj(ctx context.Context, obj object.Obj) (bool, error) {
	data, err := persist.EncodeObj(p.cfg, obj)
	if err != nil {
		return false, err
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.objKey(obj.ID())),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
		Metadata:    map[string]string{"obj-type": obj.Type().String()},
	})
	if err == nil {
		return true, nil
	}
	if isPreconditionFailed(err) {
		return false, nil
	}
	return false, mapErr("store object", err)
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

func (p *Persist) Erase(ctx context.Context) error {
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.root),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mapErr("erase repository", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	for _, key := range keys {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil && !isNotFound(err) {
			return mapErr("erase repository", err)
		}
	}
	p.logger.Info("repository erased", "prefix", strings.TrimSuffix(p.root, "/"), "objects", len(keys))
	return nil
}
