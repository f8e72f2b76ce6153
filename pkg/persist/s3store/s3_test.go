package s3store

import (
	"errors"
	"testing"

	"github.com/odvcencio/strata/pkg/object"
	"github.com/odvcencio/strata/pkg/persist"
	"github.com/odvcencio/strata/pkg/persist/persisttest"
)

func newTestStore(t *testing.T, client Client) *Persist {
	t.Helper()
	p, err := New(client, Options{Bucket: "catalog", Prefix: "strata/"}, persist.Config{RepositoryID: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestConformance(t *testing.T) {
	persisttest.Run(t, func(t *testing.T) persist.Persist {
		return newTestStore(t, newFakeClient())
	})
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(newFakeClient(), Options{}, persist.Config{}); err == nil {
		t.Fatal("New without bucket succeeded")
	}
}

func TestThrottlingIsBackendLimit(t *testing.T) {
	client := newFakeClient()
	p := newTestStore(t, client)
	client.throttle = 1

	obj := &object.ContentValueObj{ContentID: "c", Data: []byte("d")}
	if err := object.Seal(obj); err != nil {
		t.Fatal(err)
	}
	_, err := p.StoreObj(t.Context(), obj)
	if !errors.Is(err, persist.ErrBackendLimitExceeded) {
		t.Fatalf("StoreObj error = %v, want ErrBackendLimitExceeded", err)
	}
	stored, err := p.StoreObj(t.Context(), obj)
	if err != nil || !stored {
		t.Fatalf("StoreObj after throttle = %v, %v; want stored", stored, err)
	}
}

func TestKeysAreScopedByRepository(t *testing.T) {
	client := newFakeClient()
	p := newTestStore(t, client)
	if _, err := p.AddReference(t.Context(), persist.Reference{Name: "refs/heads/main"}); err != nil {
		t.Fatalf("AddReference: %v", err)
	}
	want := "strata/test/refs/refs%2Fheads%2Fmain"
	if _, ok := client.objects[want]; !ok {
		t.Fatalf("reference row not stored under %q; have %v", want, client.objects)
	}
}
