package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/goshops-com/stormidb/store"
)

func TestPutIfNoneMatchRejectsExistingObject(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Put(ctx, "c", "a", []byte("1"), nil, store.PutOptions{IfNoneMatch: "*"}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	_, err := s.Put(ctx, "c", "a", []byte("2"), nil, store.PutOptions{IfNoneMatch: "*"})
	if !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestPutIfMatchRequiresCurrentETag(t *testing.T) {
	ctx := context.Background()
	s := New()
	res, err := s.Put(ctx, "c", "a", []byte("1"), nil, store.PutOptions{IfNoneMatch: "*"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Put(ctx, "c", "a", []byte("2"), nil, store.PutOptions{IfMatch: "stale"}); !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed for stale etag, got %v", err)
	}
	if _, err := s.Put(ctx, "c", "a", []byte("2"), nil, store.PutOptions{IfMatch: res.ETag}); err != nil {
		t.Fatalf("expected current etag to succeed: %v", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "c", "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Delete(ctx, "c", "missing"); err != nil {
		t.Fatalf("expected no error deleting absent object, got %v", err)
	}
}

func TestListExcludesOtherContainersAndRespectsPrefix(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Put(ctx, "c1", "foo1", []byte("x"), nil, store.PutOptions{})
	s.Put(ctx, "c1", "bar1", []byte("x"), nil, store.PutOptions{})
	s.Put(ctx, "c2", "foo2", []byte("x"), nil, store.PutOptions{})

	items, err := s.List(ctx, "c1", store.ListOptions{Prefix: "foo"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Name != "foo1" {
		t.Fatalf("expected only foo1, got %v", items)
	}
}

func TestFindByTagsRangeAndBetween(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Put(ctx, "c", "a", []byte("x"), store.Tags{"age": "025"}, store.PutOptions{})
	s.Put(ctx, "c", "b", []byte("x"), store.Tags{"age": "030"}, store.PutOptions{})
	s.Put(ctx, "c", "d", []byte("x"), store.Tags{"age": "035"}, store.PutOptions{})

	expr := store.BuildFilterExpr([]store.FilterAtom{{Field: "age", Op: store.FilterBetween, Value: "026", Value2: "034"}})
	items, err := s.FindByTags(ctx, "c", expr)
	if err != nil {
		t.Fatalf("FindByTags: %v", err)
	}
	if len(items) != 1 || items[0].Name != "b" {
		t.Fatalf("expected only b, got %v", items)
	}
}

func TestListContainers(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.EnsureContainer(ctx, "c1")
	s.EnsureContainer(ctx, "c2")
	names, err := s.ListContainers(ctx)
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 containers, got %v", names)
	}
}
