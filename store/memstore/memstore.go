// Package memstore is an in-memory fake of the store.ObjectStore contract,
// used as the reference implementation for unit tests: it implements
// entity-tag CAS and FindByTags over the same tag-filter grammar the
// planner generates, so planner tests can assert that tag-filter mode
// and full-scan mode return identical result sets without any network
// dependency.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goshops-com/stormidb/store"
)

type object struct {
	bytes []byte
	tags  store.Tags
	etag  string
}

// Store is a goroutine-safe in-memory ObjectStore.
type Store struct {
	mu         sync.Mutex
	containers map[string]map[string]*object
	seq        int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{containers: make(map[string]map[string]*object)}
}

func (s *Store) nextETag() string {
	s.seq++
	return strconv.FormatInt(s.seq, 10)
}

func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[container]; !ok {
		s.containers[container] = make(map[string]*object)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, container, name string, bytes []byte, tags store.Tags, opts store.PutOptions) (store.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.containers[container]
	if !ok {
		objs = make(map[string]*object)
		s.containers[container] = objs
	}
	existing, exists := objs[name]

	if opts.IfNoneMatch == "*" && exists {
		return store.PutResult{}, store.ErrPreconditionFailed
	}
	if opts.IfMatch != "" {
		if !exists || existing.etag != opts.IfMatch {
			return store.PutResult{}, store.ErrPreconditionFailed
		}
	}

	tagsCopy := make(store.Tags, len(tags))
	for k, v := range tags {
		tagsCopy[k] = v
	}
	etag := s.nextETag()
	objs[name] = &object{bytes: append([]byte(nil), bytes...), tags: tagsCopy, etag: etag}
	return store.PutResult{ETag: etag}, nil
}

func (s *Store) Get(ctx context.Context, container, name string) (store.GetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.containers[container]
	if !ok {
		return store.GetResult{}, store.ErrNotFound
	}
	obj, ok := objs[name]
	if !ok {
		return store.GetResult{}, store.ErrNotFound
	}
	return store.GetResult{Bytes: append([]byte(nil), obj.bytes...), ETag: obj.etag}, nil
}

func (s *Store) Exists(ctx context.Context, container, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.containers[container]
	if !ok {
		return false, nil
	}
	_, ok = objs[name]
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, container, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if objs, ok := s.containers[container]; ok {
		delete(objs, name)
	}
	return nil
}

func (s *Store) List(ctx context.Context, container string, opts store.ListOptions) ([]store.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs := s.containers[container]
	names := make([]string, 0, len(objs))
	for name := range objs {
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]store.Item, len(names))
	for i, n := range names {
		items[i] = store.Item{Name: n}
	}
	return items, nil
}

func (s *Store) FindByTags(ctx context.Context, container, expr string) ([]store.Item, error) {
	atoms, err := store.ParseFilterExpr(expr)
	if err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	objs := s.containers[container]
	names := make([]string, 0)
	for name, obj := range objs {
		if store.MatchesTags(obj.tags, atoms) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	items := make([]store.Item, len(names))
	for i, n := range names {
		items[i] = store.Item{Name: n}
	}
	return items, nil
}

func (s *Store) DropContainer(ctx context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, container)
	return nil
}

// TagsOf exposes the tags stored against one object, for tests that need
// to assert on the tag projection a write produced rather than just the
// document body.
func (s *Store) TagsOf(container, name string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objs, ok := s.containers[container]
	if !ok {
		return nil, store.ErrNotFound
	}
	obj, ok := objs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make(map[string]string, len(obj.tags))
	for k, v := range obj.tags {
		out[k] = v
	}
	return out, nil
}

func (s *Store) ListContainers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.containers))
	for name := range s.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
