// Package redisstore is a Redis-backed implementation of the
// store.ObjectStore contract: objects live as hashes, a per-field sorted
// set keyed on "value\x00name" stands in for the cloud provider's
// tag-range search, and conditional writes use go-redis's optimistic
// WATCH/MULTI transaction helper in place of a cloud ETag header.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/goshops-com/stormidb/store"
)

const (
	loBound = "\x00"
	hiBound = "\x01"
)

// Store is a Redis-backed ObjectStore.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func objKey(container, name string) string   { return container + ":obj:" + name }
func namesKey(container string) string       { return container + ":names" }
func fieldsKey(container string) string      { return container + ":fields" }
func tagZKey(container, field string) string { return container + ":tag:" + field }
func etagSeqKey(container string) string     { return container + ":etagseq" }

// containersKey is a single global set tracking every container passed
// to EnsureContainer and not since dropped, since Redis has no notion of
// key namespaces to enumerate and the core's listCollections() needs one.
const containersKey = "stormidb:containers"

func member(value, name string) string { return value + loBound + name }

func splitMember(m string) (value, name string, ok bool) {
	i := strings.IndexByte(m, loBound[0])
	if i < 0 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}

func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	return s.rdb.SAdd(ctx, containersKey, container).Err()
}

func (s *Store) Put(ctx context.Context, container, name string, bytes []byte, tags store.Tags, opts store.PutOptions) (store.PutResult, error) {
	key := objKey(container, name)
	var result store.PutResult

	txf := func(tx *redis.Tx) error {
		currentETag, err := tx.HGet(ctx, key, "etag").Result()
		exists := true
		if err == redis.Nil {
			exists = false
		} else if err != nil {
			return fmt.Errorf("redisstore: put: %w", err)
		}

		if opts.IfNoneMatch == "*" && exists {
			return store.ErrPreconditionFailed
		}
		if opts.IfMatch != "" {
			if !exists || currentETag != opts.IfMatch {
				return store.ErrPreconditionFailed
			}
		}

		var oldTags store.Tags
		if exists {
			oldTagsJSON, err := tx.HGet(ctx, key, "tags").Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("redisstore: put: %w", err)
			}
			if oldTagsJSON != "" {
				_ = json.Unmarshal([]byte(oldTagsJSON), &oldTags)
			}
		}

		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("redisstore: put: %w", err)
		}

		etag, err := tx.Incr(ctx, etagSeqKey(container)).Result()
		if err != nil {
			return fmt.Errorf("redisstore: put: %w", err)
		}
		result.ETag = fmt.Sprintf("%d", etag)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "bytes", bytes, "etag", result.ETag, "tags", tagsJSON)
			pipe.SAdd(ctx, namesKey(container), name)
			for field, v := range oldTags {
				pipe.ZRem(ctx, tagZKey(container, field), member(v, name))
			}
			for field, v := range tags {
				pipe.ZAdd(ctx, tagZKey(container, field), redis.Z{Score: 0, Member: member(v, name)})
				pipe.SAdd(ctx, fieldsKey(container), field)
			}
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, key)
	if err == store.ErrPreconditionFailed {
		return store.PutResult{}, store.ErrPreconditionFailed
	}
	if err != nil {
		return store.PutResult{}, fmt.Errorf("redisstore: put: %w", err)
	}
	return result, nil
}

func (s *Store) Get(ctx context.Context, container, name string) (store.GetResult, error) {
	key := objKey(container, name)
	res, err := s.rdb.HMGet(ctx, key, "bytes", "etag").Result()
	if err != nil {
		return store.GetResult{}, fmt.Errorf("redisstore: get: %w", err)
	}
	if res[0] == nil || res[1] == nil {
		return store.GetResult{}, store.ErrNotFound
	}
	bytesStr, _ := res[0].(string)
	etag, _ := res[1].(string)
	return store.GetResult{Bytes: []byte(bytesStr), ETag: etag}, nil
}

func (s *Store) Exists(ctx context.Context, container, name string) (bool, error) {
	n, err := s.rdb.Exists(ctx, objKey(container, name)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, container, name string) error {
	key := objKey(container, name)
	tagsJSON, err := s.rdb.HGet(ctx, key, "tags").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redisstore: delete: %w", err)
	}
	var tags store.Tags
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &tags)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, namesKey(container), name)
		for field, v := range tags {
			pipe.ZRem(ctx, tagZKey(container, field), member(v, name))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: delete: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, container string, opts store.ListOptions) ([]store.Item, error) {
	names, err := s.rdb.SMembers(ctx, namesKey(container)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list: %w", err)
	}
	var filtered []string
	for _, n := range names {
		if opts.Prefix == "" || strings.HasPrefix(n, opts.Prefix) {
			filtered = append(filtered, n)
		}
	}
	sort.Strings(filtered)
	items := make([]store.Item, len(filtered))
	for i, n := range filtered {
		items[i] = store.Item{Name: n}
	}
	return items, nil
}

// FindByTags evaluates the tag-filter grammar as one ZRANGEBYLEX per
// atom against that field's sorted set, then intersects the per-atom
// name sets in process.
func (s *Store) FindByTags(ctx context.Context, container, expr string) ([]store.Item, error) {
	atoms, err := store.ParseFilterExpr(expr)
	if err != nil {
		return nil, fmt.Errorf("redisstore: %w", err)
	}
	if len(atoms) == 0 {
		return s.List(ctx, container, store.ListOptions{})
	}

	var intersection map[string]struct{}
	for _, atom := range atoms {
		lo, hi := lexBounds(atom)
		members, err := s.rdb.ZRangeByLex(ctx, tagZKey(container, atom.Field), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: findbytags: %w", err)
		}
		names := make(map[string]struct{}, len(members))
		for _, m := range members {
			if _, name, ok := splitMember(m); ok {
				names[name] = struct{}{}
			}
		}
		if intersection == nil {
			intersection = names
			continue
		}
		for name := range intersection {
			if _, ok := names[name]; !ok {
				delete(intersection, name)
			}
		}
	}

	result := make([]string, 0, len(intersection))
	for name := range intersection {
		result = append(result, name)
	}
	sort.Strings(result)
	items := make([]store.Item, len(result))
	for i, n := range result {
		items[i] = store.Item{Name: n}
	}
	return items, nil
}

// lexBounds translates a filter atom into a ZRANGEBYLEX [min, max] pair
// over members of the form "value\x00name". A trailing \x00 lower-bounds
// a value inclusively; a trailing \x01 upper-bounds it exclusively of
// anything greater, since \x00 < \x01 and neither appears in an encoded
// tag value.
func lexBounds(a store.FilterAtom) (lo, hi string) {
	switch a.Op {
	case store.FilterEQ:
		return "[" + a.Value + loBound, "(" + a.Value + hiBound
	case store.FilterGT:
		return "(" + a.Value + hiBound, "+"
	case store.FilterGTE:
		return "[" + a.Value + loBound, "+"
	case store.FilterLT:
		return "-", "(" + a.Value + loBound
	case store.FilterLTE:
		return "-", "(" + a.Value + hiBound
	case store.FilterBetween:
		return "[" + a.Value + loBound, "(" + a.Value2 + hiBound
	default:
		return "-", "+"
	}
}

func (s *Store) DropContainer(ctx context.Context, container string) error {
	fields, err := s.rdb.SMembers(ctx, fieldsKey(container)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: dropcontainer: %w", err)
	}
	names, err := s.rdb.SMembers(ctx, namesKey(container)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: dropcontainer: %w", err)
	}

	keys := []string{namesKey(container), fieldsKey(container), etagSeqKey(container)}
	for _, f := range fields {
		keys = append(keys, tagZKey(container, f))
	}
	for _, n := range names {
		keys = append(keys, objKey(container, n))
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Unlink(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redisstore: dropcontainer: %w", err)
	}
	if err := s.rdb.SRem(ctx, containersKey, container).Err(); err != nil {
		return fmt.Errorf("redisstore: dropcontainer: %w", err)
	}
	return nil
}

func (s *Store) ListContainers(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, containersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: listcontainers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
