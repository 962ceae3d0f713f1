// Package catalog owns the lifecycle of a collection's index metadata:
// the single `__collection_indexes` blob that records which fields are
// projected as blob tags and which of those are enforced unique, mutated
// under entity-tag compare-and-swap with bounded exponential-backoff
// retry.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/goshops-com/stormidb/config"
	"github.com/goshops-com/stormidb/logger"
	"github.com/goshops-com/stormidb/store"
	"github.com/goshops-com/stormidb/stormerr"
)

// BlobName is the well-known name of a collection's index metadata
// object, reserved from ordinary document use.
const BlobName = "__collection_indexes"

// IndexEntry is one compound or single-field index definition.
type IndexEntry struct {
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
}

// IndexDefinition is a collection's index catalog. ETag is runtime-only
// bookkeeping carried out-of-band from the persisted payload, never
// marshaled.
type IndexDefinition struct {
	IndexedFields []string              `json:"indexedFields"`
	UniqueFields  []string              `json:"uniqueFields"`
	Indexes       map[string]IndexEntry `json:"indexes"`
	ETag          string                `json:"-"`
}

func empty() *IndexDefinition {
	return &IndexDefinition{Indexes: make(map[string]IndexEntry)}
}

// Clone returns a deep copy, safe for a caller to mutate (e.g. engine's
// CreateIndex backfill preview) without disturbing the catalog's cache.
func (d *IndexDefinition) Clone() *IndexDefinition {
	return d.clone()
}

func (d *IndexDefinition) clone() *IndexDefinition {
	c := &IndexDefinition{
		IndexedFields: append([]string(nil), d.IndexedFields...),
		UniqueFields:  append([]string(nil), d.UniqueFields...),
		Indexes:       make(map[string]IndexEntry, len(d.Indexes)),
		ETag:          d.ETag,
	}
	for k, v := range d.Indexes {
		c.Indexes[k] = v
	}
	return c
}

// IsIndexed reports whether field is a member of IndexedFields.
func (d *IndexDefinition) IsIndexed(field string) bool {
	for _, f := range d.IndexedFields {
		if f == field {
			return true
		}
	}
	return false
}

// IsUnique reports whether field is a member of UniqueFields.
func (d *IndexDefinition) IsUnique(field string) bool {
	for _, f := range d.UniqueFields {
		if f == field {
			return true
		}
	}
	return false
}

// Catalog serves IndexDefinitions backed by an ObjectStore, caching one
// per collection in process memory. The cache is a map owned by this
// Catalog, keyed by collection name; its entries are evicted on
// DropCollection.
type Catalog struct {
	store store.ObjectStore
	cfg   *config.EngineConfig
	log   *logger.Logger

	mu    sync.Mutex
	cache map[string]*IndexDefinition
}

// New constructs a Catalog over the given storage substrate.
func New(objStore store.ObjectStore, cfg *config.EngineConfig, log *logger.Logger) *Catalog {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Default
	}
	return &Catalog{store: objStore, cfg: cfg, log: log, cache: make(map[string]*IndexDefinition)}
}

// Load returns a collection's catalog, preferring the in-process cache.
// A collection with no catalog blob yet (404) yields an empty,
// unversioned definition rather than an error.
func (c *Catalog) Load(ctx context.Context, collection string) (*IndexDefinition, error) {
	c.mu.Lock()
	if cached, ok := c.cache[collection]; ok {
		c.mu.Unlock()
		return cached.clone(), nil
	}
	c.mu.Unlock()
	return c.loadFresh(ctx, collection)
}

// loadFresh always fetches from the store, bypassing the cache, and
// refreshes the cache with what it finds. Used by each attempt of the
// CreateIndex retry loop, which must reload the latest committed state
// before reapplying its mutation.
func (c *Catalog) loadFresh(ctx context.Context, collection string) (*IndexDefinition, error) {
	res, err := c.store.Get(ctx, collection, BlobName)
	if errors.Is(err, store.ErrNotFound) {
		def := empty()
		c.setCache(collection, def)
		return def.clone(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load %s: %w", collection, err)
	}
	var def IndexDefinition
	if err := json.Unmarshal(res.Bytes, &def); err != nil {
		return nil, fmt.Errorf("catalog: load %s: malformed catalog blob: %w", collection, err)
	}
	if def.Indexes == nil {
		def.Indexes = make(map[string]IndexEntry)
	}
	def.ETag = res.ETag
	c.setCache(collection, &def)
	return def.clone(), nil
}

func (c *Catalog) setCache(collection string, def *IndexDefinition) {
	c.mu.Lock()
	c.cache[collection] = def.clone()
	c.mu.Unlock()
}

func (c *Catalog) invalidate(collection string) {
	c.mu.Lock()
	delete(c.cache, collection)
	c.mu.Unlock()
}

// Evict drops a collection's cached catalog, called on DropCollection.
func (c *Catalog) Evict(collection string) {
	c.invalidate(collection)
}

type catalogPayload struct {
	IndexedFields []string              `json:"indexedFields"`
	UniqueFields  []string              `json:"uniqueFields"`
	Indexes       map[string]IndexEntry `json:"indexes"`
}

// Save persists def with conditional-write semantics: If-Match when the
// definition carries an ETag (an update to an existing blob), else
// If-None-Match: * (first write). On precondition failure the cache is
// invalidated and stormerr.ErrConflict is returned so the caller can
// reload and retry.
func (c *Catalog) Save(ctx context.Context, collection string, def *IndexDefinition) error {
	payload := catalogPayload{IndexedFields: def.IndexedFields, UniqueFields: def.UniqueFields, Indexes: def.Indexes}
	bytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("catalog: save %s: %w", collection, err)
	}

	opts := store.PutOptions{}
	if def.ETag != "" {
		opts.IfMatch = def.ETag
	} else {
		opts.IfNoneMatch = "*"
	}

	res, err := c.store.Put(ctx, collection, BlobName, bytes, nil, opts)
	if errors.Is(err, store.ErrPreconditionFailed) {
		c.invalidate(collection)
		return stormerr.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("catalog: save %s: %w", collection, err)
	}
	def.ETag = res.ETag
	c.setCache(collection, def)
	return nil
}

// CreateIndex idempotently adds or updates a single or compound index,
// retrying on catalog CAS conflicts with bounded exponential backoff.
// The tag-count cap is checked before every write attempt and, if it
// would be exceeded, fails immediately without retrying.
func (c *Catalog) CreateIndex(ctx context.Context, collection string, fields []string, unique bool) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: createIndex requires at least one field", stormerr.ErrValidation)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialRetryDelay
	bo.MaxInterval = c.cfg.MaxRetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		def, err := c.loadFresh(ctx, collection)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := ApplyIndexMutation(def, fields, unique, c.cfg.MaxIndexedFields); err != nil {
			return backoff.Permanent(err)
		}
		err = c.Save(ctx, collection, def)
		if errors.Is(err, stormerr.ErrConflict) {
			c.log.Warnf("catalog: conflict creating index %s on %s, retrying", strings.Join(fields, "_"), collection)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}

// ApplyIndexMutation mutates def in place to reflect the desired index,
// applying the same transformation whether this is the first application,
// a retry replaying it against a freshly reloaded catalog, or a caller
// (engine's CreateIndex) previewing the post-mutation field set before
// committing it, to backfill existing documents' tags first.
func ApplyIndexMutation(def *IndexDefinition, fields []string, unique bool, cap int) error {
	key := strings.Join(fields, "_")

	merged := append([]string(nil), def.IndexedFields...)
	for _, f := range fields {
		if !contains(merged, f) {
			merged = append(merged, f)
		}
	}
	if len(merged) > cap {
		return fmt.Errorf("%w: %d indexed fields would exceed the limit of %d", stormerr.ErrTagCapExceeded, len(merged), cap)
	}
	def.IndexedFields = merged

	if unique && len(fields) == 1 {
		if !contains(def.UniqueFields, fields[0]) {
			def.UniqueFields = append(def.UniqueFields, fields[0])
		}
	}

	def.Indexes[key] = IndexEntry{Fields: append([]string(nil), fields...), Unique: unique}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// VerifyHealth checks a collection's catalog against its own invariants:
// every unique field is indexed, and the indexed-field count is within
// the cardinality cap. It never mutates state; it is a diagnostic, not a
// repair tool.
func (c *Catalog) VerifyHealth(ctx context.Context, collection string) error {
	def, err := c.loadFresh(ctx, collection)
	if err != nil {
		return err
	}
	for _, f := range def.UniqueFields {
		if !def.IsIndexed(f) {
			return fmt.Errorf("catalog: %s: unique field %q is not indexed", collection, f)
		}
	}
	if len(def.IndexedFields) > c.cfg.MaxIndexedFields {
		return fmt.Errorf("catalog: %s: %d indexed fields exceeds cap %d", collection, len(def.IndexedFields), c.cfg.MaxIndexedFields)
	}
	return nil
}
