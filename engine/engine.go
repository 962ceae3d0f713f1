// Package engine wires together the tag codec, query parser, index
// catalog and query planner into the database's public operations:
// create, read, update, delete, find, count, createIndex, dropCollection
// and listCollections. It owns the write path plus the thin orchestration
// layer the other components sit behind.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/goshops-com/stormidb/catalog"
	"github.com/goshops-com/stormidb/config"
	"github.com/goshops-com/stormidb/idgen"
	"github.com/goshops-com/stormidb/logger"
	"github.com/goshops-com/stormidb/planner"
	"github.com/goshops-com/stormidb/query"
	"github.com/goshops-com/stormidb/store"
	"github.com/goshops-com/stormidb/stormerr"
	"github.com/goshops-com/stormidb/tagcodec"
)

// Engine is the query/index core. It is safe for concurrent use by
// multiple goroutines: every call carries its own ctx, and the only
// shared mutable state is the catalog's per-collection cache, which is
// itself internally synchronized.
type Engine struct {
	store   store.ObjectStore
	cat     *catalog.Catalog
	planner *planner.Planner
	idgen   idgen.IDGenerator
	cfg     *config.EngineConfig
	log     *logger.Logger
}

// New constructs an Engine over objStore. A nil idGenerator defaults to
// idgen.UUIDv7{}; a nil cfg defaults to config.Default(); a nil log
// defaults to logger.Default.
func New(objStore store.ObjectStore, idGenerator idgen.IDGenerator, cfg *config.EngineConfig, log *logger.Logger) *Engine {
	if idGenerator == nil {
		idGenerator = idgen.UUIDv7{}
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Default
	}
	cat := catalog.New(objStore, cfg, log)
	return &Engine{
		store:   objStore,
		cat:     cat,
		planner: planner.New(objStore, cat, cfg, log),
		idgen:   idGenerator,
		cfg:     cfg,
		log:     log,
	}
}

// sanitizeCollectionName normalizes a caller-supplied collection name:
// lowercased, stripped to [a-z0-9-], runs of '-' collapsed,
// leading/trailing '-' trimmed, length clamped to [3, 63] padding right
// with 'a' when short and truncating when long.
func sanitizeCollectionName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	collapsed := collapseDashes(b.String())
	trimmed := strings.Trim(collapsed, "-")

	if len(trimmed) > 63 {
		trimmed = trimmed[:63]
	}
	for len(trimmed) < 3 {
		trimmed += "a"
	}
	return trimmed
}

func collapseDashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevDash := false
	for _, r := range s {
		if r == '-' {
			if prevDash {
				continue
			}
			prevDash = true
		} else {
			prevDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// buildTags recomputes the blob-tag projection of doc against def's
// indexed fields: a field missing, nil, or whose value has no tag
// encoding is skipped (with a log line for the latter, since that's a
// configuration smell worth surfacing).
func (e *Engine) buildTags(doc map[string]interface{}, def *catalog.IndexDefinition) store.Tags {
	tags := make(store.Tags, len(def.IndexedFields))
	for _, field := range def.IndexedFields {
		val, present := doc[field]
		if !present || val == nil {
			continue
		}
		enc, ok := tagcodec.EncodeFieldValue(val, def.IsUnique(field), e.cfg.TagValueMaxLen)
		if !ok {
			e.log.Warnf("engine: field %q value has no tag encoding, skipping (%v)", field, stormerr.ErrUnsupported)
			continue
		}
		tags[field] = enc
	}
	return tags
}

func cloneDoc(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// checkUnique probes every unique field present on doc, skipping a field
// whose encoded value is unchanged from skipTags (used by Update to
// avoid needlessly re-probing a field the caller didn't touch).
func (e *Engine) checkUnique(ctx context.Context, collection string, def *catalog.IndexDefinition, doc map[string]interface{}, tags store.Tags, skipTags store.Tags, excludeID string) error {
	for _, field := range def.UniqueFields {
		val, present := doc[field]
		if !present || val == nil {
			continue
		}
		if skipTags != nil && skipTags[field] == tags[field] {
			continue
		}
		conflict, err := e.planner.ProbeUnique(ctx, collection, field, val, excludeID)
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("%w: field %q", stormerr.ErrUniqueViolation, field)
		}
	}
	return nil
}

// Create mints (or accepts) an id, recomputes tags from the collection's
// catalog, enforces uniqueness, and writes the document.
func (e *Engine) Create(ctx context.Context, collection string, data map[string]interface{}, id string) (map[string]interface{}, error) {
	coll := sanitizeCollectionName(collection)
	if err := e.store.EnsureContainer(ctx, coll); err != nil {
		return nil, fmt.Errorf("engine: create %s: %w", coll, err)
	}

	def, err := e.cat.Load(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("engine: create %s: %w", coll, err)
	}

	if id == "" {
		id, err = e.idgen.NewID()
		if err != nil {
			return nil, fmt.Errorf("engine: create %s: mint id: %w", coll, err)
		}
	}

	doc := cloneDoc(data)
	doc["id"] = id
	tags := e.buildTags(doc, def)

	if err := e.checkUnique(ctx, coll, def, doc, tags, nil, ""); err != nil {
		return nil, err
	}

	bytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("engine: create %s: %w", coll, err)
	}
	if _, err := e.store.Put(ctx, coll, id, bytes, tags, store.PutOptions{IfNoneMatch: "*"}); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil, fmt.Errorf("%w: id %q already exists in %s", stormerr.ErrUniqueViolation, id, coll)
		}
		return nil, fmt.Errorf("engine: create %s: %w", coll, err)
	}
	return doc, nil
}

// Read retrieves a document by id.
func (e *Engine) Read(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	coll := sanitizeCollectionName(collection)
	res, err := e.store.Get(ctx, coll, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", stormerr.ErrNotFound, coll, id)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: read %s/%s: %w", coll, id, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(res.Bytes, &doc); err != nil {
		return nil, fmt.Errorf("engine: read %s/%s: malformed document: %w", coll, id, err)
	}
	return doc, nil
}

// Update replaces an existing document wholesale, recomputing tags from
// the current catalog and re-checking uniqueness only for fields whose
// encoded value actually changed.
func (e *Engine) Update(ctx context.Context, collection, id string, data map[string]interface{}) (map[string]interface{}, error) {
	coll := sanitizeCollectionName(collection)

	existingRes, err := e.store.Get(ctx, coll, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", stormerr.ErrNotFound, coll, id)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: update %s/%s: %w", coll, id, err)
	}
	var existing map[string]interface{}
	if err := json.Unmarshal(existingRes.Bytes, &existing); err != nil {
		return nil, fmt.Errorf("engine: update %s/%s: malformed document: %w", coll, id, err)
	}

	def, err := e.cat.Load(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("engine: update %s/%s: %w", coll, id, err)
	}

	doc := cloneDoc(data)
	doc["id"] = id
	newTags := e.buildTags(doc, def)
	oldTags := e.buildTags(existing, def)

	if err := e.checkUnique(ctx, coll, def, doc, newTags, oldTags, id); err != nil {
		return nil, err
	}

	bytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("engine: update %s/%s: %w", coll, id, err)
	}
	if _, err := e.store.Put(ctx, coll, id, bytes, newTags, store.PutOptions{IfMatch: existingRes.ETag}); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil, fmt.Errorf("%w: %s/%s changed concurrently", stormerr.ErrConflict, coll, id)
		}
		return nil, fmt.Errorf("engine: update %s/%s: %w", coll, id, err)
	}
	return doc, nil
}

// Delete idempotently removes a document; deleting an absent id is not
// an error.
func (e *Engine) Delete(ctx context.Context, collection, id string) error {
	coll := sanitizeCollectionName(collection)
	if err := e.store.Delete(ctx, coll, id); err != nil {
		return fmt.Errorf("engine: delete %s/%s: %w", coll, id, err)
	}
	return nil
}

// Find parses rawQuery and returns up to limit matching documents after
// skipping offset. limit <= 0 uses the configured default page size.
func (e *Engine) Find(ctx context.Context, collection string, rawQuery map[string]interface{}, limit, offset int) ([]map[string]interface{}, error) {
	coll := sanitizeCollectionName(collection)
	pred, err := query.Parse(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("engine: find %s: %w", coll, err)
	}
	if limit <= 0 {
		limit = e.cfg.DefaultPageSize
	}
	docs, err := e.planner.Find(ctx, coll, pred, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("engine: find %s: %w", coll, err)
	}
	return docs, nil
}

// Count parses rawQuery and returns the number of matching documents,
// unconstrained by pagination.
func (e *Engine) Count(ctx context.Context, collection string, rawQuery map[string]interface{}) (int, error) {
	coll := sanitizeCollectionName(collection)
	pred, err := query.Parse(rawQuery)
	if err != nil {
		return 0, fmt.Errorf("engine: count %s: %w", coll, err)
	}
	n, err := e.planner.Count(ctx, coll, pred)
	if err != nil {
		return 0, fmt.Errorf("engine: count %s: %w", coll, err)
	}
	return n, nil
}

// CreateIndex adds or updates an index definition. Before committing the
// catalog mutation it backfills every existing document's tags under the
// new field set, then saves the catalog last: the catalog is a
// projection of the documents, not a prerequisite for reading them, so
// it must never become visible before the tags it describes exist.
func (e *Engine) CreateIndex(ctx context.Context, collection string, fields []string, unique bool) error {
	coll := sanitizeCollectionName(collection)
	if err := e.store.EnsureContainer(ctx, coll); err != nil {
		return fmt.Errorf("engine: createIndex %s: %w", coll, err)
	}

	def, err := e.cat.Load(ctx, coll)
	if err != nil {
		return fmt.Errorf("engine: createIndex %s: %w", coll, err)
	}
	preview := def.Clone()
	if err := catalog.ApplyIndexMutation(preview, fields, unique, e.cfg.MaxIndexedFields); err != nil {
		return err
	}

	if err := e.backfillTags(ctx, coll, preview); err != nil {
		return fmt.Errorf("engine: createIndex %s: backfill: %w", coll, err)
	}

	if err := e.cat.CreateIndex(ctx, coll, fields, unique); err != nil {
		return fmt.Errorf("engine: createIndex %s: %w", coll, err)
	}
	return nil
}

// backfillTags retags every existing, non-system document in coll against
// a not-yet-committed catalog definition, so that every indexed field
// with a defined value is tagged as soon as the catalog mutation that
// introduced it is saved. A document that changes concurrently during
// the sweep is logged and left for the next write to retag; backfill is
// best-effort, not transactional.
func (e *Engine) backfillTags(ctx context.Context, coll string, def *catalog.IndexDefinition) error {
	items, err := e.store.List(ctx, coll, store.ListOptions{})
	if err != nil {
		return err
	}
	for _, item := range items {
		if strings.HasPrefix(item.Name, "__") {
			continue
		}
		res, err := e.store.Get(ctx, coll, item.Name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			e.log.Warnf("engine: backfill %s/%s: %v", coll, item.Name, err)
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(res.Bytes, &doc); err != nil {
			e.log.Warnf("engine: backfill %s/%s: malformed document: %v", coll, item.Name, err)
			continue
		}
		tags := e.buildTags(doc, def)
		if _, err := e.store.Put(ctx, coll, item.Name, res.Bytes, tags, store.PutOptions{IfMatch: res.ETag}); err != nil {
			e.log.Warnf("engine: backfill %s/%s: %v", coll, item.Name, err)
		}
	}
	return nil
}

// DropCollection removes every document and the index catalog for a
// collection and evicts it from the catalog cache.
func (e *Engine) DropCollection(ctx context.Context, collection string) error {
	coll := sanitizeCollectionName(collection)
	if err := e.store.DropContainer(ctx, coll); err != nil {
		return fmt.Errorf("engine: dropCollection %s: %w", coll, err)
	}
	e.cat.Evict(coll)
	return nil
}

// ListCollections enumerates known collection (container) names.
func (e *Engine) ListCollections(ctx context.Context) ([]string, error) {
	names, err := e.store.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: listCollections: %w", err)
	}
	return names, nil
}
