// Package planner implements the query planner and executor: it chooses
// between listing mode, tag-filter mode and full-scan mode, narrows
// partially-indexed predicates with an in-memory residual filter,
// paginates, and is also where the write path's uniqueness probes are
// implemented, since they are just single-field tag-filter queries.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/goshops-com/stormidb/catalog"
	"github.com/goshops-com/stormidb/config"
	"github.com/goshops-com/stormidb/logger"
	"github.com/goshops-com/stormidb/query"
	"github.com/goshops-com/stormidb/store"
	"github.com/goshops-com/stormidb/tagcodec"
)

// systemPrefix marks blobs (like the index catalog) excluded from every
// listing and search.
const systemPrefix = "__"

// Planner executes parsed predicates against a collection.
type Planner struct {
	store store.ObjectStore
	cat   *catalog.Catalog
	cfg   *config.EngineConfig
	log   *logger.Logger
}

// New constructs a Planner.
func New(objStore store.ObjectStore, cat *catalog.Catalog, cfg *config.EngineConfig, log *logger.Logger) *Planner {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Default
	}
	return &Planner{store: objStore, cat: cat, cfg: cfg, log: log}
}

var rangeOps = map[query.Op]store.FilterOp{
	query.GT:  store.FilterGT,
	query.GTE: store.FilterGTE,
	query.LT:  store.FilterLT,
	query.LTE: store.FilterLTE,
}

// encodeAtom translates one structured condition into a tag-filter atom,
// or reports ok=false if the operator or value is not tag-expressible.
// EQ on a unique field may produce a hashed value (tagcodec.EncodeFieldValue);
// ordered comparisons never hash, since a hash discards order.
func encodeAtom(field string, c query.Condition, def *catalog.IndexDefinition, maxLen int) (store.FilterAtom, bool) {
	switch c.Op {
	case query.EQ:
		enc, ok := tagcodec.EncodeFieldValue(c.Value, def.IsUnique(field), maxLen)
		if !ok {
			return store.FilterAtom{}, false
		}
		return store.FilterAtom{Field: field, Op: store.FilterEQ, Value: enc}, true
	case query.GT, query.GTE, query.LT, query.LTE:
		enc, ok := tagcodec.EncodeValue(c.Value)
		if !ok {
			return store.FilterAtom{}, false
		}
		return store.FilterAtom{Field: field, Op: rangeOps[c.Op], Value: enc}, true
	case query.BETWEEN:
		pair, ok := c.Value.([]interface{})
		if !ok || len(pair) != 2 {
			return store.FilterAtom{}, false
		}
		lo, ok1 := tagcodec.EncodeValue(pair[0])
		hi, ok2 := tagcodec.EncodeValue(pair[1])
		if !ok1 || !ok2 {
			return store.FilterAtom{}, false
		}
		return store.FilterAtom{Field: field, Op: store.FilterBetween, Value: lo, Value2: hi}, true
	default:
		// IN/NIN have no tag-filter form: the server dialect lacks
		// disjunction, and $in over hash-encoded tags would require one.
		return store.FilterAtom{}, false
	}
}

// splitPredicate partitions pred into tag-expressible atoms and a
// residual predicate to evaluate in memory: a field contributes atoms
// only when it is indexed and every one of its conditions is
// tag-expressible; otherwise all of that field's conditions fall to the
// residual.
func (p *Planner) splitPredicate(pred query.Predicate, def *catalog.IndexDefinition) ([]store.FilterAtom, query.Predicate) {
	var atoms []store.FilterAtom
	residual := make(query.Predicate)
	for field, conds := range pred {
		if !def.IsIndexed(field) {
			residual[field] = conds
			continue
		}
		fieldAtoms := make([]store.FilterAtom, 0, len(conds))
		allExpressible := true
		for _, c := range conds {
			a, ok := encodeAtom(field, c, def, p.cfg.TagValueMaxLen)
			if !ok {
				allExpressible = false
				break
			}
			fieldAtoms = append(fieldAtoms, a)
		}
		if allExpressible {
			atoms = append(atoms, fieldAtoms...)
		} else {
			residual[field] = conds
		}
	}
	return atoms, residual
}

func itemNames(items []store.Item) []string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	return names
}

// Find executes pred against collection and returns up to limit matching
// documents after skipping offset, in the underlying store's natural
// order. limit <= 0 means unbounded (used by Count).
func (p *Planner) Find(ctx context.Context, collection string, pred query.Predicate, limit, offset int) ([]map[string]interface{}, error) {
	def, err := p.cat.Load(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("planner: find %s: %w", collection, err)
	}

	var names []string
	var residual query.Predicate

	switch {
	case len(pred) == 0:
		items, err := p.store.List(ctx, collection, store.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("planner: find %s: %w", collection, err)
		}
		names = itemNames(items)
	default:
		atoms, res := p.splitPredicate(pred, def)
		if len(atoms) > 0 {
			expr := store.BuildFilterExpr(atoms)
			items, err := p.store.FindByTags(ctx, collection, expr)
			if err != nil {
				return nil, fmt.Errorf("planner: find %s: %w", collection, err)
			}
			names = itemNames(items)
			residual = res
		} else {
			items, err := p.store.List(ctx, collection, store.ListOptions{})
			if err != nil {
				return nil, fmt.Errorf("planner: find %s: %w", collection, err)
			}
			names = itemNames(items)
			residual = pred
		}
	}

	want := -1
	if limit > 0 {
		want = offset + limit
	}

	results := make([]map[string]interface{}, 0)
	for _, name := range names {
		if strings.HasPrefix(name, systemPrefix) {
			continue
		}
		doc, ok := p.fetchAndFilter(ctx, collection, name, residual)
		if !ok {
			continue
		}
		results = append(results, doc)
		if want >= 0 && len(results) >= want {
			break
		}
	}

	if offset > 0 {
		if offset >= len(results) {
			return []map[string]interface{}{}, nil
		}
		results = results[offset:]
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// fetchAndFilter retrieves one candidate and applies the in-memory
// residual, if any. A hit that fails to fetch is dropped rather than
// failing the whole query: a 404 is dropped silently (the document may
// simply have been deleted between the list/search and this fetch), and
// a transient store error or a malformed document is dropped with a log
// line.
func (p *Planner) fetchAndFilter(ctx context.Context, collection, name string, residual query.Predicate) (map[string]interface{}, bool) {
	res, err := p.store.Get(ctx, collection, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		p.log.Warnf("planner: dropping %s/%s: %v", collection, name, err)
		return nil, false
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(res.Bytes, &doc); err != nil {
		p.log.Warnf("planner: dropping %s/%s: malformed document: %v", collection, name, err)
		return nil, false
	}
	if len(residual) > 0 && !query.Evaluate(residual, doc) {
		return nil, false
	}
	return doc, true
}

// Count returns the number of documents matching pred, evaluating the
// same mode-selection pipeline as Find but without pagination.
func (p *Planner) Count(ctx context.Context, collection string, pred query.Predicate) (int, error) {
	docs, err := p.Find(ctx, collection, pred, 0, 0)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// ProbeUnique reports whether any document other than excludeID already
// carries the given encoded value for field: a single tag-filter
// equality probe against the unique field's tag.
func (p *Planner) ProbeUnique(ctx context.Context, collection, field string, value interface{}, excludeID string) (bool, error) {
	enc, ok := tagcodec.EncodeFieldValue(value, true, p.cfg.TagValueMaxLen)
	if !ok {
		return false, nil
	}
	expr := store.BuildFilterExpr([]store.FilterAtom{{Field: field, Op: store.FilterEQ, Value: enc}})
	items, err := p.store.FindByTags(ctx, collection, expr)
	if err != nil {
		return false, fmt.Errorf("planner: probe %s.%s: %w", collection, field, err)
	}
	for _, it := range items {
		if it.Name != excludeID {
			return true, nil
		}
	}
	return false, nil
}
