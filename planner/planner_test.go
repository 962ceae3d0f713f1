package planner

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/goshops-com/stormidb/catalog"
	"github.com/goshops-com/stormidb/config"
	"github.com/goshops-com/stormidb/query"
	"github.com/goshops-com/stormidb/store"
	"github.com/goshops-com/stormidb/store/memstore"
	"github.com/goshops-com/stormidb/tagcodec"
)

func seed(t *testing.T, ms *memstore.Store, collection, id string, doc map[string]interface{}, tags store.Tags) {
	t.Helper()
	bytes, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := ms.Put(context.Background(), collection, id, bytes, tags, store.PutOptions{IfNoneMatch: "*"}); err != nil {
		t.Fatalf("seed put: %v", err)
	}
}

func names(docs []map[string]interface{}) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d["id"].(string)
	}
	sort.Strings(out)
	return out
}

// TestTagFilterModeMatchesFullScan asserts that, over the same committed
// state, tag-filter mode and full-scan mode return identical result sets
// for an all-indexed, all-expressible predicate.
func TestTagFilterModeMatchesFullScan(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	cfg := config.Default()
	cat := catalog.New(ms, cfg, nil)

	if err := cat.CreateIndex(ctx, "people", []string{"age"}, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	type person struct {
		id  string
		age int
	}
	people := []person{{"p1", 20}, {"p2", 25}, {"p3", 30}, {"p4", 35}, {"p5", 40}}
	for _, p := range people {
		doc := map[string]interface{}{"id": p.id, "age": p.age}
		ageTag, _ := tagcodec.EncodeFieldValue(p.age, false, cfg.TagValueMaxLen)
		seed(t, ms, "people", p.id, doc, store.Tags{"age": ageTag})
	}

	pred, err := query.Parse(map[string]interface{}{"age": map[string]interface{}{"$gte": float64(25), "$lt": float64(40)}})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	p := New(ms, cat, cfg, nil)

	tagFilterDocs, err := p.Find(ctx, "people", pred, 0, 0)
	if err != nil {
		t.Fatalf("tag-filter Find: %v", err)
	}

	// Full-scan oracle: list every document and evaluate pred in memory
	// over each one, which is what full-scan mode does.
	allDocs, err := p.Find(ctx, "people", query.Predicate{}, 0, 0)
	if err != nil {
		t.Fatalf("list Find: %v", err)
	}
	var bruteForce []map[string]interface{}
	for _, d := range allDocs {
		if query.Evaluate(pred, d) {
			bruteForce = append(bruteForce, d)
		}
	}

	got := names(tagFilterDocs)
	want := names(bruteForce)
	if len(got) != len(want) {
		t.Fatalf("tag-filter mode returned %v, full scan oracle returned %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("tag-filter mode returned %v, full scan oracle returned %v", got, want)
		}
	}
}

func TestPartialIndexNarrowsThenFiltersInMemory(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	cfg := config.Default()
	cat := catalog.New(ms, cfg, nil)

	if err := cat.CreateIndex(ctx, "people", []string{"age"}, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	docs := []map[string]interface{}{
		{"id": "a", "age": 30, "prof": "Eng"},
		{"id": "b", "age": 30, "prof": "Sales"},
		{"id": "c", "age": 25, "prof": "Eng"},
	}
	for _, d := range docs {
		ageTag, _ := tagcodec.EncodeFieldValue(d["age"], false, cfg.TagValueMaxLen)
		seed(t, ms, "people", d["id"].(string), d, store.Tags{"age": ageTag})
	}

	pred, err := query.Parse(map[string]interface{}{"age": float64(30), "prof": "Eng"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	p := New(ms, cat, cfg, nil)
	got, err := p.Find(ctx, "people", pred, 0, 0)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 || got[0]["id"] != "a" {
		t.Fatalf("expected only doc a, got %v", got)
	}
}

func TestListingModeExcludesSystemBlobs(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	cfg := config.Default()
	cat := catalog.New(ms, cfg, nil)
	p := New(ms, cat, cfg, nil)

	seed(t, ms, "things", "__collection_indexes", map[string]interface{}{"indexedFields": []string{}}, nil)
	seed(t, ms, "things", "x1", map[string]interface{}{"id": "x1"}, nil)

	docs, err := p.Find(ctx, "things", query.Predicate{}, 0, 0)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(docs) != 1 || docs[0]["id"] != "x1" {
		t.Fatalf("expected only the non-system document, got %v", docs)
	}
}

func TestProbeUniqueExcludesSelf(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	cfg := config.Default()
	cat := catalog.New(ms, cfg, nil)
	p := New(ms, cat, cfg, nil)

	enc, _ := tagcodec.EncodeFieldValue("a@b", true, cfg.TagValueMaxLen)
	seed(t, ms, "users", "u1", map[string]interface{}{"id": "u1", "email": "a@b"}, store.Tags{"email": enc})

	conflict, err := p.ProbeUnique(ctx, "users", "email", "a@b", "u1")
	if err != nil {
		t.Fatalf("ProbeUnique: %v", err)
	}
	if conflict {
		t.Fatalf("expected no conflict when excluding the document's own id")
	}

	conflict, err = p.ProbeUnique(ctx, "users", "email", "a@b", "")
	if err != nil {
		t.Fatalf("ProbeUnique: %v", err)
	}
	if !conflict {
		t.Fatalf("expected a conflict when not excluding any id")
	}
}
