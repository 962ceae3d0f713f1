package store

import "testing"

func TestBuildThenParseRoundTrip(t *testing.T) {
	atoms := []FilterAtom{
		{Field: "age", Op: FilterGTE, Value: "030"},
		{Field: "city", Op: FilterEQ, Value: "NYC"},
		{Field: "score", Op: FilterBetween, Value: "010", Value2: "020"},
	}
	expr := BuildFilterExpr(atoms)
	got, err := ParseFilterExpr(expr)
	if err != nil {
		t.Fatalf("ParseFilterExpr(%q): %v", expr, err)
	}
	if len(got) != len(atoms) {
		t.Fatalf("expected %d atoms, got %d: %v", len(atoms), len(got), got)
	}
	for i := range atoms {
		if got[i] != atoms[i] {
			t.Errorf("atom %d: got %+v, want %+v", i, got[i], atoms[i])
		}
	}
}

func TestParseFilterExprHandlesDoubledQuotes(t *testing.T) {
	expr := BuildFilterExpr([]FilterAtom{{Field: "note", Op: FilterEQ, Value: "it's here"}})
	atoms, err := ParseFilterExpr(expr)
	if err != nil {
		t.Fatalf("ParseFilterExpr: %v", err)
	}
	if atoms[0].Value != "it's here" {
		t.Fatalf("expected quote to round-trip, got %q", atoms[0].Value)
	}
}

func TestParseFilterExprBetweenDoesNotConfuseOuterAnd(t *testing.T) {
	expr := `"age" BETWEEN '010' AND '020' AND "city" = 'NYC'`
	atoms, err := ParseFilterExpr(expr)
	if err != nil {
		t.Fatalf("ParseFilterExpr: %v", err)
	}
	if len(atoms) != 2 {
		t.Fatalf("expected 2 atoms, got %d: %v", len(atoms), atoms)
	}
	if atoms[0].Op != FilterBetween || atoms[0].Value != "010" || atoms[0].Value2 != "020" {
		t.Fatalf("unexpected first atom: %+v", atoms[0])
	}
	if atoms[1].Field != "city" || atoms[1].Value != "NYC" {
		t.Fatalf("unexpected second atom: %+v", atoms[1])
	}
}

func TestMatchesTagsEvaluatesAllAtomsConjunctively(t *testing.T) {
	tags := Tags{"age": "030", "city": "NYC"}
	atoms := []FilterAtom{
		{Field: "age", Op: FilterGTE, Value: "030"},
		{Field: "city", Op: FilterEQ, Value: "NYC"},
	}
	if !MatchesTags(tags, atoms) {
		t.Fatalf("expected tags to match all atoms")
	}
	atoms[1].Value = "LA"
	if MatchesTags(tags, atoms) {
		t.Fatalf("expected mismatch on city to fail the conjunction")
	}
}

func TestMatchesTagsFailsOnMissingField(t *testing.T) {
	tags := Tags{"age": "030"}
	atoms := []FilterAtom{{Field: "city", Op: FilterEQ, Value: "NYC"}}
	if MatchesTags(tags, atoms) {
		t.Fatalf("expected missing tag field to fail the match")
	}
}
