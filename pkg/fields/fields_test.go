package fields

import (
	"reflect"
	"testing"

	"github.com/solvberg/kinsync/pkg/graph"
	"github.com/solvberg/kinsync/pkg/rel"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in   string
		want Key
	}{
		{"RELATED", Key{Name: "RELATED", Index: -1}},
		{"RELATED[friend]", Key{Name: "RELATED", Index: -1, Subtype: "friend"}},
		{"RELATED[1:friend]", Key{Name: "RELATED", Index: 1, Subtype: "friend"}},
		{"RELATED[12:colleague]", Key{Name: "RELATED", Index: 12, Subtype: "colleague"}},
		{"ADR[home].street", Key{Name: "ADR", Index: -1, Subtype: "home", Subkey: "street"}},
		{"TEL[0:cell].pref", Key{Name: "TEL", Index: 0, Subtype: "cell", Subkey: "pref"}},
		{"UID", Key{Name: "UID", Index: -1}},
	}
	for _, tt := range tests {
		got, err := ParseKey(tt.in)
		if err != nil {
			t.Errorf("ParseKey(%q): %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseKey(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "[friend]", "RELATED[friend", "RELATED]x["} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) should fail", bad)
		}
	}
}

func TestKeyStringRoundTrip(t *testing.T) {
	for _, in := range []string{"RELATED", "RELATED[friend]", "RELATED[2:friend]", "ADR[home].street"} {
		k, err := ParseKey(in)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", in, err)
		}
		if k.String() != in {
			t.Errorf("round trip %q -> %q", in, k.String())
		}
	}
}

func TestParseRelated(t *testing.T) {
	fm := map[string]string{
		"UID":                "urn:uuid:11111111-1111-1111-1111-111111111111",
		"FN":                 "Jane Doe",
		"RELATED[parent]":    "urn:uuid:22222222-2222-2222-2222-222222222222",
		"RELATED[friend]":    "name:Bob",
		"RELATED[1:friend]":  "name:Alice",
		"RELATED[mother]":    "name:Carol", // gendered synonym canonicalizes
		"RELATED[frenemy]":   "name:Eve",   // unknown type dropped
		"RELATED[colleague]": "  ",         // blank value dropped
		"RELATED[boss]":      "bogus",      // malformed value dropped
	}

	rels := ParseRelated(fm)
	byType := map[rel.Type]int{}
	for _, r := range rels {
		byType[r.Type]++
	}
	if byType[rel.Parent] != 2 { // parent + mother
		t.Errorf("parent count = %d, want 2", byType[rel.Parent])
	}
	if byType[rel.Friend] != 2 {
		t.Errorf("friend count = %d, want 2", byType[rel.Friend])
	}
	if byType[rel.Colleague] != 0 || byType[rel.Boss] != 0 {
		t.Errorf("blank/malformed entries should be dropped: %v", byType)
	}
	if len(rels) != 4 {
		t.Errorf("total relations = %d, want 4", len(rels))
	}
}

func TestParseRelatedBlankIndexed(t *testing.T) {
	// Scenario: a blank RELATED[friend] next to a populated RELATED[1:friend]
	// keeps exactly one friend edge.
	fm := map[string]string{
		"RELATED[friend]":   "",
		"RELATED[1:friend]": "name:Bob",
	}
	rels := ParseRelated(fm)
	if len(rels) != 1 {
		t.Fatalf("expected exactly 1 relation, got %d", len(rels))
	}
	if rels[0].Type != rel.Friend || rels[0].Target.Value != "Bob" {
		t.Errorf("unexpected relation %+v", rels[0])
	}
}

func TestRenderRelatedIndexing(t *testing.T) {
	rels := []Relation{
		{Type: rel.Friend, Target: graph.NameRef("Carol")},
		{Type: rel.Friend, Target: graph.NameRef("Alice")},
		{Type: rel.Friend, Target: graph.NameRef("Bob")},
		{Type: rel.Parent, Target: graph.NameRef("Dan")},
	}

	got := RenderRelated(rels, nil)
	want := map[string]string{
		"RELATED[friend]":   "name:Alice",
		"RELATED[1:friend]": "name:Bob",
		"RELATED[2:friend]": "name:Carol",
		"RELATED[parent]":   "name:Dan",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RenderRelated = %v, want %v", got, want)
	}
}

func TestRoundTripStable(t *testing.T) {
	rels := []Relation{
		{Type: rel.Friend, Target: graph.NameRef("Bob")},
		{Type: rel.Parent, Target: graph.UUIDRef("22222222-2222-2222-2222-222222222222")},
		{Type: rel.Friend, Target: graph.NameRef("Alice")},
	}

	first := RenderRelated(rels, nil)
	second := RenderRelated(ParseRelated(first), nil)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("render(parse(render(x))) != render(x):\n%v\n%v", second, first)
	}

	// And parse(render(S)) is set-equal to S.
	back := SortRelations(ParseRelated(first), nil)
	orig := SortRelations(rels, nil)
	if !reflect.DeepEqual(back, orig) {
		t.Errorf("parse(render(S)) = %v, want %v", back, orig)
	}
}

func TestApplyPreservesOtherFields(t *testing.T) {
	fm := map[string]string{
		"UID":               "uid:x1",
		"FN":                "Jane",
		"GENDER":            "F",
		"RELATED[friend]":   "name:Old",
		"RELATED[1:friend]": "name:Older",
	}
	out := Apply(fm, []Relation{{Type: rel.Friend, Target: graph.NameRef("New")}}, nil)

	if out["UID"] != "uid:x1" || out["FN"] != "Jane" || out["GENDER"] != "F" {
		t.Errorf("non-RELATED fields must be preserved: %v", out)
	}
	if out["RELATED[friend]"] != "name:New" {
		t.Errorf("RELATED not replaced: %v", out)
	}
	if _, stale := out["RELATED[1:friend]"]; stale {
		t.Error("stale RELATED key left behind")
	}
}

func TestSortRelationsDedupes(t *testing.T) {
	bob := graph.NameRef("Bob")
	rels := []Relation{
		{Type: rel.Friend, Target: bob},
		{Type: rel.Friend, Target: bob},
		{Type: rel.Colleague, Target: bob},
	}
	out := SortRelations(rels, nil)
	if len(out) != 2 {
		t.Fatalf("expected 2 after dedupe, got %d", len(out))
	}
	if out[0].Type != rel.Colleague || out[1].Type != rel.Friend {
		t.Errorf("unexpected order: %v", out)
	}
}
