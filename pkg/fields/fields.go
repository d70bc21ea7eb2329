// Package fields implements the structured-field codec: front-matter keys of
// the form RELATED[type] / RELATED[n:type] holding contact-ref values, plus
// the general key[index:subtype].subkey grammar those keys follow.
package fields

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/solvberg/kinsync/pkg/graph"
	"github.com/solvberg/kinsync/pkg/rel"
)

// RelatedField is the field name carrying relationships.
const RelatedField = "RELATED"

// Key is a parsed structured-field key. The grammar is
// key[index:subtype].subkey with index and subtype each optional; a bracket
// without a colon is a subtype only.
type Key struct {
	Name    string
	Index   int // -1 when absent
	Subtype string
	Subkey  string
}

var keyPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*)(?:\[(?:(\d+):)?([A-Za-z]*)\])?(?:\.([A-Za-z0-9.-]+))?$`)

// ParseKey parses a structured-field key.
func ParseKey(s string) (Key, error) {
	m := keyPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Key{}, fmt.Errorf("malformed field key %q", s)
	}
	k := Key{Name: m[1], Index: -1, Subtype: m[3], Subkey: m[4]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return Key{}, fmt.Errorf("malformed index in field key %q", s)
		}
		k.Index = n
	}
	return k, nil
}

// String renders the key back in grammar form.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Name)
	if k.Index >= 0 || k.Subtype != "" {
		b.WriteByte('[')
		if k.Index >= 0 {
			b.WriteString(strconv.Itoa(k.Index))
			b.WriteByte(':')
		}
		b.WriteString(k.Subtype)
		b.WriteByte(']')
	}
	if k.Subkey != "" {
		b.WriteByte('.')
		b.WriteString(k.Subkey)
	}
	return b.String()
}

// Relation is one parsed relationship: canonical type plus the target ref
// from the value grammar.
type Relation struct {
	Type   rel.Type
	Target graph.ContactRef
}

// ParseRelated extracts relationships from a structured-field map. Parsing is
// best-effort: blank values, unknown relationship types, and malformed keys
// or values are dropped, never fatal.
func ParseRelated(fm map[string]string) []Relation {
	var out []Relation
	for rawKey, rawVal := range fm {
		key, err := ParseKey(rawKey)
		if err != nil || !strings.EqualFold(key.Name, RelatedField) {
			continue
		}
		if strings.TrimSpace(rawVal) == "" {
			continue
		}
		typ, _, ok := rel.Canonicalize(key.Subtype)
		if !ok {
			continue
		}
		ref, err := graph.ParseRef(rawVal)
		if err != nil {
			continue
		}
		out = append(out, Relation{Type: typ, Target: ref})
	}
	return out
}

// RenderRelated renders relationships as structured-field keys. The first
// relationship of a type gets RELATED[type]; subsequent ones RELATED[1:type],
// RELATED[2:type], and so on. The display function supplies the target's
// display name for the fixed sort order (type asc, then display name asc,
// case-insensitive); nil falls back to the ref value.
func RenderRelated(rels []Relation, display func(graph.ContactRef) string) map[string]string {
	if display == nil {
		display = func(r graph.ContactRef) string { return r.Value }
	}
	sorted := SortRelations(rels, display)

	out := make(map[string]string, len(sorted))
	counts := make(map[rel.Type]int)
	for _, r := range sorted {
		key := Key{Name: RelatedField, Index: -1, Subtype: string(r.Type)}
		if n := counts[r.Type]; n > 0 {
			key.Index = n
		}
		counts[r.Type]++
		out[key.String()] = r.Target.String()
	}
	return out
}

// Apply replaces the RELATED fields of a structured-field map with the
// rendered relationships, preserving every other field.
func Apply(fm map[string]string, rels []Relation, display func(graph.ContactRef) string) map[string]string {
	out := make(map[string]string, len(fm))
	for k, v := range fm {
		if key, err := ParseKey(k); err == nil && strings.EqualFold(key.Name, RelatedField) {
			continue
		}
		out[k] = v
	}
	for k, v := range RenderRelated(rels, display) {
		out[k] = v
	}
	return out
}

// SortRelations returns a copy sorted by the codec's fixed order: canonical
// type ascending, then target display name ascending, case-insensitive.
// Exact duplicates collapse.
func SortRelations(rels []Relation, display func(graph.ContactRef) string) []Relation {
	if display == nil {
		display = func(r graph.ContactRef) string { return r.Value }
	}
	seen := make(map[string]struct{}, len(rels))
	out := make([]Relation, 0, len(rels))
	for _, r := range rels {
		k := string(r.Type) + "\x00" + r.Target.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		a := strings.ToLower(display(out[i].Target))
		b := strings.ToLower(display(out[j].Target))
		if a != b {
			return a < b
		}
		return out[i].Target.Key() < out[j].Target.Key()
	})
	return out
}
