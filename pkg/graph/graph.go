// Package graph holds the in-memory directed multigraph of contacts and
// their typed relationships. It is a pure data structure: the engine owns
// serialization, the vault owns persistence.
package graph

import (
	"errors"
	"sort"
	"strings"

	gonumgraph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/solvberg/kinsync/pkg/rel"
)

// ErrUnknownContact is returned by mutating operations that reference a
// contact not present in the graph. Such operations never create floating
// edges.
var ErrUnknownContact = errors.New("unknown contact")

// ContactNode is a contact in the graph. Placeholders carry a name-kind ref
// and no document.
type ContactNode struct {
	Ref         ContactRef
	DisplayName string
	Gender      rel.Gender
	Doc         string // vault document path, empty for placeholders
}

// Edge is one typed, directed relationship. Duplicate triples collapse.
type Edge struct {
	Source ContactRef
	Target ContactRef
	Type   rel.Type
}

// Graph is the relationship multigraph. Topology lives in a gonum directed
// graph, which drives all edge iteration and the component queries; the set
// of types per node pair lives alongside it so two edges of different types
// between the same contacts coexist.
//
// Not safe for unsynchronized concurrent mutation.
type Graph struct {
	g      *simple.DirectedGraph
	ids    map[string]int64 // ref key -> gonum node id
	refs   map[int64]ContactRef
	nodes  map[string]*ContactNode
	types  map[int64]map[int64]map[rel.Type]struct{}
	nextID int64
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		g:     simple.NewDirectedGraph(),
		ids:   make(map[string]int64),
		refs:  make(map[int64]ContactRef),
		nodes: make(map[string]*ContactNode),
		types: make(map[int64]map[int64]map[rel.Type]struct{}),
	}
}

// AddContact inserts or updates a contact. Updates keep existing data when
// the incoming node leaves a field empty, so a placeholder upgrade never
// erases what is already known.
func (gr *Graph) AddContact(node ContactNode) {
	key := node.Ref.Key()
	existing, ok := gr.nodes[key]
	if !ok {
		id := gr.nextID
		gr.nextID++
		gr.g.AddNode(simple.Node(id))
		gr.ids[key] = id
		gr.refs[id] = node.Ref
		copied := node
		gr.nodes[key] = &copied
		return
	}
	if node.DisplayName != "" {
		existing.DisplayName = node.DisplayName
	}
	if node.Gender != rel.GenderUnknown {
		existing.Gender = node.Gender
	}
	if node.Doc != "" {
		existing.Doc = node.Doc
	}
}

// Resolve returns the contact for a ref.
func (gr *Graph) Resolve(ref ContactRef) (*ContactNode, bool) {
	n, ok := gr.nodes[ref.Key()]
	return n, ok
}

// Contacts returns all contacts, sorted by display name then ref for
// deterministic iteration.
func (gr *Graph) Contacts() []*ContactNode {
	out := make([]*ContactNode, 0, len(gr.nodes))
	for _, n := range gr.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a != b {
			return a < b
		}
		return out[i].Ref.Key() < out[j].Ref.Key()
	})
	return out
}

// UpsertEdge adds the triple (source, target, typ). Re-adding an existing
// triple is a no-op; the bool reports whether the graph changed. Both
// endpoints must already be contacts.
func (gr *Graph) UpsertEdge(source, target ContactRef, typ rel.Type) (bool, error) {
	if !rel.IsValid(typ) {
		return false, errors.New("invalid relationship type " + string(typ))
	}
	sid, ok := gr.ids[source.Key()]
	if !ok {
		return false, ErrUnknownContact
	}
	tid, ok := gr.ids[target.Key()]
	if !ok {
		return false, ErrUnknownContact
	}
	if sid == tid {
		// Self-relationships are meaningless and would confuse gonum.
		return false, nil
	}

	pair := gr.types[sid]
	if pair == nil {
		pair = make(map[int64]map[rel.Type]struct{})
		gr.types[sid] = pair
	}
	set := pair[tid]
	if set == nil {
		set = make(map[rel.Type]struct{})
		pair[tid] = set
	}
	if _, exists := set[typ]; exists {
		return false, nil
	}
	set[typ] = struct{}{}

	if !gr.g.HasEdgeFromTo(sid, tid) {
		gr.g.SetEdge(gr.g.NewEdge(gr.g.Node(sid), gr.g.Node(tid)))
	}
	return true, nil
}

// RemoveEdge deletes one triple. Removing a triple that is not present is a
// no-op; unknown endpoints are an error.
func (gr *Graph) RemoveEdge(source, target ContactRef, typ rel.Type) error {
	sid, ok := gr.ids[source.Key()]
	if !ok {
		return ErrUnknownContact
	}
	tid, ok := gr.ids[target.Key()]
	if !ok {
		return ErrUnknownContact
	}
	set := gr.types[sid][tid]
	if set == nil {
		return nil
	}
	delete(set, typ)
	if len(set) == 0 {
		delete(gr.types[sid], tid)
		gr.g.RemoveEdge(sid, tid)
	}
	return nil
}

// HasEdge reports whether the exact triple exists.
func (gr *Graph) HasEdge(source, target ContactRef, typ rel.Type) bool {
	sid, ok := gr.ids[source.Key()]
	if !ok {
		return false
	}
	tid, ok := gr.ids[target.Key()]
	if !ok {
		return false
	}
	if !gr.g.HasEdgeFromTo(sid, tid) {
		return false
	}
	_, exists := gr.types[sid][tid][typ]
	return exists
}

// EdgesFrom returns all outgoing edges of a contact, sorted by type then
// target display name (case-insensitive).
func (gr *Graph) EdgesFrom(ref ContactRef) []Edge {
	sid, ok := gr.ids[ref.Key()]
	if !ok {
		return nil
	}
	var out []Edge
	to := gr.g.From(sid)
	for to.Next() {
		tid := to.Node().ID()
		for typ := range gr.types[sid][tid] {
			out = append(out, Edge{Source: gr.refs[sid], Target: gr.refs[tid], Type: typ})
		}
	}
	gr.sortEdges(out)
	return out
}

// Edges returns every edge in the graph, sorted by source, type, target.
func (gr *Graph) Edges() []Edge {
	var out []Edge
	it := gr.g.Edges()
	for it.Next() {
		e := it.Edge()
		sid, tid := e.From().ID(), e.To().ID()
		for typ := range gr.types[sid][tid] {
			out = append(out, Edge{Source: gr.refs[sid], Target: gr.refs[tid], Type: typ})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Source.Equal(out[j].Source) {
			return out[i].Source.Key() < out[j].Source.Key()
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return strings.ToLower(gr.displayOf(out[i].Target)) < strings.ToLower(gr.displayOf(out[j].Target))
	})
	return out
}

// Components returns the connected groups of contacts, treating edges as
// undirected (a family cluster is connected no matter which side declared
// the relationship). Contacts within a group are sorted by display name;
// groups are ordered largest first, then by their first member.
func (gr *Graph) Components() [][]ContactRef {
	var out [][]ContactRef
	for _, comp := range topo.ConnectedComponents(gonumgraph.Undirect{G: gr.g}) {
		refs := make([]ContactRef, 0, len(comp))
		for _, n := range comp {
			refs = append(refs, gr.refs[n.ID()])
		}
		sort.Slice(refs, func(i, j int) bool {
			a, b := strings.ToLower(gr.displayOf(refs[i])), strings.ToLower(gr.displayOf(refs[j]))
			if a != b {
				return a < b
			}
			return refs[i].Key() < refs[j].Key()
		})
		out = append(out, refs)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0].Key() < out[j][0].Key()
	})
	return out
}

// Rekey moves a contact from oldRef to newRef, carrying every incident edge.
// Used when a name placeholder becomes resolvable. If newRef already exists
// the two nodes merge: edges union, known fields win over empty ones.
func (gr *Graph) Rekey(oldRef, newRef ContactRef) error {
	oldKey, newKey := oldRef.Key(), newRef.Key()
	if oldKey == newKey {
		return nil
	}
	oldID, ok := gr.ids[oldKey]
	if !ok {
		return ErrUnknownContact
	}
	oldNode := gr.nodes[oldKey]

	if _, exists := gr.ids[newKey]; !exists {
		// Simple rename: same gonum id, new key.
		delete(gr.ids, oldKey)
		delete(gr.nodes, oldKey)
		gr.ids[newKey] = oldID
		gr.refs[oldID] = newRef
		oldNode.Ref = newRef
		gr.nodes[newKey] = oldNode
		return nil
	}

	newID := gr.ids[newKey]
	newNode := gr.nodes[newKey]

	// Merge node data: anything the surviving node is missing comes from the
	// placeholder.
	if newNode.DisplayName == "" {
		newNode.DisplayName = oldNode.DisplayName
	}
	if newNode.Gender == rel.GenderUnknown {
		newNode.Gender = oldNode.Gender
	}
	if newNode.Doc == "" {
		newNode.Doc = oldNode.Doc
	}

	// Move outgoing edges.
	for tid, set := range gr.types[oldID] {
		for typ := range set {
			target := gr.refs[tid]
			if tid == newID {
				continue // would become a self-edge
			}
			if _, err := gr.UpsertEdge(newRef, target, typ); err != nil {
				return err
			}
		}
	}
	// Move incoming edges.
	for sid, pair := range gr.types {
		if sid == oldID {
			continue
		}
		set, ok := pair[oldID]
		if !ok {
			continue
		}
		if sid != newID {
			for typ := range set {
				if _, err := gr.UpsertEdge(gr.refs[sid], newRef, typ); err != nil {
					return err
				}
			}
		}
		delete(pair, oldID)
		gr.g.RemoveEdge(sid, oldID)
	}

	delete(gr.types, oldID)
	gr.g.RemoveNode(oldID)
	delete(gr.ids, oldKey)
	delete(gr.nodes, oldKey)
	delete(gr.refs, oldID)
	return nil
}

// FindByDisplayName returns the refs of all contacts with the given display
// name (case-insensitive), most specific ref first, then lexical. Multiple
// results mean the name is ambiguous; callers take the first and report.
func (gr *Graph) FindByDisplayName(name string) []ContactRef {
	want := strings.ToLower(strings.TrimSpace(name))
	var out []ContactRef
	for _, n := range gr.nodes {
		if strings.ToLower(n.DisplayName) == want {
			out = append(out, n.Ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind > out[j].Kind
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// DisplayName returns the contact's display name, falling back to the ref
// value for placeholders and unknown refs.
func (gr *Graph) DisplayName(ref ContactRef) string {
	return gr.displayOf(ref)
}

func (gr *Graph) displayOf(ref ContactRef) string {
	if n, ok := gr.nodes[ref.Key()]; ok && n.DisplayName != "" {
		return n.DisplayName
	}
	return ref.Value
}

func (gr *Graph) sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Type != edges[j].Type {
			return edges[i].Type < edges[j].Type
		}
		a := strings.ToLower(gr.displayOf(edges[i].Target))
		b := strings.ToLower(gr.displayOf(edges[j].Target))
		if a != b {
			return a < b
		}
		return edges[i].Target.Key() < edges[j].Target.Key()
	})
}
