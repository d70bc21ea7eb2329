package engine

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/solvberg/kinsync/pkg/fields"
	"github.com/solvberg/kinsync/pkg/graph"
	"github.com/solvberg/kinsync/pkg/logging"
	"github.com/solvberg/kinsync/pkg/rel"
	"github.com/solvberg/kinsync/pkg/vault"
)

// FindMissingReciprocals reports, for every resolved edge whose type has a
// defined reciprocal, the reciprocal edge that does not exist yet. Edges to
// placeholders are skipped: no reciprocal is attempted until the target's
// document appears.
func (e *Engine) FindMissingReciprocals() []graph.Edge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findMissingLocked(nil)
}

func (e *Engine) findMissingLocked(scope mapset.Set[string]) []graph.Edge {
	var missing []graph.Edge
	for _, edge := range e.graph.Edges() {
		recip, ok := rel.ReciprocalOf(edge.Type)
		if !ok {
			continue
		}
		if edge.Target.IsPlaceholder() {
			continue
		}
		node, ok := e.graph.Resolve(edge.Target)
		if !ok || node.Doc == "" {
			continue
		}
		if scope != nil && !scope.Contains(node.Doc) {
			continue
		}
		if !e.graph.HasEdge(edge.Target, edge.Source, recip) {
			missing = append(missing, graph.Edge{Source: edge.Target, Target: edge.Source, Type: recip})
		}
	}
	return missing
}

// RunConsistencyPass repairs every missing reciprocal in the graph, then
// syncs each affected document exactly once. Running it again with no
// intervening edits repairs and writes nothing.
func (e *Engine) RunConsistencyPass() (repaired, wrote int, err error) {
	return e.repairScoped(nil, depthDefer)
}

// repairTargets is the bounded propagation step after a sync: it repairs
// reciprocals only for documents the sync directly affected, carrying the
// chain depth so fallout past the cap defers to the consistency pass.
func (e *Engine) repairTargets(docs []string, depth int) {
	if _, _, err := e.repairScoped(mapset.NewSet(docs...), depth); err != nil {
		logging.Error("propagation repair failed", "error", err)
	}
}

// repairScoped adds the missing reciprocal edges (all of them, or only those
// landing on documents in scope), then syncs each affected document once.
// The sync merges the document's own relationships too, so a repair never
// overwrites entries the document carries but the graph has not seen yet.
func (e *Engine) repairScoped(scope mapset.Set[string], depth int) (int, int, error) {
	e.mu.Lock()
	missing := e.findMissingLocked(scope)
	affected := mapset.NewSet[string]()
	for _, m := range missing {
		if _, err := e.graph.UpsertEdge(m.Source, m.Target, m.Type); err != nil {
			logging.Error("reciprocal repair rejected", "type", string(m.Type), "error", err)
			continue
		}
		if node, ok := e.graph.Resolve(m.Source); ok && node.Doc != "" {
			affected.Add(node.Doc)
		}
	}
	e.mu.Unlock()

	if len(missing) == 0 {
		return 0, 0, nil
	}
	logging.Info("repairing missing reciprocals", "count", len(missing), "documents", affected.Cardinality())

	// One sync per affected document per pass, never one per edge.
	wrote := 0
	docs := affected.ToSlice()
	sort.Strings(docs)
	for _, doc := range docs {
		w, err := e.syncOnce(doc, depth)
		if err != nil {
			logging.Error("repair sync failed", "doc", doc, "error", err)
			continue
		}
		if w {
			wrote++
		}
	}

	e.publishGraph()
	return len(missing), wrote, nil
}

// loadFields seeds the graph from one document's structured fields during
// bootstrap. No documents are written.
func (e *Engine) loadFields(doc string, fm map[string]string) {
	selfRef, ok := graph.ParseIdentity(fm[vault.FieldUID])
	if !ok {
		logging.Debug("document has no identity", "doc", doc)
		return
	}

	fRels := fields.ParseRelated(fm)
	hits := e.prefetch(doc, fRels, nil)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.graph.AddContact(graph.ContactNode{
		Ref:         selfRef,
		DisplayName: strings.TrimSpace(fm[vault.FieldName]),
		Gender:      rel.ParseGender(fm[vault.FieldGender]),
		Doc:         doc,
	})
	for _, r := range fRels {
		target, _ := e.ensureTargetLocked(r.Target, hits)
		if _, err := e.graph.UpsertEdge(selfRef, target, r.Type); err != nil {
			logging.Error("edge rejected during bootstrap", "doc", doc, "error", err)
		}
	}
}
