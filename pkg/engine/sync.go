package engine

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/solvberg/kinsync/pkg/fields"
	"github.com/solvberg/kinsync/pkg/graph"
	"github.com/solvberg/kinsync/pkg/logging"
	"github.com/solvberg/kinsync/pkg/mdlist"
	"github.com/solvberg/kinsync/pkg/rel"
	"github.com/solvberg/kinsync/pkg/vault"
)

// SyncDocument merges a document's two relationship serializations into the
// graph and writes the merged result back to both. The merge is additive: a
// relationship present in either representation, or already in the graph,
// survives. A write conflict is retried once with a fresh read.
func (e *Engine) SyncDocument(doc string) error {
	_, err := e.syncOnce(doc, 0)
	return err
}

// SyncAll syncs every document in the vault. Propagation is left entirely to
// the consistency pass the caller runs afterwards.
func (e *Engine) SyncAll(ctx context.Context) error {
	docs, err := e.vault.ListDocuments()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.syncOnce(doc, depthDefer); err != nil {
			logging.Error("sync failed", "doc", doc, "error", err)
		}
	}
	return nil
}

// syncOnce runs one sync pass with a single retry on a write conflict. The
// bool reports whether the document was rewritten.
func (e *Engine) syncOnce(doc string, depth int) (bool, error) {
	wrote, err := e.syncPass(doc, depth)
	if errors.Is(err, vault.ErrWriteConflict) {
		logging.Warn("document changed during sync, retrying", "doc", doc)
		wrote, err = e.syncPass(doc, depth)
		if errors.Is(err, vault.ErrWriteConflict) {
			logging.Warn("document kept changing, skipping", "doc", doc)
			e.publishIssue("write_conflict", doc, "document changed twice during sync")
			return false, nil
		}
	}
	return wrote, err
}

func (e *Engine) syncPass(doc string, depth int) (bool, error) {
	text, err := e.vault.ReadDocument(doc)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.vault.Forget(doc)
			return false, nil
		}
		return false, err
	}
	fm, body := vault.SplitFrontmatter(text)

	selfRef, ok := graph.ParseIdentity(fm[vault.FieldUID])
	if !ok {
		logging.Warn("document has no identity, skipping", "doc", doc)
		e.publishIssue("missing_identity", doc, "no UID field")
		e.publishSync(doc, "skipped", 0)
		return false, nil
	}
	name := strings.TrimSpace(fm[vault.FieldName])
	gender := rel.ParseGender(fm[vault.FieldGender])

	fRels := fields.ParseRelated(fm)
	items := mdlist.Parse([]byte(body))

	// Vault lookups happen before taking the lock; the lock guards only the
	// in-memory merge-and-decide step.
	hits := e.prefetch(doc, fRels, items)

	e.mu.Lock()

	e.graph.AddContact(graph.ContactNode{Ref: selfRef, DisplayName: name, Gender: gender, Doc: doc})
	if name != "" {
		for _, ph := range e.graph.FindByDisplayName(name) {
			if ph.IsPlaceholder() {
				if err := e.graph.Rekey(ph, selfRef); err != nil {
					logging.Error("placeholder upgrade failed", "doc", doc, "error", err)
				}
			}
		}
	}

	var added []graph.Edge
	upsert := func(target graph.ContactRef, typ rel.Type) {
		changed, err := e.graph.UpsertEdge(selfRef, target, typ)
		if err != nil {
			logging.Error("edge rejected", "doc", doc, "type", string(typ), "error", err)
			return
		}
		if changed {
			added = append(added, graph.Edge{Source: selfRef, Target: target, Type: typ})
		}
	}

	for _, r := range fRels {
		target, ambiguous := e.ensureTargetLocked(r.Target, hits)
		if ambiguous {
			e.reportAmbiguity(doc, e.graph.DisplayName(target))
		}
		upsert(target, r.Type)
	}
	for _, it := range items {
		target, ambiguous := e.resolveNameLocked(it.TargetName, hits)
		if ambiguous {
			e.reportAmbiguity(doc, it.TargetName)
		}
		if it.ImpliedGender != rel.GenderUnknown {
			if node, ok := e.graph.Resolve(target); ok && node.Gender == rel.GenderUnknown {
				e.graph.AddContact(graph.ContactNode{Ref: target, Gender: it.ImpliedGender})
			}
		}
		upsert(target, it.Type)
	}

	nextFM, entries, edgeCount := e.renderLocked(selfRef, fm)

	var propagate []string
	if len(added) > 0 {
		seen := make(map[string]struct{})
		for _, edge := range added {
			if _, ok := rel.ReciprocalOf(edge.Type); !ok {
				continue
			}
			node, ok := e.graph.Resolve(edge.Target)
			if !ok || node.Doc == "" || node.Doc == doc {
				continue
			}
			seen[node.Doc] = struct{}{}
		}
		propagate = sortedDocs(seen)
	}

	e.mu.Unlock()

	nextBody := string(mdlist.Replace([]byte(body), entries))
	next := vault.ComposeDocument(nextFM, nextBody)

	wrote := false
	if next != text {
		e.markSelfWrite(doc)
		if err := e.vault.WriteDocument(doc, text, next); err != nil {
			e.unmarkSelfWrite(doc)
			return false, err
		}
		wrote = true
		logging.Debug("document rewritten", "doc", doc, "edges", edgeCount)
	}

	e.publishSync(doc, "synced", edgeCount)
	if len(added) > 0 {
		e.publishGraph()
		if depth != depthDefer {
			e.enqueuePropagation(propagate, depth)
		}
		e.RequestConsistencyCheck()
	}
	return wrote, nil
}

// nameHit is a prefetched vault resolution for a display name or identity.
type nameHit struct {
	ref     graph.ContactRef
	display string
	gender  rel.Gender
	doc     string
}

type prefetched struct {
	names map[string][]nameHit // lowercased display name -> candidates, lexical doc order
	ids   map[string]nameHit   // ref key -> document-backed contact
}

// prefetch resolves every target the document names against the vault index
// before the merge takes the engine lock.
func (e *Engine) prefetch(self string, fRels []fields.Relation, items []mdlist.Item) prefetched {
	p := prefetched{
		names: make(map[string][]nameHit),
		ids:   make(map[string]nameHit),
	}

	lookupName := func(name string) {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return
		}
		if _, done := p.names[key]; done {
			return
		}
		var hitList []nameHit
		for _, doc := range e.vault.FindByDisplayName(name) {
			if doc == self {
				continue
			}
			ref, ok := e.vault.Identity(doc)
			if !ok {
				continue
			}
			hitList = append(hitList, nameHit{
				ref:     ref,
				display: e.vault.DisplayName(doc),
				gender:  e.vault.Gender(doc),
				doc:     doc,
			})
		}
		p.names[key] = hitList
	}

	for _, it := range items {
		lookupName(it.TargetName)
	}
	for _, r := range fRels {
		if r.Target.Kind == graph.RefName {
			lookupName(r.Target.Value)
			continue
		}
		key := r.Target.Key()
		if _, done := p.ids[key]; done {
			continue
		}
		if doc, ok := e.vault.FindByIdentity(r.Target); ok && doc != self {
			p.ids[key] = nameHit{
				ref:     r.Target,
				display: e.vault.DisplayName(doc),
				gender:  e.vault.Gender(doc),
				doc:     doc,
			}
		}
	}
	return p
}

// ensureTargetLocked makes sure a field-referenced target exists in the
// graph, routing name refs through display-name resolution.
func (e *Engine) ensureTargetLocked(ref graph.ContactRef, hits prefetched) (graph.ContactRef, bool) {
	if ref.Kind == graph.RefName {
		return e.resolveNameLocked(ref.Value, hits)
	}
	if _, ok := e.graph.Resolve(ref); ok {
		return ref, false
	}
	if hit, ok := hits.ids[ref.Key()]; ok {
		e.graph.AddContact(graph.ContactNode{Ref: ref, DisplayName: hit.display, Gender: hit.gender, Doc: hit.doc})
		return ref, false
	}
	// Identity nobody in the vault carries yet; keep the edge against it.
	e.graph.AddContact(graph.ContactNode{Ref: ref})
	return ref, false
}

// resolveNameLocked turns a display name into a contact ref: an existing
// resolved contact, a vault document's identity, an existing placeholder, or
// a new placeholder, in that order. The bool reports ambiguity (multiple
// candidates; the first lexical match was used).
func (e *Engine) resolveNameLocked(name string, hits prefetched) (graph.ContactRef, bool) {
	refs := e.graph.FindByDisplayName(name)
	if len(refs) > 0 && !refs[0].IsPlaceholder() {
		return refs[0], len(refs) > 1
	}

	candidates := hits.names[strings.ToLower(strings.TrimSpace(name))]
	if len(candidates) > 0 {
		hit := candidates[0]
		e.graph.AddContact(graph.ContactNode{Ref: hit.ref, DisplayName: hit.display, Gender: hit.gender, Doc: hit.doc})
		if len(refs) > 0 && refs[0].IsPlaceholder() {
			if err := e.graph.Rekey(refs[0], hit.ref); err != nil {
				logging.Error("placeholder upgrade failed", "ref", hit.ref.String(), "error", err)
			}
		}
		return hit.ref, len(candidates) > 1
	}

	if len(refs) > 0 {
		// Existing placeholder.
		return refs[0], len(refs) > 1
	}

	ph := graph.NameRef(name)
	e.graph.AddContact(graph.ContactNode{Ref: ph, DisplayName: strings.TrimSpace(name)})
	return ph, false
}

// renderLocked produces the document's structured fields and markdown-list
// entries from the graph's merged edge set for the contact.
func (e *Engine) renderLocked(selfRef graph.ContactRef, fm map[string]string) (map[string]string, []mdlist.Entry, int) {
	edges := e.graph.EdgesFrom(selfRef)
	display := func(r graph.ContactRef) string { return e.graph.DisplayName(r) }

	rels := make([]fields.Relation, 0, len(edges))
	entries := make([]mdlist.Entry, 0, len(edges))
	for _, edge := range edges {
		rels = append(rels, fields.Relation{Type: edge.Type, Target: edge.Target})
		entry := mdlist.Entry{Type: edge.Type, TargetName: display(edge.Target)}
		if node, ok := e.graph.Resolve(edge.Target); ok {
			entry.TargetGender = node.Gender
		}
		entries = append(entries, entry)
	}
	return fields.Apply(fm, rels, display), entries, len(edges)
}

func (e *Engine) reportAmbiguity(doc, name string) {
	logging.Warn("ambiguous target name, using first lexical match", "doc", doc, "name", name)
	e.publishIssue("ambiguous_name", doc, name)
}

// enqueuePropagation hands directly affected targets to a scoped repair, or
// defers to the next consistency pass once the depth cap is reached.
func (e *Engine) enqueuePropagation(targets []string, depth int) {
	if len(targets) == 0 {
		return
	}
	if depth >= e.opts.MaxPropagationDepth {
		logging.Warn("propagation depth cap reached, deferring to consistency pass", "depth", depth, "targets", len(targets))
		e.publishIssue("recursion_guard", "", "propagation depth cap reached")
		e.RequestConsistencyCheck()
		return
	}
	select {
	case e.work <- workItem{kind: workRepair, targets: targets, depth: depth + 1}:
	default:
		e.RequestConsistencyCheck()
	}
}
