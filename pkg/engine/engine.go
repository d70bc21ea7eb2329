// Package engine owns the relationship graph and keeps it and the vault's
// two document serializations mutually consistent: it merges parsed
// relationships additively, writes merged results back, propagates
// reciprocal updates, and serializes all graph mutation behind one lock.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solvberg/kinsync/pkg/graph"
	"github.com/solvberg/kinsync/pkg/logging"
	"github.com/solvberg/kinsync/pkg/pubsub"
	"github.com/solvberg/kinsync/pkg/vault"
)

// Options tunes the engine's scheduling.
type Options struct {
	// EditWindow debounces content-change events per document.
	EditWindow time.Duration
	// NavWindow debounces navigation events (open/focus) per document.
	NavWindow time.Duration
	// CheckWindow debounces consistency-check scheduling.
	CheckWindow time.Duration
	// MaxPropagationDepth caps sync-triggered reciprocal propagation; deeper
	// fallout is left to the next consistency pass.
	MaxPropagationDepth int
	// Publisher receives sync/graph/issue events; nil disables publishing.
	Publisher pubsub.Publisher
}

// DefaultOptions matches the windows the host event model expects.
func DefaultOptions() Options {
	return Options{
		EditWindow:          time.Second,
		NavWindow:           250 * time.Millisecond,
		CheckWindow:         2 * time.Second,
		MaxPropagationDepth: 2,
	}
}

// checkKey is the debouncer key reserved for consistency-check scheduling.
// Document keys are vault paths, which never collide with it.
const checkKey = "\x00consistency"

// depthDefer marks bulk syncs whose propagation the caller handles with a
// consistency pass of its own; no per-target repair work is enqueued and the
// depth cap never trips.
const depthDefer = -1

type workKind int

const (
	workSync workKind = iota
	workRepair
	workCheck
)

type workItem struct {
	kind    workKind
	doc     string
	targets []string
	depth   int
}

// Engine is the synchronization orchestrator, consistency checker, and
// concurrency controller over one vault and one graph.
type Engine struct {
	vault *vault.Vault
	graph *graph.Graph
	opts  Options
	pub   pubsub.Publisher

	// mu is the global serialization point: it guards the in-memory
	// merge-and-decide step, never document I/O.
	mu sync.Mutex

	work     chan workItem
	debounce *debouncer

	stateMu    sync.Mutex
	selfWrites map[string]int
	focused    string
	issues     map[string]int
}

// New creates an engine over a vault.
func New(v *vault.Vault, opts Options) *Engine {
	if opts.EditWindow <= 0 {
		opts.EditWindow = time.Second
	}
	if opts.NavWindow <= 0 {
		opts.NavWindow = 250 * time.Millisecond
	}
	if opts.CheckWindow <= 0 {
		opts.CheckWindow = 2 * time.Second
	}
	if opts.MaxPropagationDepth <= 0 {
		opts.MaxPropagationDepth = 2
	}

	e := &Engine{
		vault:      v,
		graph:      graph.New(),
		opts:       opts,
		pub:        opts.Publisher,
		work:       make(chan workItem, 256),
		selfWrites: make(map[string]int),
		issues:     make(map[string]int),
	}
	e.debounce = newDebouncer(5*opts.EditWindow, e.fire)
	return e
}

// Bootstrap rebuilds the graph from every document's structured fields. It
// performs no writes; the graph is the cache, the documents stay untouched.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.vault.Scan(ctx); err != nil {
		return err
	}
	docs, err := e.vault.ListDocuments()
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		fm, err := e.vault.StructuredFields(doc)
		if err != nil {
			logging.Warn("skipping unreadable document", "doc", doc, "error", err)
			continue
		}
		e.loadFields(doc, fm)
	}

	contacts, edges := e.Stats()
	logging.Info("graph rebuilt from vault", "contacts", contacts, "edges", edges)
	e.publishGraph()
	return nil
}

// Start runs the single-consumer work loop until the context is cancelled.
// All queued work funnels through this one goroutine.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-e.work:
				e.process(item)
			}
		}
	}()
}

func (e *Engine) process(item workItem) {
	switch item.kind {
	case workSync:
		if _, err := e.syncOnce(item.doc, item.depth); err != nil {
			logging.Error("sync failed", "doc", item.doc, "error", err)
		}
	case workRepair:
		e.repairTargets(item.targets, item.depth)
	case workCheck:
		if _, _, err := e.RunConsistencyPass(); err != nil {
			logging.Error("consistency pass failed", "error", err)
		}
	}
}

// fire is the debouncer callback: it converts an elapsed key into a work
// item. A full queue drops the item; the next consistency pass covers it.
func (e *Engine) fire(key string) {
	item := workItem{kind: workSync, doc: key}
	if key == checkKey {
		item = workItem{kind: workCheck}
	}
	select {
	case e.work <- item:
	default:
		logging.Warn("work queue full, deferring to next consistency pass", "doc", key)
		if key != checkKey {
			e.debounce.Trigger(checkKey, e.opts.CheckWindow)
		}
	}
}

// RequestSync schedules a debounced sync for a document.
func (e *Engine) RequestSync(doc string, window time.Duration) {
	if window <= 0 {
		window = e.opts.EditWindow
	}
	e.debounce.Trigger(doc, window)
}

// RequestConsistencyCheck schedules a debounced consistency pass.
func (e *Engine) RequestConsistencyCheck() {
	e.debounce.Trigger(checkKey, e.opts.CheckWindow)
}

// HandleEvent maps a vault change notification onto engine work. Change
// events caused by the engine's own writes are suppressed.
func (e *Engine) HandleEvent(ev vault.Event) {
	switch ev.Op {
	case vault.DocRemoved:
		// Contacts are never deleted during a session; only the vault's view
		// of the document goes away.
		e.vault.Forget(ev.Doc)
		return
	case vault.DocOpened:
		e.NotifyFocus(ev.Doc)
		if e.consumeSelfWrite(ev.Doc) {
			return
		}
		e.RequestSync(ev.Doc, e.opts.NavWindow)
	case vault.DocChanged:
		if e.consumeSelfWrite(ev.Doc) {
			return
		}
		e.RequestSync(ev.Doc, e.opts.EditWindow)
	}
}

// NotifyFocus records the currently focused document; shutdown flushes its
// pending work synchronously.
func (e *Engine) NotifyFocus(doc string) {
	e.stateMu.Lock()
	e.focused = doc
	e.stateMu.Unlock()
}

// Close flushes pending debounced work for the focused document (best
// effort, bounded by ctx) and drops everything else.
func (e *Engine) Close(ctx context.Context) {
	e.stateMu.Lock()
	focused := e.focused
	e.stateMu.Unlock()

	e.debounce.Drop()

	if focused == "" {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.syncOnce(focused, depthDefer); err != nil {
			logging.Warn("final sync failed", "doc", focused, "error", err)
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("shutdown flush timed out", "doc", focused)
	}
}

// markSelfWrite records an imminent engine write so the resulting change
// notification does not trigger a re-sync.
func (e *Engine) markSelfWrite(doc string) {
	e.stateMu.Lock()
	e.selfWrites[doc]++
	e.stateMu.Unlock()
}

func (e *Engine) unmarkSelfWrite(doc string) {
	e.stateMu.Lock()
	if e.selfWrites[doc] > 0 {
		e.selfWrites[doc]--
	}
	e.stateMu.Unlock()
}

func (e *Engine) consumeSelfWrite(doc string) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.selfWrites[doc] > 0 {
		e.selfWrites[doc]--
		return true
	}
	return false
}

// Stats returns the current contact and edge counts.
func (e *Engine) Stats() (contacts, edges int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.graph.Contacts()), len(e.graph.Edges())
}

// Contacts returns a snapshot of all contacts.
func (e *Engine) Contacts() []*graph.ContactNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	nodes := e.graph.Contacts()
	out := make([]*graph.ContactNode, len(nodes))
	for i, n := range nodes {
		copied := *n
		out[i] = &copied
	}
	return out
}

// Edges returns a snapshot of all edges.
func (e *Engine) Edges() []graph.Edge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Edges()
}

// Components returns a snapshot of the connected contact groups.
func (e *Engine) Components() [][]graph.ContactRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Components()
}

// EdgesFrom returns a snapshot of one contact's outgoing edges.
func (e *Engine) EdgesFrom(ref graph.ContactRef) []graph.Edge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.EdgesFrom(ref)
}

// Resolve returns a snapshot of one contact.
func (e *Engine) Resolve(ref graph.ContactRef) (graph.ContactNode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.graph.Resolve(ref)
	if !ok {
		return graph.ContactNode{}, false
	}
	return *n, true
}

func (e *Engine) publishGraph() {
	if e.pub == nil {
		return
	}
	contacts, edges := e.Stats()
	_ = e.pub.Publish(pubsub.TopicGraph, "updated", map[string]int{
		"contacts": contacts,
		"edges":    edges,
	})
}

func (e *Engine) publishIssue(kind, doc, detail string) {
	e.stateMu.Lock()
	e.issues[kind]++
	e.stateMu.Unlock()

	if e.pub == nil {
		return
	}
	_ = e.pub.Publish(pubsub.TopicIssues, kind, map[string]string{
		"doc":    doc,
		"detail": detail,
	})
}

// IssueCounts returns how many issues of each kind the engine has reported
// since startup.
func (e *Engine) IssueCounts() map[string]int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	out := make(map[string]int, len(e.issues))
	for k, v := range e.issues {
		out[k] = v
	}
	return out
}

func (e *Engine) publishSync(doc, state string, edges int) {
	if e.pub == nil {
		return
	}
	_ = e.pub.Publish(pubsub.TopicSyncStatus, state, map[string]any{
		"doc":   doc,
		"edges": edges,
	})
}

func sortedDocs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for doc := range set {
		out = append(out, doc)
	}
	sort.Strings(out)
	return out
}
