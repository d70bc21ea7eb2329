package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/solvberg/kinsync/pkg/graph"
	"github.com/solvberg/kinsync/pkg/rel"
	"github.com/solvberg/kinsync/pkg/vault"
)

const (
	janeUID = "1b7a0f6e-4c2d-4a8e-9f3b-5d6c7e8f9a0b"
	johnUID = "2c8b1a7f-5d3e-4b9f-8a4c-6e7d8f9a0b1c"
	bethUID = "3d9c2b8a-6e4f-4c0a-9b5d-7f8e9a0b1c2d"
	alexUID = "4e0d3c9b-7f5a-4d1b-8c6e-9a0b1c2d3e4f"
	samAUID = "5f1e4d0c-8a6b-4e2c-9d7f-0b1c2d3e4f5a"
	samBUID = "6a2f5e1d-9b7c-4f3d-8e0a-1c2d3e4f5a6b"
	caraUID = "7b3a6f2e-0c8d-4a4e-9f1b-2d3e4f5a6b7c"
)

func writeTestDoc(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readTestDoc(t *testing.T, root, path string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func personDoc(uid, name, gender string, extra ...string) string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("FN: " + name + "\n")
	if gender != "" {
		b.WriteString("GENDER: " + gender + "\n")
	}
	for _, line := range extra {
		b.WriteString(line + "\n")
	}
	b.WriteString("UID: urn:uuid:" + uid + "\n")
	b.WriteString("---\n\n# " + name + "\n")
	return b.String()
}

func newTestEngine(t *testing.T, root string) *Engine {
	t.Helper()
	v, err := vault.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	e := New(v, DefaultOptions())
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestBootstrapBuildsGraphWithoutWrites(t *testing.T) {
	root := t.TempDir()
	jane := personDoc(janeUID, "Jane Doe", "F", "RELATED[parent]: urn:uuid:"+johnUID)
	john := personDoc(johnUID, "John Doe", "M")
	writeTestDoc(t, root, "jane.md", jane)
	writeTestDoc(t, root, "people/john.md", john)

	e := newTestEngine(t, root)

	contacts, edges := e.Stats()
	if contacts != 2 {
		t.Errorf("contacts = %d, want 2", contacts)
	}
	if edges != 1 {
		t.Errorf("edges = %d, want 1", edges)
	}
	if got := readTestDoc(t, root, "jane.md"); got != jane {
		t.Error("bootstrap modified jane.md")
	}
	if got := readTestDoc(t, root, "people/john.md"); got != john {
		t.Error("bootstrap modified people/john.md")
	}
}

func TestSyncMergesFieldsAndList(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F",
		"RELATED[friend]: urn:uuid:"+bethUID)+
		"\n## Related\n\n- colleague [[Alex Roe]]\n")
	writeTestDoc(t, root, "beth.md", personDoc(bethUID, "Beth Poe", "F"))
	writeTestDoc(t, root, "alex.md", personDoc(alexUID, "Alex Roe", ""))

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}

	got := readTestDoc(t, root, "jane.md")
	for _, want := range []string{
		"RELATED[colleague]: urn:uuid:" + alexUID,
		"RELATED[friend]: urn:uuid:" + bethUID,
		"- colleague [[Alex Roe]]",
		"- friend [[Beth Poe]]",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("jane.md missing %q after sync:\n%s", want, got)
		}
	}

	janeRef := graph.UUIDRef(janeUID)
	if edges := e.EdgesFrom(janeRef); len(edges) != 2 {
		t.Errorf("edges from jane = %d, want 2", len(edges))
	}
}

func TestSyncKeepsTwoTypesToSameTarget(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F")+
		"\n## Related\n\n- friend [[Alex Roe]]\n- colleague [[Alex Roe]]\n")
	writeTestDoc(t, root, "alex.md", personDoc(alexUID, "Alex Roe", ""))

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}

	got := readTestDoc(t, root, "jane.md")
	for _, want := range []string{
		"RELATED[colleague]: urn:uuid:" + alexUID,
		"RELATED[friend]: urn:uuid:" + alexUID,
		"- colleague [[Alex Roe]]",
		"- friend [[Alex Roe]]",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("jane.md missing %q after sync:\n%s", want, got)
		}
	}

	edges := e.EdgesFrom(graph.UUIDRef(janeUID))
	if len(edges) != 2 {
		t.Fatalf("edges from jane = %d, want 2", len(edges))
	}
	for _, edge := range edges {
		if !edge.Target.Equal(graph.UUIDRef(alexUID)) {
			t.Errorf("edge %v does not point at alex", edge)
		}
	}

	// Still idempotent with a doubled-up target.
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}
	if second := readTestDoc(t, root, "jane.md"); second != got {
		t.Errorf("second sync changed the document:\n%s", second)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F",
		"RELATED[friend]: urn:uuid:"+bethUID)+
		"\n## Related\n\n- colleague [[Alex Roe]]\n")
	writeTestDoc(t, root, "beth.md", personDoc(bethUID, "Beth Poe", "F"))
	writeTestDoc(t, root, "alex.md", personDoc(alexUID, "Alex Roe", ""))

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}
	first := readTestDoc(t, root, "jane.md")

	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}
	second := readTestDoc(t, root, "jane.md")

	if first != second {
		t.Errorf("second sync changed the document:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestConsistencyPassWritesReciprocal(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F",
		"RELATED[parent]: urn:uuid:"+johnUID))
	writeTestDoc(t, root, "john.md", personDoc(johnUID, "John Doe", "M"))

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}

	repaired, wrote, err := e.RunConsistencyPass()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 1 {
		t.Errorf("repaired = %d, want 1", repaired)
	}
	if wrote != 1 {
		t.Errorf("wrote = %d, want 1", wrote)
	}

	john := readTestDoc(t, root, "john.md")
	if !strings.Contains(john, "RELATED[child]: urn:uuid:"+janeUID) {
		t.Errorf("john.md missing child field:\n%s", john)
	}
	if !strings.Contains(john, "- daughter [[Jane Doe]]") {
		t.Errorf("john.md missing gendered list entry:\n%s", john)
	}
	if !strings.Contains(john, "FN: John Doe") {
		t.Errorf("john.md lost its identity fields:\n%s", john)
	}

	// A second pass has nothing left to do.
	repaired, wrote, err = e.RunConsistencyPass()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 || wrote != 0 {
		t.Errorf("second pass repaired %d, wrote %d, want 0, 0", repaired, wrote)
	}
}

func TestSymmetricReciprocalNoDuplicate(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F",
		"RELATED[spouse]: urn:uuid:"+johnUID))
	writeTestDoc(t, root, "john.md", personDoc(johnUID, "John Doe", "M"))

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.RunConsistencyPass(); err != nil {
		t.Fatal(err)
	}
	if err := e.SyncDocument("john.md"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.RunConsistencyPass(); err != nil {
		t.Fatal(err)
	}

	// Canonical type in the fields, gendered display term in the list.
	jane := readTestDoc(t, root, "jane.md")
	if !strings.Contains(jane, "RELATED[spouse]: urn:uuid:"+johnUID) {
		t.Errorf("jane.md missing spouse field:\n%s", jane)
	}
	if n := strings.Count(jane, "- husband [["); n != 1 {
		t.Errorf("jane.md has %d husband entries, want 1:\n%s", n, jane)
	}
	john := readTestDoc(t, root, "john.md")
	if !strings.Contains(john, "RELATED[spouse]: urn:uuid:"+janeUID) {
		t.Errorf("john.md missing spouse field:\n%s", john)
	}
	if n := strings.Count(john, "- wife [["); n != 1 {
		t.Errorf("john.md has %d wife entries, want 1:\n%s", n, john)
	}
}

func TestPlaceholderGetsNoReciprocal(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F")+
		"\n## Related\n\n- friend [[Ghost Writer]]\n")

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}

	if missing := e.FindMissingReciprocals(); len(missing) != 0 {
		t.Errorf("placeholder produced %d missing reciprocals, want 0", len(missing))
	}
	repaired, wrote, err := e.RunConsistencyPass()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 || wrote != 0 {
		t.Errorf("pass repaired %d, wrote %d against a placeholder, want 0, 0", repaired, wrote)
	}

	// The relationship itself survives in both serializations.
	jane := readTestDoc(t, root, "jane.md")
	if !strings.Contains(jane, "RELATED[friend]: name:Ghost Writer") {
		t.Errorf("jane.md missing placeholder field:\n%s", jane)
	}
	if !strings.Contains(jane, "- friend [[Ghost Writer]]") {
		t.Errorf("jane.md missing placeholder list entry:\n%s", jane)
	}
}

func TestPlaceholderUpgradesWhenDocumentAppears(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F")+
		"\n## Related\n\n- friend [[Beth Poe]]\n")

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}

	janeRef := graph.UUIDRef(janeUID)
	edges := e.EdgesFrom(janeRef)
	if len(edges) != 1 || !edges[0].Target.IsPlaceholder() {
		t.Fatalf("expected one placeholder edge, got %v", edges)
	}

	writeTestDoc(t, root, "beth.md", personDoc(bethUID, "Beth Poe", "F"))
	if _, err := e.vault.StructuredFields("beth.md"); err != nil {
		t.Fatal(err)
	}
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}

	edges = e.EdgesFrom(janeRef)
	if len(edges) != 1 {
		t.Fatalf("edges from jane = %d, want 1", len(edges))
	}
	if want := graph.UUIDRef(bethUID); !edges[0].Target.Equal(want) {
		t.Errorf("edge target = %v, want %v", edges[0].Target, want)
	}

	jane := readTestDoc(t, root, "jane.md")
	if !strings.Contains(jane, "RELATED[friend]: urn:uuid:"+bethUID) {
		t.Errorf("jane.md still carries the placeholder ref:\n%s", jane)
	}
}

func TestAmbiguousNameUsesFirstLexicalMatch(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F")+
		"\n## Related\n\n- friend [[Sam Smith]]\n")
	writeTestDoc(t, root, "sam-a.md", personDoc(samAUID, "Sam Smith", ""))
	writeTestDoc(t, root, "sam-b.md", personDoc(samBUID, "Sam Smith", ""))

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}

	edges := e.EdgesFrom(graph.UUIDRef(janeUID))
	if len(edges) != 1 {
		t.Fatalf("edges from jane = %d, want 1", len(edges))
	}
	if want := graph.UUIDRef(samAUID); !edges[0].Target.Equal(want) {
		t.Errorf("edge target = %v, want first lexical match %v", edges[0].Target, want)
	}
}

func TestListGenderBackfillsContact(t *testing.T) {
	root := t.TempDir()
	// Alex's own document has no GENDER field; jane's "brother" term implies it.
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F")+
		"\n## Related\n\n- brother [[Alex Roe]]\n")
	writeTestDoc(t, root, "alex.md", personDoc(alexUID, "Alex Roe", ""))

	e := newTestEngine(t, root)
	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}

	node, ok := e.Resolve(graph.UUIDRef(alexUID))
	if !ok {
		t.Fatal("alex not in graph")
	}
	if node.Gender != rel.GenderMale {
		t.Errorf("alex gender = %v, want male", node.Gender)
	}
	jane := readTestDoc(t, root, "jane.md")
	if !strings.Contains(jane, "- brother [[Alex Roe]]") {
		t.Errorf("jane.md lost the gendered term:\n%s", jane)
	}
}

func TestSyncSkipsDocumentWithoutIdentity(t *testing.T) {
	root := t.TempDir()
	orig := "---\nFN: No Body\n---\n\n## Related\n\n- friend [[Jane Doe]]\n"
	writeTestDoc(t, root, "nobody.md", orig)

	e := newTestEngine(t, root)
	if err := e.SyncDocument("nobody.md"); err != nil {
		t.Fatal(err)
	}
	if got := readTestDoc(t, root, "nobody.md"); got != orig {
		t.Errorf("identity-less document was rewritten:\n%s", got)
	}
}

func TestSelfWriteSuppressesResync(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F"))

	e := newTestEngine(t, root)
	defer e.debounce.Drop()

	e.markSelfWrite("jane.md")
	e.HandleEvent(vault.Event{Doc: "jane.md", Op: vault.DocChanged})

	e.debounce.mu.Lock()
	pending := len(e.debounce.pending)
	e.debounce.mu.Unlock()
	if pending != 0 {
		t.Errorf("self-write event scheduled %d syncs, want 0", pending)
	}

	// A genuine edit schedules one.
	e.HandleEvent(vault.Event{Doc: "jane.md", Op: vault.DocChanged})
	e.debounce.mu.Lock()
	pending = len(e.debounce.pending)
	e.debounce.mu.Unlock()
	if pending != 1 {
		t.Errorf("edit event scheduled %d syncs, want 1", pending)
	}
}

func TestPropagationDepthCapDefersToConsistencyPass(t *testing.T) {
	root := t.TempDir()
	// jane's list points at beth; beth's document carries a list-only
	// relationship to cara that the graph has never seen. With a cap of 1
	// the chain jane -> repair beth -> sync beth must stop there: cara's
	// reciprocal is deferred to the consistency pass instead of a third hop.
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F")+
		"\n## Related\n\n- mother [[Beth Poe]]\n")
	writeTestDoc(t, root, "beth.md", personDoc(bethUID, "Beth Poe", "F")+
		"\n## Related\n\n- mother [[Cara Roe]]\n")
	writeTestDoc(t, root, "cara.md", personDoc(caraUID, "Cara Roe", "F"))

	v, err := vault.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	e := New(v, Options{MaxPropagationDepth: 1})
	defer e.debounce.Drop()
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := e.SyncDocument("jane.md"); err != nil {
		t.Fatal(err)
	}
	// Drain the queued propagation work by hand so the chain is
	// deterministic.
	for drained := false; !drained; {
		select {
		case item := <-e.work:
			e.process(item)
		default:
			drained = true
		}
	}

	if got := e.IssueCounts()["recursion_guard"]; got != 1 {
		t.Errorf("recursion_guard issues = %d, want 1", got)
	}

	// The first hop happened: beth got jane's reciprocal without losing her
	// own not-yet-synced entry.
	beth := readTestDoc(t, root, "beth.md")
	if !strings.Contains(beth, "- daughter [[Jane Doe]]") {
		t.Errorf("beth.md missing first-hop reciprocal:\n%s", beth)
	}
	if !strings.Contains(beth, "- mother [[Cara Roe]]") {
		t.Errorf("beth.md lost its own entry during repair:\n%s", beth)
	}

	// The second hop did not: cara is untouched until the pass runs.
	cara := readTestDoc(t, root, "cara.md")
	if strings.Contains(cara, "RELATED[child]") {
		t.Fatalf("cara.md was written past the depth cap:\n%s", cara)
	}

	repaired, wrote, err := e.RunConsistencyPass()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 1 || wrote != 1 {
		t.Errorf("pass repaired %d, wrote %d, want 1, 1", repaired, wrote)
	}
	cara = readTestDoc(t, root, "cara.md")
	if !strings.Contains(cara, "- daughter [[Beth Poe]]") {
		t.Errorf("cara.md missing deferred reciprocal:\n%s", cara)
	}

	repaired, wrote, err = e.RunConsistencyPass()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 || wrote != 0 {
		t.Errorf("second pass repaired %d, wrote %d, want 0, 0", repaired, wrote)
	}
}

func TestSyncAllThenConsistencyReachesFixpoint(t *testing.T) {
	root := t.TempDir()
	writeTestDoc(t, root, "jane.md", personDoc(janeUID, "Jane Doe", "F",
		"RELATED[parent]: urn:uuid:"+johnUID,
		"RELATED[spouse]: urn:uuid:"+alexUID))
	writeTestDoc(t, root, "john.md", personDoc(johnUID, "John Doe", "M"))
	writeTestDoc(t, root, "alex.md", personDoc(alexUID, "Alex Roe", "M"))

	e := newTestEngine(t, root)
	if err := e.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.RunConsistencyPass(); err != nil {
		t.Fatal(err)
	}

	john := readTestDoc(t, root, "john.md")
	if !strings.Contains(john, "- daughter [[Jane Doe]]") {
		t.Errorf("john.md missing reciprocal:\n%s", john)
	}
	alex := readTestDoc(t, root, "alex.md")
	if !strings.Contains(alex, "- wife [[Jane Doe]]") {
		t.Errorf("alex.md missing reciprocal:\n%s", alex)
	}

	repaired, wrote, err := e.RunConsistencyPass()
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 0 || wrote != 0 {
		t.Errorf("follow-up pass repaired %d, wrote %d, want 0, 0", repaired, wrote)
	}

	// Re-syncing every document after the repairs changes nothing either.
	before := map[string]string{}
	for _, doc := range []string{"jane.md", "john.md", "alex.md"} {
		before[doc] = readTestDoc(t, root, doc)
	}
	if err := e.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	for doc, text := range before {
		if got := readTestDoc(t, root, doc); got != text {
			t.Errorf("%s changed on re-sync:\nbefore:\n%s\nafter:\n%s", doc, text, got)
		}
	}
}
