// Package report renders the one-shot console summary after a full vault
// sync.
package report

import (
	"fmt"

	"github.com/fatih/color"
)

// Summary holds the counts a full sync run produced.
type Summary struct {
	Documents    int
	Contacts     int
	Edges        int
	Groups       int // connected contact groups (families, circles)
	Placeholders int
	Repaired     int // reciprocal edges added by the consistency pass
	Wrote        int // documents rewritten by the consistency pass
	Issues       map[string]int
}

// issueLabels maps issue kinds to the lines the report prints for them.
var issueLabels = []struct {
	kind  string
	label string
}{
	{"ambiguous_name", "Ambiguous names (first lexical match used)"},
	{"missing_identity", "Documents without a UID field"},
	{"write_conflict", "Write conflicts (document skipped)"},
	{"recursion_guard", "Propagation depth cap hits"},
}

// PrintSyncReport prints the summary of a one-shot sync run.
func PrintSyncReport(vaultRoot string, s Summary) {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	bold.Println("kinsync - Vault Sync Report")
	bold.Println("===========================")
	fmt.Printf("Vault: %s\n", vaultRoot)
	fmt.Printf("Documents: %d\n", s.Documents)
	fmt.Printf("Contacts: %d\n", s.Contacts)
	fmt.Printf("Relationships: %d\n", s.Edges)
	fmt.Printf("Connected groups: %d\n", s.Groups)

	if s.Placeholders > 0 {
		yellow.Printf("Placeholders: %d contact(s) known only by name\n", s.Placeholders)
	} else {
		fmt.Printf("Placeholders: 0\n")
	}

	if s.Repaired > 0 {
		green.Printf("Repaired: %d missing reciprocal(s) across %d document(s)\n", s.Repaired, s.Wrote)
	} else {
		green.Println("Repaired: nothing to do, all reciprocals present")
	}
	fmt.Println()

	total := 0
	for _, n := range s.Issues {
		total += n
	}
	if total == 0 {
		green.Println("✓ Vault is consistent")
		return
	}

	red.Println("ISSUES:")
	for _, il := range issueLabels {
		if n := s.Issues[il.kind]; n > 0 {
			yellow.Printf("  %d × %s\n", n, il.label)
		}
	}
}
