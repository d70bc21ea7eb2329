// Package mdlist implements the markdown codec: the bulleted relationship
// list under a "Related" heading in a document body. goldmark locates the
// heading and the section extent; items follow the exact line grammar
// "- <term> [[<Display Name>]]" and anything else inside the section is
// ignored.
package mdlist

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/solvberg/kinsync/pkg/rel"
)

// Item is one parsed list entry. The term has been canonicalized; a gendered
// term additionally implies the target's gender.
type Item struct {
	Type          rel.Type
	TargetName    string
	ImpliedGender rel.Gender
}

// Entry is one renderable list entry: the canonical type plus the target's
// display name and gender, which picks the display term.
type Entry struct {
	Type         rel.Type
	TargetName   string
	TargetGender rel.Gender
}

// Section describes where the Related section sits in a document body.
// Start is the byte offset of the heading line; End is the offset of the
// next heading of equal-or-lesser depth (or len(body)).
type Section struct {
	Found bool
	Start int
	End   int
	Level int
}

var itemPattern = regexp.MustCompile(`^-\s+([A-Za-z][A-Za-z-]*)\s+\[\[([^\[\]]+?)\]\]\s*$`)

var md = goldmark.New()

// FindSection locates the Related section in a markdown body. The heading
// match is literal "Related", case-insensitive, any level 1-6.
func FindSection(body []byte) Section {
	doc := md.Parser().Parse(text.NewReader(body))

	var heading *ast.Heading
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok {
			continue
		}
		if heading == nil {
			if strings.EqualFold(strings.TrimSpace(nodeText(h, body)), "Related") {
				heading = h
			}
			continue
		}
		// First heading of equal-or-lesser depth after the match closes the
		// section.
		if h.Level <= heading.Level {
			return Section{
				Found: true,
				Start: lineStart(body, heading),
				End:   lineStart(body, h),
				Level: heading.Level,
			}
		}
	}
	if heading == nil {
		return Section{}
	}
	return Section{
		Found: true,
		Start: lineStart(body, heading),
		End:   len(body),
		Level: heading.Level,
	}
}

// Parse extracts relationship items from a markdown body. Unknown terms and
// lines not matching the item grammar are ignored, never errors.
func Parse(body []byte) []Item {
	sec := FindSection(body)
	if !sec.Found {
		return nil
	}

	var out []Item
	for _, line := range strings.Split(string(body[sec.Start:sec.End]), "\n") {
		m := itemPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		typ, gender, ok := rel.Canonicalize(m[1])
		if !ok {
			continue
		}
		name := strings.TrimSpace(m[2])
		if name == "" {
			continue
		}
		out = append(out, Item{Type: typ, TargetName: name, ImpliedGender: gender})
	}
	return out
}

// Render produces the canonical Related section at the given heading level.
// Entries are sorted by canonical type then target display name
// (case-insensitive); duplicates collapse. Display terms are gendered from
// the target's gender; the canonical type is what the graph stores.
func Render(entries []Entry, level int) string {
	if level < 1 || level > 6 {
		level = 2
	}

	dedup := make(map[string]struct{}, len(entries))
	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		k := string(e.Type) + "\x00" + strings.ToLower(e.TargetName)
		if _, dup := dedup[k]; dup {
			continue
		}
		dedup[k] = struct{}{}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return strings.ToLower(sorted[i].TargetName) < strings.ToLower(sorted[j].TargetName)
	})

	var b strings.Builder
	b.WriteString(strings.Repeat("#", level))
	b.WriteString(" Related\n")
	if len(sorted) > 0 {
		b.WriteByte('\n')
	}
	for _, e := range sorted {
		b.WriteString("- ")
		b.WriteString(rel.DisplayTerm(e.Type, e.TargetGender))
		b.WriteString(" [[")
		b.WriteString(e.TargetName)
		b.WriteString("]]\n")
	}
	return b.String()
}

// Replace splices rendered entries into a document body, reusing the existing
// section's heading level, or appends a new section when none exists. The
// result is stable: replacing with the same entries yields an identical body.
func Replace(body []byte, entries []Entry) []byte {
	sec := FindSection(body)
	if !sec.Found {
		rendered := Render(entries, 2)
		out := string(body)
		if out == "" {
			return []byte(rendered)
		}
		out = strings.TrimRight(out, "\n") + "\n\n" + rendered
		return []byte(out)
	}

	rendered := Render(entries, sec.Level)
	var b bytes.Buffer
	b.Write(body[:sec.Start])
	b.WriteString(rendered)
	if sec.End < len(body) {
		// Blank line before the next heading.
		b.WriteByte('\n')
		b.Write(body[sec.End:])
	}
	return b.Bytes()
}

// nodeText collects the literal text of a node's inline children.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
		default:
			b.WriteString(nodeText(c, src))
		}
	}
	return b.String()
}

// lineStart returns the byte offset of the start of the line a block node
// begins on.
func lineStart(src []byte, n ast.Node) int {
	lines := n.Lines()
	if lines.Len() == 0 {
		return len(src)
	}
	start := lines.At(0).Start
	if idx := bytes.LastIndexByte(src[:start], '\n'); idx >= 0 {
		return idx + 1
	}
	return 0
}
