package vault

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// SplitFrontmatter separates a document into its YAML front-matter fields and
// its markdown body. Documents without front matter yield an empty field map
// and the whole text as body. Scalar values are stringified; nested values
// are rejected as malformed and dropped field-by-field, never fatally.
func SplitFrontmatter(text string) (map[string]string, string) {
	fields := make(map[string]string)
	if !strings.HasPrefix(text, fence+"\n") && text != fence {
		return fields, text
	}

	rest := text[len(fence)+1:]
	end := strings.Index(rest, "\n"+fence+"\n")
	var raw, body string
	switch {
	case end >= 0:
		raw = rest[:end+1]
		body = rest[end+len(fence)+2:]
	case strings.HasSuffix(rest, "\n"+fence):
		raw = rest[:len(rest)-len(fence)]
		body = ""
	default:
		// Unterminated fence: treat the whole document as body.
		return fields, text
	}

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil {
		return fields, text
	}
	for k, v := range parsed {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case nil:
			fields[k] = ""
		case int, int64, float64, bool:
			fields[k] = fmt.Sprintf("%v", val)
		default:
			// Nested structures are not part of the field grammar.
			continue
		}
	}
	return fields, body
}

// ComposeDocument reassembles front matter and body into document text.
// Field keys are emitted in sorted order so composing the same inputs always
// yields the same bytes.
func ComposeDocument(fields map[string]string, body string) string {
	if len(fields) == 0 {
		return body
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fence)
	b.WriteByte('\n')
	for _, k := range keys {
		line, err := yaml.Marshal(map[string]string{k: fields[k]})
		if err != nil {
			continue
		}
		b.Write(line)
	}
	b.WriteString(fence)
	b.WriteByte('\n')
	b.WriteString(body)
	return b.String()
}
