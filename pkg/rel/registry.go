// Package rel defines the closed vocabulary of relationship types: canonical
// gender-neutral tags, their reciprocals, symmetry, and the gendered display
// synonyms accepted on input and emitted on output.
package rel

import "strings"

// Type is a canonical, gender-neutral relationship tag. Only canonical types
// are ever stored in the graph; gendered terms exist at the text boundary.
type Type string

const (
	Parent       Type = "parent"
	Child        Type = "child"
	Grandparent  Type = "grandparent"
	Grandchild   Type = "grandchild"
	Sibling      Type = "sibling"
	Spouse       Type = "spouse"
	Partner      Type = "partner"
	Auncle       Type = "auncle"  // aunt/uncle
	Nibling      Type = "nibling" // niece/nephew
	Cousin       Type = "cousin"
	Relative     Type = "relative"
	Friend       Type = "friend"
	Colleague    Type = "colleague"
	Boss         Type = "boss"
	Employee     Type = "employee"
	Acquaintance Type = "acquaintance"
	Neighbor     Type = "neighbor"
)

// Gender of a contact, used only to pick display terms and to backfill a
// target's gender when a gendered synonym names it.
type Gender int

const (
	GenderUnknown Gender = iota
	GenderMale
	GenderFemale
	GenderNonBinary
)

// ParseGender reads the GENDER front-matter values (vCard-style single
// letters plus spelled-out forms). Unrecognized values map to unknown.
func ParseGender(s string) Gender {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "MALE":
		return GenderMale
	case "F", "FEMALE":
		return GenderFemale
	case "NB", "NONBINARY", "NON-BINARY":
		return GenderNonBinary
	default:
		return GenderUnknown
	}
}

// String returns the front-matter encoding of the gender.
func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "M"
	case GenderFemale:
		return "F"
	case GenderNonBinary:
		return "NB"
	default:
		return ""
	}
}

// entry describes one canonical type.
type entry struct {
	reciprocal Type // empty = no defined reciprocal
	symmetric  bool
	male       string // display term when the target is male
	female     string // display term when the target is female
}

// registry is the full vocabulary. Symmetric types are their own reciprocal.
// boss/employee are treated as an active reciprocal pair, like the family
// pairs.
var registry = map[Type]entry{
	Parent:       {reciprocal: Child, male: "father", female: "mother"},
	Child:        {reciprocal: Parent, male: "son", female: "daughter"},
	Grandparent:  {reciprocal: Grandchild, male: "grandfather", female: "grandmother"},
	Grandchild:   {reciprocal: Grandparent, male: "grandson", female: "granddaughter"},
	Sibling:      {reciprocal: Sibling, symmetric: true, male: "brother", female: "sister"},
	Spouse:       {reciprocal: Spouse, symmetric: true, male: "husband", female: "wife"},
	Partner:      {reciprocal: Partner, symmetric: true, male: "boyfriend", female: "girlfriend"},
	Auncle:       {reciprocal: Nibling, male: "uncle", female: "aunt"},
	Nibling:      {reciprocal: Auncle, male: "nephew", female: "niece"},
	Cousin:       {reciprocal: Cousin, symmetric: true},
	Relative:     {reciprocal: Relative, symmetric: true},
	Friend:       {reciprocal: Friend, symmetric: true},
	Colleague:    {reciprocal: Colleague, symmetric: true},
	Boss:         {reciprocal: Employee},
	Employee:     {reciprocal: Boss},
	Acquaintance: {reciprocal: Acquaintance, symmetric: true},
	Neighbor:     {reciprocal: Neighbor, symmetric: true},
}

// synonyms maps gendered input terms to their canonical type and the gender
// the term implies about the named target.
var synonyms = map[string]struct {
	typ    Type
	gender Gender
}{
	"mother":        {Parent, GenderFemale},
	"father":        {Parent, GenderMale},
	"mom":           {Parent, GenderFemale},
	"dad":           {Parent, GenderMale},
	"daughter":      {Child, GenderFemale},
	"son":           {Child, GenderMale},
	"grandmother":   {Grandparent, GenderFemale},
	"grandfather":   {Grandparent, GenderMale},
	"granddaughter": {Grandchild, GenderFemale},
	"grandson":      {Grandchild, GenderMale},
	"sister":        {Sibling, GenderFemale},
	"brother":       {Sibling, GenderMale},
	"wife":          {Spouse, GenderFemale},
	"husband":       {Spouse, GenderMale},
	"girlfriend":    {Partner, GenderFemale},
	"boyfriend":     {Partner, GenderMale},
	"aunt":          {Auncle, GenderFemale},
	"uncle":         {Auncle, GenderMale},
	"niece":         {Nibling, GenderFemale},
	"nephew":        {Nibling, GenderMale},
}

// Canonicalize resolves a term (canonical tag or gendered synonym, any case)
// to its canonical type. When a gendered synonym is used the implied gender
// of the named target is returned so callers can backfill an unset gender
// field. Unknown terms return ok=false.
func Canonicalize(term string) (Type, Gender, bool) {
	t := strings.ToLower(strings.TrimSpace(term))
	if t == "" {
		return "", GenderUnknown, false
	}
	if s, ok := synonyms[t]; ok {
		return s.typ, s.gender, true
	}
	if _, ok := registry[Type(t)]; ok {
		return Type(t), GenderUnknown, true
	}
	return "", GenderUnknown, false
}

// ReciprocalOf returns the type that must hold in the opposite direction.
// ok=false means the type has no defined reciprocal (or is unknown).
func ReciprocalOf(t Type) (Type, bool) {
	e, ok := registry[t]
	if !ok || e.reciprocal == "" {
		return "", false
	}
	return e.reciprocal, true
}

// IsSymmetric reports whether the type is its own reciprocal.
func IsSymmetric(t Type) bool {
	return registry[t].symmetric
}

// IsValid reports whether t is part of the vocabulary.
func IsValid(t Type) bool {
	_, ok := registry[t]
	return ok
}

// DisplayTerm renders a type for a target of the given gender. Types without
// gendered forms, and unknown or non-binary genders, render the canonical tag.
func DisplayTerm(t Type, g Gender) string {
	e, ok := registry[t]
	if !ok {
		return string(t)
	}
	switch g {
	case GenderMale:
		if e.male != "" {
			return e.male
		}
	case GenderFemale:
		if e.female != "" {
			return e.female
		}
	}
	return string(t)
}

// Types returns the vocabulary in deterministic order, mainly for reports.
func Types() []Type {
	out := []Type{
		Parent, Child, Grandparent, Grandchild, Sibling, Spouse, Partner,
		Auncle, Nibling, Cousin, Relative, Friend, Colleague, Boss, Employee,
		Acquaintance, Neighbor,
	}
	return out
}
