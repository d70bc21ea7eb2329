package rel

import "testing"

func TestCanonicalizeGenderedSynonyms(t *testing.T) {
	tests := []struct {
		term   string
		typ    Type
		gender Gender
	}{
		{"mother", Parent, GenderFemale},
		{"Father", Parent, GenderMale},
		{"DAUGHTER", Child, GenderFemale},
		{"son", Child, GenderMale},
		{"sister", Sibling, GenderFemale},
		{"husband", Spouse, GenderMale},
		{"aunt", Auncle, GenderFemale},
		{"nephew", Nibling, GenderMale},
	}

	for _, tt := range tests {
		typ, gender, ok := Canonicalize(tt.term)
		if !ok {
			t.Errorf("Canonicalize(%q) not ok", tt.term)
			continue
		}
		if typ != tt.typ {
			t.Errorf("Canonicalize(%q) type = %s, want %s", tt.term, typ, tt.typ)
		}
		if gender != tt.gender {
			t.Errorf("Canonicalize(%q) gender = %v, want %v", tt.term, gender, tt.gender)
		}
	}
}

func TestCanonicalizeCanonicalTerms(t *testing.T) {
	for _, typ := range Types() {
		got, gender, ok := Canonicalize(string(typ))
		if !ok {
			t.Errorf("Canonicalize(%q) not ok", typ)
			continue
		}
		if got != typ {
			t.Errorf("Canonicalize(%q) = %s, want identity", typ, got)
		}
		if gender != GenderUnknown {
			t.Errorf("canonical term %q should not imply a gender, got %v", typ, gender)
		}
	}

	// Case-insensitive
	if typ, _, ok := Canonicalize("  PARENT "); !ok || typ != Parent {
		t.Errorf("Canonicalize(\"  PARENT \") = %s, %v", typ, ok)
	}
}

func TestCanonicalizeUnknown(t *testing.T) {
	for _, term := range []string{"", "   ", "frenemy", "parent-in-law"} {
		if _, _, ok := Canonicalize(term); ok {
			t.Errorf("Canonicalize(%q) should fail", term)
		}
	}
}

func TestReciprocals(t *testing.T) {
	tests := []struct {
		typ        Type
		reciprocal Type
	}{
		{Parent, Child},
		{Child, Parent},
		{Grandparent, Grandchild},
		{Auncle, Nibling},
		{Nibling, Auncle},
		{Boss, Employee},
		{Employee, Boss},
		{Sibling, Sibling},
		{Friend, Friend},
	}

	for _, tt := range tests {
		got, ok := ReciprocalOf(tt.typ)
		if !ok {
			t.Errorf("ReciprocalOf(%s) not ok", tt.typ)
			continue
		}
		if got != tt.reciprocal {
			t.Errorf("ReciprocalOf(%s) = %s, want %s", tt.typ, got, tt.reciprocal)
		}
	}

	if _, ok := ReciprocalOf(Type("frenemy")); ok {
		t.Error("ReciprocalOf should fail for unknown type")
	}
}

func TestSymmetry(t *testing.T) {
	symmetric := []Type{Sibling, Spouse, Partner, Cousin, Relative, Friend, Colleague, Acquaintance, Neighbor}
	for _, typ := range symmetric {
		if !IsSymmetric(typ) {
			t.Errorf("IsSymmetric(%s) = false, want true", typ)
		}
		// Symmetric types are their own reciprocal
		if r, ok := ReciprocalOf(typ); !ok || r != typ {
			t.Errorf("ReciprocalOf(%s) = %s, want itself", typ, r)
		}
	}

	for _, typ := range []Type{Parent, Child, Boss, Employee, Auncle} {
		if IsSymmetric(typ) {
			t.Errorf("IsSymmetric(%s) = true, want false", typ)
		}
	}
}

func TestDisplayTerm(t *testing.T) {
	tests := []struct {
		typ    Type
		gender Gender
		want   string
	}{
		{Parent, GenderFemale, "mother"},
		{Parent, GenderMale, "father"},
		{Parent, GenderUnknown, "parent"},
		{Parent, GenderNonBinary, "parent"},
		{Child, GenderFemale, "daughter"},
		{Cousin, GenderFemale, "cousin"}, // no gendered form
		{Friend, GenderMale, "friend"},
	}

	for _, tt := range tests {
		if got := DisplayTerm(tt.typ, tt.gender); got != tt.want {
			t.Errorf("DisplayTerm(%s, %v) = %q, want %q", tt.typ, tt.gender, got, tt.want)
		}
	}
}

func TestDisplayTermRoundTripsThroughCanonicalize(t *testing.T) {
	// Every gendered display term must canonicalize back to its type.
	for _, typ := range Types() {
		for _, g := range []Gender{GenderMale, GenderFemale} {
			term := DisplayTerm(typ, g)
			back, _, ok := Canonicalize(term)
			if !ok || back != typ {
				t.Errorf("DisplayTerm(%s, %v) = %q does not canonicalize back (got %s, %v)", typ, g, term, back, ok)
			}
		}
	}
}

func TestParseGender(t *testing.T) {
	tests := []struct {
		in   string
		want Gender
	}{
		{"M", GenderMale},
		{"f", GenderFemale},
		{"NB", GenderNonBinary},
		{"female", GenderFemale},
		{" male ", GenderMale},
		{"", GenderUnknown},
		{"X", GenderUnknown},
	}
	for _, tt := range tests {
		if got := ParseGender(tt.in); got != tt.want {
			t.Errorf("ParseGender(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
