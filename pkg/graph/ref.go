package graph

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RefKind orders the three contact namespaces by specificity: a uuid pins a
// contact exactly, an external id pins it within the vault, a bare name is a
// placeholder until the real document is found.
type RefKind int

const (
	RefName RefKind = iota
	RefExternalID
	RefUUID
)

// ContactRef identifies a contact in exactly one namespace.
type ContactRef struct {
	Kind  RefKind
	Value string
}

// UUIDRef builds a uuid-namespace ref. Values that parse as UUIDs are
// normalized to their canonical lowercase form so differently-cased documents
// refer to the same node.
func UUIDRef(v string) ContactRef {
	if u, err := uuid.Parse(strings.TrimSpace(v)); err == nil {
		return ContactRef{Kind: RefUUID, Value: u.String()}
	}
	return ContactRef{Kind: RefUUID, Value: strings.TrimSpace(v)}
}

// ExternalIDRef builds a ref in the vault-defined id namespace.
func ExternalIDRef(v string) ContactRef {
	return ContactRef{Kind: RefExternalID, Value: strings.TrimSpace(v)}
}

// NameRef builds a placeholder ref for a contact known only by display name.
func NameRef(name string) ContactRef {
	return ContactRef{Kind: RefName, Value: strings.TrimSpace(name)}
}

// ParseRef reads the structured-field value grammar:
// "urn:uuid:<v>", "uid:<v>", or "name:<v>".
func ParseRef(s string) (ContactRef, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(strings.ToLower(s), "urn:uuid:"):
		v := s[len("urn:uuid:"):]
		if strings.TrimSpace(v) == "" {
			return ContactRef{}, fmt.Errorf("empty uuid in %q", s)
		}
		return UUIDRef(v), nil
	case strings.HasPrefix(strings.ToLower(s), "uid:"):
		v := s[len("uid:"):]
		if strings.TrimSpace(v) == "" {
			return ContactRef{}, fmt.Errorf("empty uid in %q", s)
		}
		return ExternalIDRef(v), nil
	case strings.HasPrefix(strings.ToLower(s), "name:"):
		v := s[len("name:"):]
		if strings.TrimSpace(v) == "" {
			return ContactRef{}, fmt.Errorf("empty name in %q", s)
		}
		return NameRef(v), nil
	default:
		return ContactRef{}, fmt.Errorf("unknown ref namespace in %q", s)
	}
}

// ParseIdentity reads a document's UID field: a urn:uuid value, a bare UUID,
// or anything else as an external id.
func ParseIdentity(uid string) (ContactRef, bool) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return ContactRef{}, false
	}
	if strings.HasPrefix(strings.ToLower(uid), "urn:uuid:") {
		return UUIDRef(uid[len("urn:uuid:"):]), true
	}
	if _, err := uuid.Parse(uid); err == nil {
		return UUIDRef(uid), true
	}
	return ExternalIDRef(uid), true
}

// String renders the ref in the structured-field value grammar.
func (r ContactRef) String() string {
	switch r.Kind {
	case RefUUID:
		return "urn:uuid:" + r.Value
	case RefExternalID:
		return "uid:" + r.Value
	default:
		return "name:" + r.Value
	}
}

// Key is a unique map key for the ref. Name refs compare case-insensitively
// so "bob" and "Bob" are the same placeholder.
func (r ContactRef) Key() string {
	v := r.Value
	if r.Kind == RefName {
		v = strings.ToLower(v)
	}
	return fmt.Sprintf("%d:%s", r.Kind, v)
}

// IsPlaceholder reports whether the ref is a name placeholder not yet
// resolved to a real identity.
func (r ContactRef) IsPlaceholder() bool {
	return r.Kind == RefName
}

// Equal reports ref identity (same namespace, same key).
func (r ContactRef) Equal(o ContactRef) bool {
	return r.Key() == o.Key()
}

// MoreSpecific reports whether r identifies a contact more precisely than o.
func (r ContactRef) MoreSpecific(o ContactRef) bool {
	return r.Kind > o.Kind
}
