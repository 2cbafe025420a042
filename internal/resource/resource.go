package resource

import (
	"fmt"
	"regexp"
)

// ID identifies a resource within a pool.
type ID struct {
	PoolID string `json:"pool_id"`
	Name   string `json:"name"`
}

func (id ID) String() string {
	return id.PoolID + "/" + id.Name
}

// Provenance records which interpreter invocation produced a resource.
// It is informational only; the pool does not own the producer.
type Provenance struct {
	NoteID      string `json:"note_id,omitempty"`
	ParagraphID string `json:"paragraph_id,omitempty"`
	ClassName   string `json:"class_name,omitempty"`
}

// Resource wraps a shared value together with its identity and origin.
type Resource struct {
	ID         ID          `json:"id"`
	Value      any         `json:"value"`
	ClassName  string      `json:"class_name"`
	Provenance *Provenance `json:"provenance,omitempty"`

	// Remote is true when the resource was fetched from another process.
	Remote bool `json:"-"`
}

// New builds a resource and records the runtime type name of value.
func New(prov *Provenance, id ID, value any) Resource {
	return Resource{
		ID:         id,
		Value:      value,
		ClassName:  TypeName(value),
		Provenance: prov,
	}
}

// TypeName returns the Go type name used for class-name filtering.
func TypeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", v)
}

// Set is an ordered collection of resources.
type Set []Resource

// Add appends r, replacing any existing entry with the same ID.
func (s *Set) Add(r Resource) {
	for i := range *s {
		if (*s)[i].ID == r.ID {
			(*s)[i] = r
			return
		}
	}
	*s = append(*s, r)
}

// AddAll adds every resource of other.
func (s *Set) AddAll(other Set) {
	for _, r := range other {
		s.Add(r)
	}
}

// FilterByNameRegex returns the resources whose name fully matches pattern.
// An invalid pattern matches nothing.
func (s Set) FilterByNameRegex(pattern string) Set {
	return s.filter(pattern, func(r Resource) string { return r.ID.Name })
}

// FilterByClassnameRegex returns the resources whose value type name fully
// matches pattern.
func (s Set) FilterByClassnameRegex(pattern string) Set {
	return s.filter(pattern, func(r Resource) string { return r.ClassName })
}

// FilterByName returns the resources with exactly the given name.
func (s Set) FilterByName(name string) Set {
	out := Set{}
	for _, r := range s {
		if r.ID.Name == name {
			out = append(out, r)
		}
	}
	return out
}

func (s Set) filter(pattern string, field func(Resource) string) Set {
	out := Set{}
	re, err := anchored(pattern)
	if err != nil {
		return out
	}
	for _, r := range s {
		if re.MatchString(field(r)) {
			out = append(out, r)
		}
	}
	return out
}

// anchored compiles pattern so that it must match the whole input. pattern
// must compile on its own, otherwise an unbalanced ")" could close the
// wrapping group and leave an alternative unanchored.
func anchored(pattern string) (*regexp.Regexp, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, err
	}
	return regexp.Compile(`^(?:` + pattern + `)$`)
}
