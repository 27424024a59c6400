// Package schema holds document type descriptors: which fields are base
// inputs, which are computed outputs, and which base fields reference child
// documents of a declared type.
//
// Descriptors are plain data. Computation functions are attached separately
// (see package computed) because they cannot be expressed in CUE.
package schema

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ReservedPrefix marks field names owned by the runtime. User-declared
// fields must not start with it.
const ReservedPrefix = "$"

// Type declares the field sets of a document type.
//
// INVARIANTS (checked by Validate):
//   - Base and Computed are disjoint and contain no duplicates
//   - No field name is empty or starts with ReservedPrefix
//   - Every key of Children is a Base field
type Type struct {
	Name     string
	Base     []string
	Computed []string

	// Children maps a base field to the type name of the document it
	// references. Only declared children are visited by the freshness
	// evaluator.
	Children map[string]string
}

// New creates a Type with the given base and computed fields.
func New(name string, base, computed []string) *Type {
	return &Type{
		Name:     name,
		Base:     slices.Clone(base),
		Computed: slices.Clone(computed),
		Children: map[string]string{},
	}
}

// WithChild declares that base field references a document of childType.
// The field is added to Base if missing.
func (t *Type) WithChild(field, childType string) *Type {
	if !t.IsBase(field) {
		t.Base = append(t.Base, field)
	}
	if t.Children == nil {
		t.Children = map[string]string{}
	}
	t.Children[field] = childType
	return t
}

// IsBase reports whether field is a declared base field.
func (t *Type) IsBase(field string) bool {
	return slices.Contains(t.Base, field)
}

// IsComputed reports whether field is a declared computed field.
func (t *Type) IsComputed(field string) bool {
	return slices.Contains(t.Computed, field)
}

// HasComputed reports whether the type declares any computed fields.
func (t *Type) HasComputed() bool {
	return len(t.Computed) > 0
}

// ChildType returns the declared child type for a base field.
func (t *Type) ChildType(field string) (string, bool) {
	name, ok := t.Children[field]
	return name, ok
}

// ChildFields returns the declared child-reference fields in sorted order.
func (t *Type) ChildFields() []string {
	fields := make([]string, 0, len(t.Children))
	for f := range t.Children {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Validate checks the type invariants.
func (t *Type) Validate() error {
	if t.Name == "" {
		return &Error{Field: "name", Message: "type name is required"}
	}
	seen := make(map[string]string, len(t.Base)+len(t.Computed))
	check := func(kind string, fields []string) error {
		for _, f := range fields {
			if f == "" {
				return &Error{Type: t.Name, Field: kind, Message: "empty field name"}
			}
			if strings.HasPrefix(f, ReservedPrefix) {
				return &Error{Type: t.Name, Field: f, Message: fmt.Sprintf("field names starting with %q are reserved", ReservedPrefix)}
			}
			if prev, dup := seen[f]; dup {
				if prev == kind {
					return &Error{Type: t.Name, Field: f, Message: fmt.Sprintf("duplicate %s field", kind)}
				}
				return &Error{Type: t.Name, Field: f, Message: "field is declared both base and computed"}
			}
			seen[f] = kind
		}
		return nil
	}
	if err := check("base", t.Base); err != nil {
		return err
	}
	if err := check("computed", t.Computed); err != nil {
		return err
	}
	for _, f := range t.ChildFields() {
		if !t.IsBase(f) {
			return &Error{Type: t.Name, Field: f, Message: "child reference must be a base field"}
		}
		if t.Children[f] == "" {
			return &Error{Type: t.Name, Field: f, Message: "child type name is required"}
		}
	}
	return nil
}

// Error describes an invalid type declaration.
type Error struct {
	Type    string
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("type %s: %s: %s", e.Type, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Registry maps type names to descriptors.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewRegistry creates a registry holding the given types.
func NewRegistry(types ...*Type) (*Registry, error) {
	r := &Registry{types: make(map[string]*Type)}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds a type. Registering the same name twice is
// an error.
func (r *Registry) Register(t *Type) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return &Error{Type: t.Name, Field: "name", Message: "type already registered"}
	}
	r.types[t.Name] = t
	return nil
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns all registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckReferences verifies every declared child type is registered.
func (r *Registry) CheckReferences() error {
	for _, name := range r.Names() {
		t, _ := r.Lookup(name)
		for _, f := range t.ChildFields() {
			if _, ok := r.Lookup(t.Children[f]); !ok {
				return &Error{Type: t.Name, Field: f, Message: fmt.Sprintf("unknown child type %q", t.Children[f])}
			}
		}
	}
	return nil
}
