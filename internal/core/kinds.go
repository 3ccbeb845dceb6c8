package core

import (
	"fmt"
	"sort"
	"sync"
)

// FieldSpec describes one field of a target kind.
type FieldSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"` // records must carry a value
	Unique   bool   `json:"unique,omitempty"`   // part of the natural key
}

// KindDefinition describes a target record kind.
type KindDefinition struct {
	Name   string      `json:"name"`
	Label  string      `json:"label,omitempty"`
	Fields []FieldSpec `json:"fields"`
}

// Field returns the spec for name.
func (d KindDefinition) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// UniqueFields returns the names of fields flagged unique, in declaration order.
func (d KindDefinition) UniqueFields() []string {
	var names []string
	for _, f := range d.Fields {
		if f.Unique {
			names = append(names, f.Name)
		}
	}
	return names
}

// Kinds is a registry of target kind definitions.
// The zero value is not usable; create one with NewKinds.
type Kinds struct {
	mu   sync.RWMutex
	defs map[string]KindDefinition
}

// NewKinds creates a registry holding defs.
func NewKinds(defs ...KindDefinition) (*Kinds, error) {
	k := &Kinds{defs: make(map[string]KindDefinition, len(defs))}
	for _, def := range defs {
		if err := k.Register(def); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Register adds a kind definition.
// Returns an error if a kind with the same name is already registered.
func (k *Kinds) Register(def KindDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("kind name is required")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.defs[def.Name]; exists {
		return fmt.Errorf("kind already registered: %s", def.Name)
	}

	seen := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		if f.Name == "" {
			return fmt.Errorf("kind %s: field name is required", def.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("kind %s: duplicate field %s", def.Name, f.Name)
		}
		seen[f.Name] = true
	}

	k.defs[def.Name] = def
	return nil
}

// Get returns a kind definition by name.
// Returns false if not found.
func (k *Kinds) Get(name string) (KindDefinition, bool) {
	if k == nil {
		return KindDefinition{}, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()

	def, ok := k.defs[name]
	return def, ok
}

// All returns every registered kind sorted by name.
func (k *Kinds) All() []KindDefinition {
	if k == nil {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()

	result := make([]KindDefinition, 0, len(k.defs))
	for _, def := range k.defs {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result
}

// Len returns the number of registered kinds.
func (k *Kinds) Len() int {
	if k == nil {
		return 0
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.defs)
}

// PermitsEmpty reports whether records of kind may omit field.
// Unknown kinds and undeclared fields are permissive; required fields are not.
func (k *Kinds) PermitsEmpty(kind, field string) bool {
	def, ok := k.Get(kind)
	if !ok {
		return true
	}
	spec, ok := def.Field(field)
	if !ok {
		return true
	}
	return !spec.Required
}
