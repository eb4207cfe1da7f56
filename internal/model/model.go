// Package model holds the typed kind registry: every node kind, its base
// kinds and its properties. The query layer uses it to resolve a property
// path to a scalar kind so predicate values can be coerced before they hit
// the storage backend.
package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Property describes one field of a complex kind.
type Property struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Kind is a named type. A kind without properties and bases is simple
// (string, int64, ...); everything else is complex and participates in the
// kind hierarchy via Bases.
type Kind struct {
	Name       string     `json:"name"`
	Bases      []string   `json:"bases,omitempty"`
	Properties []Property `json:"properties,omitempty"`
}

// simple scalar kind names.
const (
	KindString   = "string"
	KindInt32    = "int32"
	KindInt64    = "int64"
	KindFloat    = "float"
	KindDouble   = "double"
	KindBoolean  = "boolean"
	KindDatetime = "datetime"
	KindDate     = "date"
	KindAny      = "any"
)

var simpleKinds = map[string]bool{
	KindString: true, KindInt32: true, KindInt64: true, KindFloat: true,
	KindDouble: true, KindBoolean: true, KindDatetime: true, KindDate: true,
	KindAny: true,
}

// ValidationError reports a value that does not fit the model.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("model: %s", e.Msg)
	}
	return fmt.Sprintf("model: %s: %s", e.Path, e.Msg)
}

// Model is the resolved kind registry. Safe for concurrent use; Upsert
// swaps the resolved state atomically.
type Model struct {
	mu    sync.RWMutex
	kinds map[string]Kind
	// paths maps a property path (section stripped) to its scalar kind.
	paths map[string]string
}

// New builds a Model from the given kinds on top of the built-in simple
// kinds and base resource kinds.
func New(kinds []Kind) (*Model, error) {
	m := &Model{}
	if err := m.Upsert(builtinKinds()); err != nil {
		return nil, err
	}
	if len(kinds) > 0 {
		if err := m.Upsert(kinds); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Default returns a Model carrying only the built-in kinds.
func Default() *Model {
	m, err := New(nil)
	if err != nil {
		panic(err)
	}
	return m
}

func builtinKinds() []Kind {
	return []Kind{
		{Name: "resource", Properties: []Property{
			{Name: "id", Kind: KindString, Required: true},
			{Name: "name", Kind: KindString},
			{Name: "kind", Kind: KindString, Required: true},
			{Name: "tags", Kind: "dictionary[string, string]"},
			{Name: "ctime", Kind: KindDatetime},
			{Name: "mtime", Kind: KindDatetime},
			{Name: "atime", Kind: KindDatetime},
		}},
		{Name: "graph_root", Bases: []string{"resource"}},
	}
}

// Kinds returns all registered complex kinds sorted by name.
func (m *Model) Kinds() []Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Kind, 0, len(m.kinds))
	for _, k := range m.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Kind looks up one complex kind by name.
func (m *Model) Kind(name string) (Kind, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kinds[name]
	return k, ok
}

// Upsert merges the given kinds into the registry and re-resolves the
// property path table. Unknown base kinds and base cycles are rejected and
// leave the model unchanged.
func (m *Model) Upsert(kinds []Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]Kind, len(m.kinds)+len(kinds))
	for n, k := range m.kinds {
		next[n] = k
	}
	for _, k := range kinds {
		if k.Name == "" {
			return &ValidationError{Msg: "kind without a name"}
		}
		if simpleKinds[k.Name] {
			return &ValidationError{Path: k.Name, Msg: "cannot redefine a simple kind"}
		}
		next[k.Name] = k
	}
	if err := checkBases(next); err != nil {
		return err
	}
	paths, err := resolvePaths(next)
	if err != nil {
		return err
	}
	m.kinds = next
	m.paths = paths
	return nil
}

func checkBases(kinds map[string]Kind) error {
	// visiting: 1 = on stack, 2 = done
	state := map[string]int{}
	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch state[name] {
		case 1:
			return &ValidationError{Path: name, Msg: fmt.Sprintf("base cycle via %s", strings.Join(trail, " -> "))}
		case 2:
			return nil
		}
		state[name] = 1
		k := kinds[name]
		for _, base := range k.Bases {
			if simpleKinds[base] {
				return &ValidationError{Path: name, Msg: fmt.Sprintf("simple kind %q cannot be a base", base)}
			}
			if _, ok := kinds[base]; !ok {
				return &ValidationError{Path: name, Msg: fmt.Sprintf("unknown base kind %q", base)}
			}
			if err := visit(base, append(trail, base)); err != nil {
				return err
			}
		}
		state[name] = 2
		return nil
	}
	for name := range kinds {
		if err := visit(name, []string{name}); err != nil {
			return err
		}
	}
	return nil
}

// resolvePaths flattens every complex kind's properties into a single
// path→scalar-kind table. Nested complex property kinds contribute their
// properties under the parent property's path. Conflicting scalar kinds on
// the same path degrade to "any".
func resolvePaths(kinds map[string]Kind) (map[string]string, error) {
	paths := map[string]string{}
	var addKind func(k Kind, prefix string, depth int)
	addKind = func(k Kind, prefix string, depth int) {
		if depth > 8 {
			return
		}
		for _, base := range k.Bases {
			if bk, ok := kinds[base]; ok {
				addKind(bk, prefix, depth+1)
			}
		}
		for _, p := range k.Properties {
			path := p.Name
			if prefix != "" {
				path = prefix + "." + p.Name
			}
			elem := elementKind(p.Kind)
			if nested, ok := kinds[elem]; ok {
				addKind(nested, path, depth+1)
				continue
			}
			scalar := elem
			if !simpleKinds[scalar] && !strings.HasPrefix(scalar, "dictionary[") {
				scalar = KindAny
			}
			if existing, ok := paths[path]; ok && existing != scalar {
				paths[path] = KindAny
				continue
			}
			paths[path] = scalar
		}
	}
	for _, k := range kinds {
		addKind(k, "", 0)
	}
	return paths, nil
}

// elementKind strips array suffixes: "int64[]" -> "int64".
func elementKind(kind string) string {
	for strings.HasSuffix(kind, "[]") {
		kind = strings.TrimSuffix(kind, "[]")
	}
	return kind
}

// IsArrayKind reports whether the declared kind is an array.
func IsArrayKind(kind string) bool { return strings.HasSuffix(kind, "[]") }
