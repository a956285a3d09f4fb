// File: runtimecfg/runtimecfg.go
// Author: momentics <momentics@gmail.com>
//
// Typed, hot-reloadable configuration variables backed by YAML. Generalizes
// the teacher's control.ConfigStore (a map[string]any with reload listeners)
// into per-name typed variables, the way sylar's ConfigVar<T>/Config registry
// does it — but using Go generics instead of a LexicalCast functor pair, and
// gopkg.in/yaml.v3 for the string<->value conversion both directions.

package runtimecfg

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// validNameChars mirrors sylar's Config::Lookup character whitelist.
const validNameChars = "abcdefghijklmnopqrstuvwxyz._0123456789"

func validName(name string) bool {
	return strings.IndexFunc(name, func(r rune) bool {
		return !strings.ContainsRune(validNameChars, r)
	}) == -1
}

// Base is the type-erased view of a Var[T], the equivalent of
// sylar's ConfigVarBase.
type Base interface {
	Name() string
	Description() string
	TypeName() string
	String() string
	FromString(val string) error
}

// listenerID is a single counter shared by every Var, matching ConfigVar's
// static uint64 s_fun_id (change-listener ids are unique process-wide, not
// just per-variable).
var listenerID atomic.Uint64

// Var holds a single named, typed configuration value plus its change
// listeners. The zero value is not usable; construct one via Lookup.
type Var[T any] struct {
	name        string
	description string

	mu        sync.RWMutex
	val       T
	listeners map[uint64]func(oldVal, newVal T)
}

// OnChange registers a callback invoked with (old, new) whenever SetValue
// installs a value that differs from the current one. Returns an id usable
// with RemoveListener.
func (v *Var[T]) OnChange(cb func(oldVal, newVal T)) uint64 {
	id := listenerID.Add(1)
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listeners == nil {
		v.listeners = make(map[uint64]func(oldVal, newVal T))
	}
	v.listeners[id] = cb
	return id
}

// RemoveListener deletes a previously registered change callback.
func (v *Var[T]) RemoveListener(id uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.listeners, id)
}

// ClearListeners removes every registered change callback.
func (v *Var[T]) ClearListeners() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = nil
}

// Value returns the current value.
func (v *Var[T]) Value() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.val
}

// SetValue installs a new value, firing every registered listener with the
// old and new value first when they differ. Equality is judged by comparing
// the YAML encodings of the two values (the same rendering String() uses),
// since T is not constrained to be comparable.
func (v *Var[T]) SetValue(newVal T) {
	v.mu.Lock()
	old := v.val
	oldStr := mustMarshal(old)
	newStr := mustMarshal(newVal)
	if oldStr == newStr {
		v.mu.Unlock()
		return
	}
	v.val = newVal
	cbs := make([]func(T, T), 0, len(v.listeners))
	for _, cb := range v.listeners {
		cbs = append(cbs, cb)
	}
	v.mu.Unlock()

	for _, cb := range cbs {
		cb(old, newVal)
	}
}

func (v *Var[T]) Name() string        { return v.name }
func (v *Var[T]) Description() string { return v.description }
func (v *Var[T]) TypeName() string    { return fmt.Sprintf("%T", v.val) }

// String renders the current value as a YAML scalar/document, the
// equivalent of ConfigVar::toString.
func (v *Var[T]) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return mustMarshal(v.val)
}

// FromString parses val as YAML into T and installs it via SetValue, the
// equivalent of ConfigVar::fromString. Parse failures are returned rather
// than merely logged, since callers (LoadFromYAML) can decide whether a
// single bad key should abort a reload.
func (v *Var[T]) FromString(val string) error {
	var parsed T
	if err := yaml.Unmarshal([]byte(val), &parsed); err != nil {
		return fmt.Errorf("runtimecfg: %s: parse %q as %s: %w", v.name, val, v.TypeName(), err)
	}
	v.SetValue(parsed)
	return nil
}

func mustMarshal(v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(b), "\n")
}

// Registry is the process-wide ConfigVar table, equivalent to sylar's
// Config class (static members turned into an explicit struct so tests can
// construct isolated registries instead of sharing global state).
type Registry struct {
	mu   sync.RWMutex
	data map[string]Base

	fileMu    sync.Mutex
	fileStamp map[string]int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		data:      make(map[string]Base),
		fileStamp: make(map[string]int64),
	}
}

// Default is the process-wide registry most callers use, mirroring the
// teacher's package-level singletons (e.g. control.NewConfigStore call
// sites) rather than forcing dependency injection everywhere.
var Default = NewRegistry()

// Lookup returns the existing Var[T] registered under name, creating it
// with defaultValue and description if absent. Returns an error if name
// contains characters outside [0-9a-z_.], or if name is already registered
// with a different concrete type.
func Lookup[T any](r *Registry, name string, defaultValue T, description string) (*Var[T], error) {
	name = strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.data[name]; ok {
		if v, ok := existing.(*Var[T]); ok {
			return v, nil
		}
		return nil, fmt.Errorf("runtimecfg: %s already registered as %s", name, existing.TypeName())
	}

	if !validName(name) {
		return nil, fmt.Errorf("runtimecfg: invalid name %q", name)
	}

	v := &Var[T]{name: name, description: description, val: defaultValue}
	r.data[name] = v
	return v, nil
}

// LookupBase returns the type-erased variable registered under name, if any.
func (r *Registry) LookupBase(name string) (Base, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.data[strings.ToLower(name)]
	return v, ok
}

// Visit calls cb once for every registered variable.
func (r *Registry) Visit(cb func(Base)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.data {
		cb(v)
	}
}

// flatEntry is one (dotted.key, yamlNode) pair produced by flatten, the
// equivalent of sylar's ListAllMember output list.
type flatEntry struct {
	key  string
	node interface{}
}

// flatten walks a decoded YAML document (maps/slices/scalars as produced by
// yaml.Unmarshal into `any`) and emits one entry per node — both the
// intermediate map nodes and their scalar leaves — exactly as
// ListAllMember does, so a registered Var[T] may match either a leaf
// scalar or an entire subtree.
func flatten(prefix string, node interface{}, out *[]flatEntry) {
	if !validName(prefix) {
		return
	}
	*out = append(*out, flatEntry{key: prefix, node: node})

	m, ok := node.(map[string]interface{})
	if !ok {
		return
	}
	for k, v := range m {
		child := k
		if prefix != "" {
			child = prefix + "." + k
		}
		flatten(strings.ToLower(child), v, out)
	}
}

// LoadFromYAML decodes a YAML document and applies every leaf/subtree value
// to the matching registered Var, the equivalent of Config::LoadFromYaml.
// Keys absent from the registry are silently skipped, matching sylar (a
// config file may carry keys nobody has declared a Var for yet).
func (r *Registry) LoadFromYAML(doc []byte) error {
	var root interface{}
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return fmt.Errorf("runtimecfg: decode yaml: %w", err)
	}

	var entries []flatEntry
	flatten("", root, &entries)

	var firstErr error
	for _, e := range entries {
		if e.key == "" {
			continue
		}
		base, ok := r.LookupBase(e.key)
		if !ok {
			continue
		}
		valStr := mustMarshal(e.node)
		if err := base.FromString(valStr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
