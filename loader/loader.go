// Package loader turns a resolved wiring into a Loader that answers which
// resource provides a package to a bundle and which Go type a declared type
// name stands for.
package loader

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/GoCodeAlone/modrt/resource"
)

var (
	ErrTypeNotFound     = errors.New("type not found")
	ErrNotMaterialized  = errors.New("loader was removed")
	ErrDuplicateType    = errors.New("type already registered")
	ErrUnresolvedLoader = errors.New("cannot materialize an unresolved resource")
)

// Loader is the per-revision view produced by a Backend.
type Loader interface {
	Resource() *resource.Resource
	// PackageSource returns the resource that provides pkg to this revision.
	PackageSource(pkg string) (*resource.Resource, bool)
	// LoadType resolves a qualified type name visible to this revision.
	LoadType(name string) (reflect.Type, *resource.Resource, error)
}

// Backend materializes loaders for resolved revisions.
type Backend interface {
	Materialize(r *resource.Resource, w *resource.Wiring) (Loader, error)
	Remove(l Loader)
}

// SplitTypeName splits "com.acme.api.Greeter" into package and simple name.
func SplitTypeName(name string) (pkg, simple string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// Memory is the default Backend. Go types cannot be loaded from bundle bytes,
// so the types a bundle declares are registered up front and the wiring only
// decides which registration a bundle sees.
type Memory struct {
	// Wirings looks up the current wiring of other resources, used to follow
	// required-bundle re-exports.
	Wirings func(*resource.Resource) *resource.Wiring
	// OnLoad is called after a type is loaded from source.
	OnLoad func(source *resource.Resource, typeName string)

	mu      sync.RWMutex
	types   map[string]reflect.Type
	loaders map[*memoryLoader]bool
}

func NewMemory() *Memory {
	return &Memory{
		types:   map[string]reflect.Type{},
		loaders: map[*memoryLoader]bool{},
	}
}

// RegisterType binds a qualified type name to a Go type.
func (m *Memory) RegisterType(name string, t reflect.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.types[name]; ok && existing != t {
		return fmt.Errorf("%w: %s", ErrDuplicateType, name)
	}
	m.types[name] = t
	return nil
}

// Type returns the Go type registered for name.
func (m *Memory) Type(name string) (reflect.Type, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.types[name]
	return t, ok
}

func (m *Memory) Materialize(r *resource.Resource, w *resource.Wiring) (Loader, error) {
	if w == nil || w.Resource != r {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedLoader, r)
	}
	l := &memoryLoader{backend: m, wiring: w}
	m.mu.Lock()
	m.loaders[l] = true
	m.mu.Unlock()
	return l, nil
}

func (m *Memory) Remove(l Loader) {
	ml, ok := l.(*memoryLoader)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.loaders, ml)
	m.mu.Unlock()
}

// Live reports how many loaders are currently materialized.
func (m *Memory) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loaders)
}

func (m *Memory) live(l *memoryLoader) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaders[l]
}

type memoryLoader struct {
	backend *Memory
	wiring  *resource.Wiring
}

func (l *memoryLoader) Resource() *resource.Resource { return l.wiring.Resource }

// PackageSource delegates in order: imported packages, packages of required
// bundles including their re-exports, then local content.
func (l *memoryLoader) PackageSource(pkg string) (*resource.Resource, bool) {
	for _, w := range l.wiring.RequiredWires(resource.NamespacePackage) {
		if w.Capability.Name() == pkg {
			return w.Capability.Resource(), true
		}
	}
	visited := map[*resource.Resource]bool{}
	for _, w := range l.wiring.RequiredWires(resource.NamespaceBundle) {
		if src, ok := l.fromBundle(w.Provider, pkg, visited); ok {
			return src, true
		}
	}
	if src, ok := declares(l.wiring.Resource, l.wiring.Fragments, pkg); ok {
		return src, true
	}
	return nil, false
}

func (l *memoryLoader) fromBundle(b *resource.Resource, pkg string, visited map[*resource.Resource]bool) (*resource.Resource, bool) {
	if visited[b] {
		return nil, false
	}
	visited[b] = true
	var w *resource.Wiring
	if l.backend.Wirings != nil {
		w = l.backend.Wirings(b)
	}
	var frags []*resource.Resource
	if w != nil {
		frags = w.Fragments
	}
	for _, c := range resource.EffectiveCapabilities(b, frags, resource.NamespacePackage) {
		if c.Name() == pkg {
			return c.Resource(), true
		}
	}
	if w == nil {
		return nil, false
	}
	for _, rw := range w.RequiredWires(resource.NamespaceBundle) {
		if !rw.Requirement.Reexport() {
			continue
		}
		if src, ok := l.fromBundle(rw.Provider, pkg, visited); ok {
			return src, true
		}
	}
	return nil, false
}

// declares finds pkg among the exports or declared types of r and its fragments.
func declares(r *resource.Resource, fragments []*resource.Resource, pkg string) (*resource.Resource, bool) {
	for _, x := range append([]*resource.Resource{r}, fragments...) {
		for _, name := range x.ExportedPackages() {
			if name == pkg {
				return x, true
			}
		}
		for _, t := range x.Types {
			if p, _ := SplitTypeName(t); p == pkg {
				return x, true
			}
		}
	}
	return nil, false
}

func (l *memoryLoader) LoadType(name string) (reflect.Type, *resource.Resource, error) {
	if !l.backend.live(l) {
		return nil, nil, ErrNotMaterialized
	}
	pkg, _ := SplitTypeName(name)
	src, ok := l.PackageSource(pkg)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s from %s", ErrTypeNotFound, name, l.wiring.Resource)
	}
	t, ok := l.backend.Type(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s is not registered", ErrTypeNotFound, name)
	}
	if l.backend.OnLoad != nil {
		l.backend.OnLoad(src, name)
	}
	return t, src, nil
}
