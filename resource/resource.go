// Package resource holds the immutable declarations the resolver works on:
// resources, their capabilities and requirements, and the wires that connect
// them once resolved.
package resource

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/modrt/filter"
	"github.com/GoCodeAlone/modrt/version"
)

// Kind is the variant of a resource.
type Kind int

const (
	KindHost Kind = iota
	KindFragment
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindSystem:
		return "system"
	}
	return "host"
}

// Capability is a typed, attributed fact a resource provides.
type Capability struct {
	Namespace  string
	Attributes map[string]any
	Directives map[string]string

	resource *Resource
}

// Resource returns the declaring resource.
func (c *Capability) Resource() *Resource { return c.resource }

// Name returns the value of the attribute named after the namespace, e.g. the
// package name of an osgi.wiring.package capability.
func (c *Capability) Name() string {
	s, _ := c.Attributes[c.Namespace].(string)
	return s
}

// Version returns the capability's version attribute, or 0.0.0.
func (c *Capability) Version() version.Version {
	switch v := c.Attributes[versionAttr(c.Namespace)].(type) {
	case version.Version:
		return v
	case string:
		parsed, err := version.Parse(v)
		if err == nil {
			return parsed
		}
	}
	return version.Empty
}

// Uses returns the packages listed in the uses directive.
func (c *Capability) Uses() []string {
	return splitList(c.Directives[DirectiveUses])
}

func (c *Capability) String() string {
	if name := c.Name(); name != "" {
		return fmt.Sprintf("[%s] %s; %s=%s", c.resource, c.Namespace, name, c.Version())
	}
	return fmt.Sprintf("[%s] %s", c.resource, c.Namespace)
}

// Requirement is a filtered need a resource declares.
type Requirement struct {
	Namespace  string
	Filter     *filter.Filter
	Directives map[string]string
	Attributes map[string]any

	// Range is checked in addition to Filter when the version range could not
	// be expressed as a filter (semver constraint notation).
	Range *version.Range

	resource *Resource
}

// Resource returns the declaring resource.
func (r *Requirement) Resource() *Resource { return r.resource }

func (r *Requirement) Optional() bool {
	return r.Directives[DirectiveResolution] == ResolutionOptional
}

func (r *Requirement) Reexport() bool {
	return r.Directives[DirectiveVisibility] == VisibilityReexport
}

// Name returns the name the requirement selects on, if its filter pins one.
func (r *Requirement) Name() string {
	v, _ := r.Filter.EqualityValue(r.Namespace)
	return v
}

// Matches reports whether c satisfies the requirement.
func (r *Requirement) Matches(c *Capability) bool {
	if c.Namespace != r.Namespace {
		return false
	}
	if !r.Filter.Matches(c.Attributes) {
		return false
	}
	return r.Range == nil || r.Range.Includes(c.Version())
}

func (r *Requirement) String() string {
	s := fmt.Sprintf("[%s] %s; %s", r.resource, r.Namespace, r.Filter)
	if r.Range != nil {
		s += " " + r.Range.String()
	}
	if r.Optional() {
		s += " (optional)"
	}
	return s
}

// ActivationPolicy controls lazy activation.
type ActivationPolicy struct {
	Lazy    bool
	Include []string
	Exclude []string
}

// Triggers reports whether loading a type from pkg activates a lazy bundle.
func (p ActivationPolicy) Triggers(pkg string) bool {
	for _, e := range p.Exclude {
		if e == pkg {
			return false
		}
	}
	if len(p.Include) == 0 {
		return true
	}
	for _, i := range p.Include {
		if i == pkg {
			return true
		}
	}
	return false
}

// NativeClause is one alternative of a native code declaration.
type NativeClause struct {
	Paths           []string
	OSNames         []string
	Processors      []string
	OSVersions      []string
	Languages       []string
	SelectionFilter string
}

// Resource is the immutable identity record of one revision of a bundle.
type Resource struct {
	SymbolicName string
	Version      version.Version
	Kind         Kind
	Singleton    bool

	// Host is the fragment host requirement; nil unless Kind is KindFragment.
	Host *Requirement

	Activator  string
	Activation ActivationPolicy
	NativeCode []NativeClause
	// NativeOptional allows resolution to proceed when no clause matches.
	NativeOptional bool
	// Types lists the qualified type names (pkg.Name) the revision contains.
	Types []string

	capabilities []*Capability
	requirements []*Requirement
}

func (r *Resource) IsFragment() bool { return r.Kind == KindFragment }

// Capabilities returns the declared capabilities in namespace, or all of them
// when namespace is empty.
func (r *Resource) Capabilities(namespace string) []*Capability {
	if namespace == "" {
		return append([]*Capability(nil), r.capabilities...)
	}
	var out []*Capability
	for _, c := range r.capabilities {
		if c.Namespace == namespace {
			out = append(out, c)
		}
	}
	return out
}

// Requirements returns the declared requirements in namespace, or all of them
// when namespace is empty. The fragment host requirement is included.
func (r *Resource) Requirements(namespace string) []*Requirement {
	if namespace == "" {
		return append([]*Requirement(nil), r.requirements...)
	}
	var out []*Requirement
	for _, q := range r.requirements {
		if q.Namespace == namespace {
			out = append(out, q)
		}
	}
	return out
}

// ExportedPackages returns the names of the packages the resource exports.
func (r *Resource) ExportedPackages() []string {
	var out []string
	for _, c := range r.Capabilities(NamespacePackage) {
		out = append(out, c.Name())
	}
	return out
}

func (r *Resource) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.SymbolicName + "_" + r.Version.String()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
