package resource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/modrt/filter"
	"github.com/GoCodeAlone/modrt/version"
)

var (
	ErrInvalidDeclaration = errors.New("invalid resource declaration")
)

// Builder assembles a Resource. Errors are collected and reported by Build.
type Builder struct {
	res  *Resource
	errs []error
}

// NewBuilder starts a host resource with the given symbolic name and version.
func NewBuilder(symbolicName, ver string) *Builder {
	b := &Builder{res: &Resource{SymbolicName: strings.TrimSpace(symbolicName)}}
	if b.res.SymbolicName == "" {
		b.fail("missing symbolic name")
	}
	v, err := version.Parse(ver)
	if err != nil {
		b.errs = append(b.errs, err)
	}
	b.res.Version = v
	return b
}

func (b *Builder) fail(format string, args ...any) {
	b.errs = append(b.errs, fmt.Errorf("%w: %s: %s", ErrInvalidDeclaration, b.res.SymbolicName, fmt.Sprintf(format, args...)))
}

// Singleton marks the resource as a singleton.
func (b *Builder) Singleton() *Builder {
	b.res.Singleton = true
	return b
}

// System marks the resource as the system bundle revision.
func (b *Builder) System() *Builder {
	b.res.Kind = KindSystem
	return b
}

// FragmentHost turns the resource into a fragment of the named host.
func (b *Builder) FragmentHost(host, versionRange string) *Builder {
	q := b.requirement(NamespaceHost, host, versionRange, AttrBundleVersion)
	if q == nil {
		return b
	}
	b.res.Kind = KindFragment
	b.res.Host = q
	b.res.requirements = append(b.res.requirements, q)
	return b
}

// ExportPackage declares a package capability.
func (b *Builder) ExportPackage(pkg, ver string, uses ...string) *Builder {
	v, err := version.Parse(ver)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("export %s: %w", pkg, err))
		return b
	}
	attrs := map[string]any{
		NamespacePackage: pkg,
		AttrVersion:      v,
	}
	dirs := map[string]string{}
	if len(uses) > 0 {
		dirs[DirectiveUses] = strings.Join(uses, ",")
	}
	return b.ProvideCapability(NamespacePackage, attrs, dirs)
}

// ImportPackage declares a package requirement.
func (b *Builder) ImportPackage(pkg, versionRange string, optional bool) *Builder {
	q := b.requirement(NamespacePackage, pkg, versionRange, AttrVersion)
	if q == nil {
		return b
	}
	if optional {
		q.Directives[DirectiveResolution] = ResolutionOptional
	}
	b.res.requirements = append(b.res.requirements, q)
	return b
}

// RequireBundle declares a bundle requirement.
func (b *Builder) RequireBundle(name, versionRange string, reexport, optional bool) *Builder {
	q := b.requirement(NamespaceBundle, name, versionRange, AttrBundleVersion)
	if q == nil {
		return b
	}
	if reexport {
		q.Directives[DirectiveVisibility] = VisibilityReexport
	}
	if optional {
		q.Directives[DirectiveResolution] = ResolutionOptional
	}
	b.res.requirements = append(b.res.requirements, q)
	return b
}

// RequireExecutionEnvironment declares an osgi.ee requirement from a filter.
func (b *Builder) RequireExecutionEnvironment(expr string) *Builder {
	return b.RequireCapability(NamespaceEE, expr, nil)
}

// ProvideCapability declares a generic capability.
func (b *Builder) ProvideCapability(namespace string, attrs map[string]any, dirs map[string]string) *Builder {
	if attrs == nil {
		attrs = map[string]any{}
	}
	if dirs == nil {
		dirs = map[string]string{}
	}
	b.res.capabilities = append(b.res.capabilities, &Capability{
		Namespace:  namespace,
		Attributes: attrs,
		Directives: dirs,
		resource:   b.res,
	})
	return b
}

// RequireCapability declares a generic requirement.
func (b *Builder) RequireCapability(namespace, expr string, dirs map[string]string) *Builder {
	f, err := filter.Compile(expr)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	if dirs == nil {
		dirs = map[string]string{}
	}
	if expr != "" {
		dirs[DirectiveFilter] = expr
	}
	b.res.requirements = append(b.res.requirements, &Requirement{
		Namespace:  namespace,
		Filter:     f,
		Directives: dirs,
		Attributes: map[string]any{},
		resource:   b.res,
	})
	return b
}

// Activator names the activator the framework instantiates on start.
func (b *Builder) Activator(name string) *Builder {
	b.res.Activator = name
	return b
}

// Lazy sets a lazy activation policy.
func (b *Builder) Lazy(include, exclude []string) *Builder {
	b.res.Activation = ActivationPolicy{Lazy: true, Include: include, Exclude: exclude}
	return b
}

// NativeCode declares native library clauses.
func (b *Builder) NativeCode(optional bool, clauses ...NativeClause) *Builder {
	b.res.NativeCode = append(b.res.NativeCode, clauses...)
	b.res.NativeOptional = optional
	return b
}

// Types declares the qualified type names the resource contains.
func (b *Builder) Types(names ...string) *Builder {
	b.res.Types = append(b.res.Types, names...)
	return b
}

func (b *Builder) requirement(namespace, name, versionRange, attr string) *Requirement {
	if strings.TrimSpace(name) == "" {
		b.fail("%s requirement without a name", namespace)
		return nil
	}
	rng, err := version.ParseRange(versionRange)
	if err != nil {
		b.errs = append(b.errs, err)
		return nil
	}
	expr := fmt.Sprintf("(%s=%s)", namespace, name)
	q := &Requirement{
		Namespace:  namespace,
		Directives: map[string]string{},
		Attributes: map[string]any{},
		resource:   b.res,
	}
	if rng.IsConstraint() {
		q.Range = &rng
	} else if vf := rng.FilterString(attr); vf != "" && versionRange != "" {
		expr = fmt.Sprintf("(&%s%s)", expr, vf)
	}
	f, err := filter.Compile(expr)
	if err != nil {
		b.errs = append(b.errs, err)
		return nil
	}
	q.Filter = f
	q.Directives[DirectiveFilter] = f.String()
	return q
}

// Build validates the declarations and adds the identity, bundle and host
// capabilities implied by the resource kind.
func (b *Builder) Build() (*Resource, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	r := b.res

	seen := map[string]bool{}
	for _, c := range r.capabilities {
		if c.Namespace != NamespacePackage {
			continue
		}
		if seen[c.Name()] {
			return nil, fmt.Errorf("%w: %s: package %s exported twice", ErrInvalidDeclaration, r.SymbolicName, c.Name())
		}
		seen[c.Name()] = true
	}

	implied := []*Capability{b.identity()}
	if r.Kind != KindFragment {
		singleton := map[string]string{}
		if r.Singleton {
			singleton[DirectiveSingleton] = "true"
		}
		implied = append(implied,
			&Capability{
				Namespace:  NamespaceBundle,
				Attributes: map[string]any{NamespaceBundle: r.SymbolicName, AttrBundleVersion: r.Version},
				Directives: singleton,
				resource:   r,
			},
			&Capability{
				Namespace:  NamespaceHost,
				Attributes: map[string]any{NamespaceHost: r.SymbolicName, AttrBundleVersion: r.Version},
				Directives: singleton,
				resource:   r,
			},
		)
	}
	r.capabilities = append(implied, r.capabilities...)
	return r, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Resource {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

func (b *Builder) identity() *Capability {
	r := b.res
	typ := IdentityTypeBundle
	if r.Kind == KindFragment {
		typ = IdentityTypeFragment
	}
	dirs := map[string]string{}
	if r.Singleton {
		dirs[DirectiveSingleton] = "true"
	}
	return &Capability{
		Namespace: NamespaceIdentity,
		Attributes: map[string]any{
			NamespaceIdentity: r.SymbolicName,
			AttrVersion:       r.Version,
			AttrType:          typ,
		},
		Directives: dirs,
		resource:   r,
	}
}
