package resource

// Namespaces of capabilities and requirements understood by the resolver.
const (
	NamespaceIdentity = "osgi.identity"
	NamespacePackage  = "osgi.wiring.package"
	NamespaceBundle   = "osgi.wiring.bundle"
	NamespaceHost     = "osgi.wiring.host"
	NamespaceEE       = "osgi.ee"
	NamespaceNative   = "osgi.native"
)

// Well-known attributes.
const (
	AttrVersion       = "version"
	AttrBundleVersion = "bundle-version"
	AttrSymbolicName  = "bundle-symbolic-name"
	AttrType          = "type"
)

// Identity types.
const (
	IdentityTypeBundle   = "osgi.bundle"
	IdentityTypeFragment = "osgi.fragment"
)

// Directives and their values.
const (
	DirectiveResolution = "resolution"
	DirectiveVisibility = "visibility"
	DirectiveSingleton  = "singleton"
	DirectiveUses       = "uses"
	DirectiveFilter     = "filter"

	ResolutionMandatory = "mandatory"
	ResolutionOptional  = "optional"
	VisibilityPrivate   = "private"
	VisibilityReexport  = "reexport"
)

// versionAttr returns the attribute carrying the version for a namespace.
func versionAttr(namespace string) string {
	switch namespace {
	case NamespaceBundle, NamespaceHost:
		return AttrBundleVersion
	}
	return AttrVersion
}
