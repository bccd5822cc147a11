// Package manifest parses bundle descriptors into resources.
//
// A descriptor is a YAML or TOML document:
//
//	symbolicName: com.acme.greeter
//	version: 1.2.0
//	activator: com.acme.greeter.Activator
//	exports:
//	  - package: com.acme.greeter.api
//	    version: 1.2.0
//	    uses: [com.acme.model]
//	imports:
//	  - package: com.acme.model
//	    version: "[1.0,2.0)"
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/GoCodeAlone/modrt/resource"
	"github.com/GoCodeAlone/modrt/version"
	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyDescriptor   = errors.New("empty descriptor")
	ErrUnknownFormat     = errors.New("unknown descriptor format")
	ErrMissingSymbolName = errors.New("descriptor has no symbolicName")
)

// Format is the encoding of a descriptor.
type Format int

const (
	FormatAuto Format = iota
	FormatYAML
	FormatTOML
)

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	}
	return FormatAuto
}

type Export struct {
	Package string   `yaml:"package" toml:"package"`
	Version string   `yaml:"version" toml:"version"`
	Uses    []string `yaml:"uses" toml:"uses"`
}

type Import struct {
	Package  string `yaml:"package" toml:"package"`
	Version  string `yaml:"version" toml:"version"`
	Optional bool   `yaml:"optional" toml:"optional"`
}

type RequireBundle struct {
	Name     string `yaml:"name" toml:"name"`
	Version  string `yaml:"version" toml:"version"`
	Reexport bool   `yaml:"reexport" toml:"reexport"`
	Optional bool   `yaml:"optional" toml:"optional"`
}

type FragmentHost struct {
	Name    string `yaml:"name" toml:"name"`
	Version string `yaml:"version" toml:"version"`
}

type Capability struct {
	Namespace  string            `yaml:"namespace" toml:"namespace"`
	Attributes map[string]any    `yaml:"attributes" toml:"attributes"`
	Directives map[string]string `yaml:"directives" toml:"directives"`
}

type Requirement struct {
	Namespace  string            `yaml:"namespace" toml:"namespace"`
	Filter     string            `yaml:"filter" toml:"filter"`
	Optional   bool              `yaml:"optional" toml:"optional"`
	Directives map[string]string `yaml:"directives" toml:"directives"`
}

type Activation struct {
	Lazy    bool     `yaml:"lazy" toml:"lazy"`
	Include []string `yaml:"include" toml:"include"`
	Exclude []string `yaml:"exclude" toml:"exclude"`
}

type NativeClause struct {
	Paths           []string `yaml:"paths" toml:"paths"`
	OSNames         []string `yaml:"osnames" toml:"osnames"`
	Processors      []string `yaml:"processors" toml:"processors"`
	OSVersions      []string `yaml:"osversions" toml:"osversions"`
	Languages       []string `yaml:"languages" toml:"languages"`
	SelectionFilter string   `yaml:"selectionFilter" toml:"selectionFilter"`
}

type NativeCode struct {
	Optional bool           `yaml:"optional" toml:"optional"`
	Clauses  []NativeClause `yaml:"clauses" toml:"clauses"`
}

// Descriptor is the decoded form of a bundle descriptor.
type Descriptor struct {
	SymbolicName   string          `yaml:"symbolicName" toml:"symbolicName"`
	Version        string          `yaml:"version" toml:"version"`
	Singleton      bool            `yaml:"singleton" toml:"singleton"`
	FragmentHost   *FragmentHost   `yaml:"fragmentHost" toml:"fragmentHost"`
	Activator      string          `yaml:"activator" toml:"activator"`
	Activation     Activation      `yaml:"activation" toml:"activation"`
	StartLevel     int             `yaml:"startLevel" toml:"startLevel"`
	Exports        []Export        `yaml:"exports" toml:"exports"`
	Imports        []Import        `yaml:"imports" toml:"imports"`
	RequireBundles []RequireBundle `yaml:"requireBundles" toml:"requireBundles"`
	Capabilities   []Capability    `yaml:"capabilities" toml:"capabilities"`
	Requirements   []Requirement   `yaml:"requirements" toml:"requirements"`
	NativeCode     *NativeCode     `yaml:"nativeCode" toml:"nativeCode"`
	Types          []string        `yaml:"types" toml:"types"`
}

// Parse decodes data. With FormatAuto, TOML is tried first and YAML second;
// a YAML document never decodes as TOML because TOML keys need '='.
func Parse(data []byte, format Format) (*Descriptor, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDescriptor
	}
	var d Descriptor
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode yaml descriptor: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &d); err != nil {
			return nil, fmt.Errorf("decode toml descriptor: %w", err)
		}
	case FormatAuto:
		if _, err := toml.Decode(string(data), &d); err != nil {
			d = Descriptor{}
			if yerr := yaml.Unmarshal(data, &d); yerr != nil {
				return nil, fmt.Errorf("%w: toml: %v; yaml: %w", ErrUnknownFormat, err, yerr)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
	if strings.TrimSpace(d.SymbolicName) == "" {
		return nil, ErrMissingSymbolName
	}
	return &d, nil
}

// ParseResource is Parse followed by Descriptor.Resource.
func ParseResource(data []byte, format Format) (*Descriptor, *resource.Resource, error) {
	d, err := Parse(data, format)
	if err != nil {
		return nil, nil, err
	}
	r, err := d.Resource()
	if err != nil {
		return nil, nil, err
	}
	return d, r, nil
}

// Resource builds the resource the descriptor declares.
func (d *Descriptor) Resource() (*resource.Resource, error) {
	b := resource.NewBuilder(d.SymbolicName, d.Version)
	if d.Singleton {
		b.Singleton()
	}
	if d.FragmentHost != nil {
		b.FragmentHost(d.FragmentHost.Name, d.FragmentHost.Version)
	}
	if d.Activator != "" {
		b.Activator(d.Activator)
	}
	if d.Activation.Lazy {
		b.Lazy(d.Activation.Include, d.Activation.Exclude)
	}
	for _, e := range d.Exports {
		b.ExportPackage(e.Package, e.Version, e.Uses...)
	}
	for _, i := range d.Imports {
		b.ImportPackage(i.Package, i.Version, i.Optional)
	}
	for _, rb := range d.RequireBundles {
		b.RequireBundle(rb.Name, rb.Version, rb.Reexport, rb.Optional)
	}
	for _, c := range d.Capabilities {
		b.ProvideCapability(c.Namespace, typedAttributes(c.Attributes), c.Directives)
	}
	for _, q := range d.Requirements {
		dirs := map[string]string{}
		for k, v := range q.Directives {
			dirs[k] = v
		}
		if q.Optional {
			dirs[resource.DirectiveResolution] = resource.ResolutionOptional
		}
		b.RequireCapability(q.Namespace, q.Filter, dirs)
	}
	if d.NativeCode != nil {
		clauses := make([]resource.NativeClause, 0, len(d.NativeCode.Clauses))
		for _, c := range d.NativeCode.Clauses {
			clauses = append(clauses, resource.NativeClause(c))
		}
		b.NativeCode(d.NativeCode.Optional, clauses...)
	}
	b.Types(d.Types...)
	return b.Build()
}

// typedAttributes turns version-named string attributes into versions so that
// filters compare them as versions.
func typedAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if s, ok := v.(string); ok && (k == resource.AttrVersion || k == resource.AttrBundleVersion) {
			if parsed, err := version.Parse(s); err == nil {
				out[k] = parsed
				continue
			}
		}
		out[k] = v
	}
	return out
}
