// Package native selects the native library clause that applies to the
// running platform.
package native

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/modrt/filter"
	"github.com/GoCodeAlone/modrt/resource"
	"github.com/GoCodeAlone/modrt/version"
)

var (
	ErrNoMatchingClause = errors.New("no native code clause matches the platform")
	ErrInvalidClause    = errors.New("invalid native code clause")
)

// Platform describes the environment clauses are matched against.
type Platform struct {
	OSName     string
	Processor  string
	OSVersion  string
	Language   string
	Properties map[string]any
}

var osAliases = map[string]string{
	"macos":    "darwin",
	"macosx":   "darwin",
	"mac os x": "darwin",
	"osx":      "darwin",
	"win32":    "windows",
	"windows":  "windows",
}

var processorAliases = map[string]string{
	"x86-64":  "amd64",
	"x86_64":  "amd64",
	"em64t":   "amd64",
	"aarch64": "arm64",
	"x86":     "386",
	"i386":    "386",
	"i686":    "386",
}

func canonical(aliases map[string]string, s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := aliases[s]; ok {
		return c
	}
	return s
}

// Select returns the library paths of the clause that best matches p. A
// clause listing languages that match p is preferred over one that lists
// none; otherwise declaration order decides. When nothing matches, an
// optional declaration yields no paths and no error.
func Select(clauses []resource.NativeClause, optional bool, p Platform) ([]string, error) {
	var fallback *resource.NativeClause
	for i := range clauses {
		c := &clauses[i]
		ok, err := matches(c, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if len(c.Languages) > 0 {
			return c.Paths, nil
		}
		if fallback == nil {
			fallback = c
		}
	}
	if fallback != nil {
		return fallback.Paths, nil
	}
	if optional || len(clauses) == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: os=%s processor=%s", ErrNoMatchingClause, p.OSName, p.Processor)
}

func matches(c *resource.NativeClause, p Platform) (bool, error) {
	if !anyEqual(c.OSNames, canonical(osAliases, p.OSName), osAliases) {
		return false, nil
	}
	if !anyEqual(c.Processors, canonical(processorAliases, p.Processor), processorAliases) {
		return false, nil
	}
	if len(c.Languages) > 0 && !anyEqual(c.Languages, strings.ToLower(p.Language), nil) {
		return false, nil
	}
	if len(c.OSVersions) > 0 {
		v, err := version.Parse(p.OSVersion)
		if err != nil {
			return false, nil
		}
		found := false
		for _, raw := range c.OSVersions {
			r, err := version.ParseRange(raw)
			if err != nil {
				return false, fmt.Errorf("%w: %w", ErrInvalidClause, err)
			}
			if r.Includes(v) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if c.SelectionFilter != "" {
		f, err := filter.Compile(c.SelectionFilter)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalidClause, err)
		}
		if !f.MatchesFold(p.Properties) {
			return false, nil
		}
	}
	return true, nil
}

func anyEqual(list []string, want string, aliases map[string]string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if canonical(aliases, s) == want {
			return true
		}
	}
	return false
}
