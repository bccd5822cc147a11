package native

import (
	"testing"

	"github.com/GoCodeAlone/modrt/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var linux = Platform{
	OSName:     "Linux",
	Processor:  "x86_64",
	OSVersion:  "6.1.0",
	Language:   "en",
	Properties: map[string]any{"modrt.gpu": "true"},
}

func TestSelect(t *testing.T) {
	clauses := []resource.NativeClause{
		{Paths: []string{"win/greet.dll"}, OSNames: []string{"win32"}},
		{Paths: []string{"linux/old.so"}, OSNames: []string{"linux"}, OSVersions: []string{"[2.6,3.0)"}},
		{Paths: []string{"linux/greet.so"}, OSNames: []string{"linux"}, Processors: []string{"amd64"}},
		{Paths: []string{"linux/greet_en.so"}, OSNames: []string{"linux"}, Languages: []string{"en"}},
	}
	paths, err := Select(clauses, false, linux)
	require.NoError(t, err)
	assert.Equal(t, []string{"linux/greet_en.so"}, paths)

	paths, err = Select(clauses[:3], false, linux)
	require.NoError(t, err)
	assert.Equal(t, []string{"linux/greet.so"}, paths)
}

func TestSelectionFilter(t *testing.T) {
	clauses := []resource.NativeClause{
		{Paths: []string{"gpu.so"}, SelectionFilter: "(MODRT.GPU=true)"},
		{Paths: []string{"cpu.so"}},
	}
	paths, err := Select(clauses, false, linux)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu.so"}, paths)

	paths, err = Select(clauses, false, Platform{OSName: "linux"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu.so"}, paths)
}

func TestSelectNoMatch(t *testing.T) {
	clauses := []resource.NativeClause{{Paths: []string{"a.dll"}, OSNames: []string{"windows"}}}

	_, err := Select(clauses, false, linux)
	assert.ErrorIs(t, err, ErrNoMatchingClause)

	paths, err := Select(clauses, true, linux)
	require.NoError(t, err)
	assert.Nil(t, paths)

	_, err = Select([]resource.NativeClause{{SelectionFilter: "(broken"}}, false, linux)
	assert.ErrorIs(t, err, ErrInvalidClause)
}
