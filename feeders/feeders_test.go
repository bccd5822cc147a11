package feeders

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Level int `yaml:"level" toml:"level" env:"LEVEL"`
}

type sample struct {
	Name    string            `yaml:"name" toml:"name" env:"NAME"`
	Count   int               `yaml:"count" toml:"count" env:"COUNT"`
	Enabled bool              `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Timeout time.Duration     `yaml:"timeout" toml:"timeout" env:"TIMEOUT"`
	Envs    []string          `yaml:"envs" toml:"envs" env:"ENVS"`
	Props   map[string]string `yaml:"props" toml:"props" env:"PROPS"`
	Nested  nested            `yaml:"nested" toml:"nested"`
}

func TestYamlFeeder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: a\ncount: 3\nenvs: [x, y]\nnested:\n  level: 2\n"), 0o600))

	var s sample
	require.NoError(t, NewYamlFeeder(path).Feed(&s))
	assert.Equal(t, "a", s.Name)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, []string{"x", "y"}, s.Envs)
	assert.Equal(t, 2, s.Nested.Level)

	require.NoError(t, NewYamlFeeder(filepath.Join(t.TempDir(), "missing.yaml")).Feed(&s))
	assert.ErrorIs(t, NewYamlFeeder(path).Feed(s), ErrInvalidStructure)
}

func TestTomlFeeder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"b\"\nenabled = true\n[props]\nk = \"v\"\n"), 0o600))

	var s sample
	require.NoError(t, NewTomlFeeder(path).Feed(&s))
	assert.Equal(t, "b", s.Name)
	assert.True(t, s.Enabled)
	assert.Equal(t, map[string]string{"k": "v"}, s.Props)
}

func TestAffixedEnvFeeder(t *testing.T) {
	t.Setenv("MODRT_NAME", "from-env")
	t.Setenv("MODRT_COUNT", "7")
	t.Setenv("MODRT_ENABLED", "true")
	t.Setenv("MODRT_TIMEOUT", "250ms")
	t.Setenv("MODRT_ENVS", "GO-1.22, GO-1.23")
	t.Setenv("MODRT_PROPS", "a=1,b=2")
	t.Setenv("MODRT_LEVEL", "4")

	var s sample
	require.NoError(t, NewAffixedEnvFeeder("modrt", "").Feed(&s))
	assert.Equal(t, "from-env", s.Name)
	assert.Equal(t, 7, s.Count)
	assert.True(t, s.Enabled)
	assert.Equal(t, 250*time.Millisecond, s.Timeout)
	assert.Equal(t, []string{"GO-1.22", "GO-1.23"}, s.Envs)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, s.Props)
	assert.Equal(t, 4, s.Nested.Level)
}

func TestAffixedEnvFeederErrors(t *testing.T) {
	var s sample
	assert.ErrorIs(t, NewAffixedEnvFeeder("", "").Feed(&s), ErrEmptyPrefix)
	assert.ErrorIs(t, NewAffixedEnvFeeder("x", "").Feed(nil), ErrInvalidStructure)

	t.Setenv("BAD_COUNT", "many")
	assert.ErrorIs(t, NewAffixedEnvFeeder("bad", "").Feed(&s), ErrCannotConvert)
}
