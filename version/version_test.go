package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", "0.0.0"},
		{"1", "1.0.0"},
		{"1.2", "1.2.0"},
		{"1.2.3", "1.2.3"},
		{"1.2.3.beta_1", "1.2.3.beta_1"},
		{"v2.0.1", "2.0.1"},
		{"1.2.3-rc.1", "1.2.3-rc.1"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}

	_, err := Parse("one.two")
	require.ErrorIs(t, err, ErrInvalidVersion)
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, MustParse("1.0").Compare(MustParse("1.0.1")))
	assert.Equal(t, 1, MustParse("2.0").Compare(MustParse("1.9.9")))
	assert.Equal(t, 0, MustParse("1").Compare(MustParse("1.0.0")))
	assert.Equal(t, -1, MustParse("1.0.0").Compare(MustParse("1.0.0.a")))
	assert.Equal(t, -1, MustParse("1.0.0.a").Compare(MustParse("1.0.0.b")))
	assert.True(t, Empty.Equal(MustParse("0.0.0")))
}

func TestRangeIncludes(t *testing.T) {
	tests := []struct {
		rng string
		in  []string
		out []string
	}{
		{"[1.0,2.0)", []string{"1.0", "1.5.3", "1.9.9.z"}, []string{"0.9", "2.0"}},
		{"(1.0,2.0]", []string{"1.0.1", "2.0"}, []string{"1.0", "2.0.1"}},
		{"1.2", []string{"1.2", "9.0"}, []string{"1.1.9"}},
		{"", []string{"0.0.0", "42"}, nil},
		{"^1.2", []string{"1.2.0", "1.9"}, []string{"2.0", "1.1"}},
		{">=1.0 <1.5", []string{"1.4.9"}, []string{"1.5.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			r, err := ParseRange(tt.rng)
			require.NoError(t, err)
			for _, v := range tt.in {
				assert.True(t, r.Includes(MustParse(v)), "%s should include %s", tt.rng, v)
			}
			for _, v := range tt.out {
				assert.False(t, r.Includes(MustParse(v)), "%s should exclude %s", tt.rng, v)
			}
		})
	}
}

func TestParseRangeErrors(t *testing.T) {
	for _, raw := range []string{"[1.0,2.0", "[2.0,1.0]", "[1.0,1.0)", "[1.0]", "not a range!"} {
		_, err := ParseRange(raw)
		assert.ErrorIs(t, err, ErrInvalidRange, raw)
	}
}

func TestRangeFilterString(t *testing.T) {
	assert.Equal(t, "(&(version>=1.0.0)(!(version>=2.0.0)))", MustParseRange("[1.0,2.0)").FilterString("version"))
	assert.Equal(t, "(&(!(version<=1.0.0))(version<=2.0.0))", MustParseRange("(1.0,2.0]").FilterString("version"))
	assert.Equal(t, "(version>=1.0.0)", MustParseRange("1.0").FilterString("version"))
	assert.Empty(t, MustParseRange("^1.0").FilterString("version"))
}
