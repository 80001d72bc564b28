package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWildcard_Property7(t *testing.T) {
	accept := []string{"a.b", "a.b,c.d"}
	reject := []string{"", "a,,b", " a", "a ", "a b", ".a"}

	for _, s := range accept {
		_, err := ParseWildcard(s)
		assert.NoError(t, err, s)
	}

	for _, s := range reject {
		_, err := ParseWildcard(s)
		assert.Error(t, err, s)
	}
}

func TestParseWildcardSegments(t *testing.T) {
	selectors, err := ParseWildcard("packages.*linux,devShells.x86_64-linux.#")
	require.NoError(t, err)
	require.Len(t, selectors, 2)

	assert.Equal(t, []Segment{
		{Literal: "packages"},
		{IsGlob: true, Prefix: "", Suffix: "linux"},
	}, selectors[0])

	assert.Equal(t, []Segment{
		{Literal: "devShells"},
		{Literal: "x86_64-linux"},
		{IsGlob: true, TypeCheck: true},
	}, selectors[1])
}

func TestSegmentMatches(t *testing.T) {
	glob := Segment{IsGlob: true, Prefix: "x86_64-", Suffix: "-linux"}
	assert.True(t, glob.Matches("x86_64-foo-linux"))
	assert.False(t, glob.Matches("x86_64-linux")) // too short for prefix+suffix overlap rule
	assert.False(t, glob.Matches("aarch64-foo-linux"))

	literal := Segment{Literal: "packages"}
	assert.True(t, literal.Matches("packages"))
	assert.False(t, literal.Matches("package"))
}
