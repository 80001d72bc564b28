package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFlakeRunner answers a tiny fixed flake schema:
//
//	packages.x86_64-linux.hello   (type = derivation)
//	packages.x86_64-linux.world   (type = derivation)
//	devShells.x86_64-linux.default (no "type" attribute)
type fakeFlakeRunner struct {
	attrNames map[string][]string
	attrTypes map[string]string
}

func newFakeFlakeRunner() *fakeFlakeRunner {
	return &fakeFlakeRunner{
		attrNames: map[string][]string{
			"packages":               {"x86_64-linux"},
			"packages.x86_64-linux":  {"hello", "world"},
			"devShells":              {"x86_64-linux"},
			"devShells.x86_64-linux": {"default"},
			"legacyPackages":         {},
			"checks":                 {},
			"apps":                   {},
			"hydraJobs":              {},
		},
		attrTypes: map[string]string{
			"packages.x86_64-linux.hello": "derivation",
			"packages.x86_64-linux.world": "derivation",
		},
	}
}

func (f *fakeFlakeRunner) AttrNames(ctx context.Context, repository, attrPath string) ([]string, error) {
	return f.attrNames[attrPath], nil
}

func (f *fakeFlakeRunner) AttrType(ctx context.Context, repository, attrPath string) (string, error) {
	return f.attrTypes[attrPath], nil
}

func (f *fakeFlakeRunner) ResolveDerivation(ctx context.Context, repository, attrPath string) (string, []string, error) {
	return "/nix/store/x-" + attrPath + ".drv", nil, nil
}

func (f *fakeFlakeRunner) Features(ctx context.Context, drvPath string) (string, []string, error) {
	return "x86_64-linux", nil, nil
}

func TestExpandWildcards_LiteralSelectorReturnedAsIs(t *testing.T) {
	runner := newFakeFlakeRunner()

	selectors, err := ParseWildcard("packages.x86_64-linux.hello")
	require.NoError(t, err)

	paths, err := ExpandWildcards(context.Background(), runner, "git+https://example.com?rev=abc", selectors)
	require.NoError(t, err)
	assert.Equal(t, []string{"packages.x86_64-linux.hello"}, paths)
}

func TestExpandWildcards_GlobExpandsAllDerivations(t *testing.T) {
	runner := newFakeFlakeRunner()

	selectors, err := ParseWildcard("packages.*.*")
	require.NoError(t, err)

	paths, err := ExpandWildcards(context.Background(), runner, "git+https://example.com?rev=abc", selectors)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"packages.x86_64-linux.hello", "packages.x86_64-linux.world"}, paths)
}

func TestExpandWildcards_NonDerivationAttrExcluded(t *testing.T) {
	runner := newFakeFlakeRunner()

	selectors, err := ParseWildcard("devShells.*.*")
	require.NoError(t, err)

	paths, err := ExpandWildcards(context.Background(), runner, "git+https://example.com?rev=abc", selectors)
	require.NoError(t, err)
	assert.Empty(t, paths)
}
