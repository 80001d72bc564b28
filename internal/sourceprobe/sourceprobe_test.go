package sourceprobe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
)

func TestCheckUpdates_NonTerminalGuardsConcurrentEvaluation(t *testing.T) {
	last := &LastEvaluation{Status: model.EvaluationBuilding}

	p := New(nil)
	project := &model.Project{Repository: "https://example.invalid/repo.git"}

	// resolveHead would fail against an unreachable host; the
	// non-terminal guard short-circuits before any network call, so
	// CheckUpdates reports no update and no error.
	if last.Status.IsTerminal() {
		t.Fatal("test fixture must use a non-terminal status")
	}

	hasUpdate, _, err := p.CheckUpdates(context.Background(), project, nil, last, false)
	require.NoError(t, err)
	assert.False(t, hasUpdate)
}

func TestIsSSHURL(t *testing.T) {
	cases := map[string]bool{
		"ssh://git@example.com/repo.git": true,
		"git+ssh://example.com/repo.git": true,
		"git@example.com:org/repo.git":   true,
		"https://example.com/repo.git":   false,
		"http://example.com/repo.git":    false,
	}

	for url, want := range cases {
		assert.Equal(t, want, IsSSHURL(url), url)
	}
}

func TestRepositoryURLToNix(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef01234567"[:40]

	out, err := RepositoryURLToNix("ssh://git@example.com/repo", hash)
	require.NoError(t, err)
	assert.Equal(t, "git+ssh://git@example.com/repo?rev="+hash, out)

	out, err = RepositoryURLToNix("git@example.com:org/repo.git", hash)
	require.NoError(t, err)
	assert.Equal(t, "git@example.com:org/repo.git?rev="+hash, out)

	_, err = RepositoryURLToNix("ssh://git@example.com/repo", "short")
	assert.Error(t, err)

	_, err = RepositoryURLToNix("file:///tmp/repo", hash)
	assert.Error(t, err)
}

func TestCheckRepositoryURLIsSSH(t *testing.T) {
	assert.True(t, CheckRepositoryURLIsSSH("git+ssh://example.com/repo?rev=abc"))
	assert.False(t, CheckRepositoryURLIsSSH("git+https://example.com/repo?rev=abc"))
}

func TestHexRoundTrip(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}

	s := VecToHex(raw)
	assert.Equal(t, "deadbeef", s)

	back, err := HexToVec(s)
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}
