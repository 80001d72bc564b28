package cachepacker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashAndPackageFromPath(t *testing.T) {
	hash, pkg := hashAndPackageFromPath("/nix/store/abcdefghijklmnopqrstuvwxyz012345-hello-2.12")

	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz012345", hash)
	assert.Equal(t, "hello-2.12", pkg)
}

func TestHashAndPackageFromPath_NoNameSuffix(t *testing.T) {
	hash, pkg := hashAndPackageFromPath("/nix/store/abcdefghijklmnopqrstuvwxyz012345")

	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz012345", hash)
	assert.Equal(t, "", pkg)
}

func TestCacheNarLocation(t *testing.T) {
	dir := t.TempDir()

	compressed := cacheNarLocation(dir, "abcdefghijklmnopqrstuvwxyz012345", true)
	raw := cacheNarLocation(dir, "abcdefghijklmnopqrstuvwxyz012345", false)

	assert.Equal(t, dir+"/ab/cdefghijklmnopqrstuvwxyz012345.nar.zst", compressed)
	assert.Equal(t, dir+"/ab/cdefghijklmnopqrstuvwxyz012345.nar", raw)
}
