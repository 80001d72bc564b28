package pathcache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidKey_PrefixesStorePath(t *testing.T) {
	assert.Equal(t, "path:valid:/nix/store/abc-foo", validKey("/nix/store/abc-foo"))
}

func TestBackoffKey_PrefixesOrganizationID(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "org:no-eligible-server:"+id.String(), backoffKey(id))
}

func TestDefaultTTLs_AreDistinctAndPositive(t *testing.T) {
	assert.Greater(t, defaultValidityTTL.Seconds(), 0.0)
	assert.Greater(t, defaultBackoffTTL.Seconds(), 0.0)
	assert.NotEqual(t, defaultValidityTTL, defaultBackoffTTL)
}
