package derivcache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAuditEvent_DefaultsAreZeroUntilRecorded(t *testing.T) {
	ev := AuditEvent{
		BuildID:      uuid.New(),
		EvaluationID: uuid.New(),
		FromStatus:   "Building",
		ToStatus:     "Completed",
	}

	assert.Equal(t, uuid.Nil, ev.ID)
	assert.True(t, ev.CreatedAt.IsZero())
}

func TestDerivationDocument_RoundTripFields(t *testing.T) {
	doc := derivationDocument{
		DerivationPath: "/nix/store/abc-foo.drv",
		JSON:           `{"outputs":{"out":{}}}`,
	}

	assert.Equal(t, "/nix/store/abc-foo.drv", doc.DerivationPath)
	assert.Contains(t, doc.JSON, "outputs")
}
