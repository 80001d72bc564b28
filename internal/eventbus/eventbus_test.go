package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusEvent_MarshalsOmitsEmptyFields(t *testing.T) {
	ev := StatusEvent{
		Kind:      "build",
		ID:        "b1",
		Status:    "Completed",
		Timestamp: time.Unix(0, 0).UTC(),
	}

	assert.Empty(t, ev.Error)
	assert.Empty(t, ev.EvaluationID)

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(body), `"error"`)
	assert.NotContains(t, string(body), `"evaluation_id"`)
}

func TestRoutingKey_CombinesKindAndStatus(t *testing.T) {
	ev := StatusEvent{Kind: "build", Status: "Completed"}
	assert.Equal(t, "build.Completed", ev.Kind+"."+ev.Status)
}
