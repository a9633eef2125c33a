package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

func TestRenderASCIILayout(t *testing.T) {
	model, err := Build("order flow", paymentDef(), nil)
	require.NoError(t, err)

	out := RenderASCII(model)

	assert.Contains(t, out, "=== order flow ===")
	assert.Contains(t, out, "start")
	assert.Contains(t, out, "check")
	// Levels separated by connectors.
	assert.Equal(t, 2, strings.Count(out, "▼"))
	// pay and notify share the last level row.
	var lastRow string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "pay") && strings.Contains(line, "notify") {
			lastRow = line
		}
	}
	assert.NotEmpty(t, lastRow, "pay and notify should render side by side")
}

func TestRenderASCIIStatusTags(t *testing.T) {
	nodeRuns := []*store.NodeRun{
		{NodeID: "pay", Status: schema.NodeRunStatusSuccess, DurationMs: 1200},
		{NodeID: "notify", Status: schema.NodeRunStatusSkipped},
	}
	model, err := Build("", paymentDef(), nodeRuns)
	require.NoError(t, err)

	out := RenderASCII(model)

	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[SKIP]")
	assert.Contains(t, out, "1200ms")
}
