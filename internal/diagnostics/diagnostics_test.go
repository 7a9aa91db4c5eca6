package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectNeverFails(t *testing.T) {
	r := Collect(t.TempDir())
	require.NotNil(t, r)

	assert.NotEmpty(t, r.OS)
	assert.NotEmpty(t, r.Arch)
	assert.Greater(t, r.CPUCores, 0)

	// Hardware probes may be gated off in sandboxes; they must degrade to
	// warnings, never to zeroed totals with no explanation.
	if r.MemTotalMB == 0 {
		assert.NotEmpty(t, r.Warnings)
	}
}

func TestCollectEmptyPathFallsBack(t *testing.T) {
	r := Collect("")
	require.NotNil(t, r)
}

func TestCheckTool(t *testing.T) {
	assert.False(t, CheckTool(""))
	assert.False(t, CheckTool("definitely-not-a-real-binary-name"))
	// go itself is running these tests.
	assert.True(t, CheckTool("go"))
}
