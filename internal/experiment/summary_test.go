package experiment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wlantb/wtb/internal/fleet"
)

func TestRenderSummary(t *testing.T) {
	results := []fleet.Result{
		{Host: &fleet.Host{ID: "sta2"}, ExitCode: 1},
		{Host: &fleet.Host{ID: "sta1"}},
	}

	var buf bytes.Buffer
	RenderSummary(&buf, results)
	out := buf.String()

	assert.Contains(t, out, "Experiment Summary")
	assert.Contains(t, out, "✓ sta1")
	assert.Contains(t, out, "✗ sta2 (exit 1)")
	assert.Contains(t, out, "1/2 hosts finished cleanly")

	// Results are listed sorted by host id regardless of completion order.
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("sta1")), bytes.Index(buf.Bytes(), []byte("sta2")))
}

func TestRenderSummaryEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderSummary(&buf, nil)
	assert.Contains(t, buf.String(), "0/0 hosts finished cleanly")
}
