package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	tr := NewTracker()
	start := tr.status.StartTime
	clock := start
	tr.now = func() time.Time { return clock }

	tr.SetTotal(4)
	assert.Zero(t, tr.GetProgressPercent())

	clock = start.Add(time.Minute)
	tr.Add("complete")
	clock = start.Add(2 * time.Minute)
	tr.Add("needs_init")

	status := tr.GetStatus()
	assert.Equal(t, int64(2), status.ProcessedTables)
	assert.Equal(t, map[string]int64{"complete": 1, "needs_init": 1}, status.Outcomes)
	assert.InDelta(t, 1.0, status.AverageRate, 0.001)
	assert.Equal(t, 2*time.Minute, status.ETA)
	assert.InDelta(t, 50.0, tr.GetProgressPercent(), 0.001)

	// the copy is detached from the tracker
	status.Outcomes["complete"] = 99
	assert.Equal(t, int64(1), tr.GetStatus().Outcomes["complete"])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "estimating...", FormatDuration(0))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "3m5s", FormatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h0m1s", FormatDuration(2*time.Hour+time.Second))
}

func TestDisplay(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(3)
	tr.Add("failed")
	tr.Add("complete")
	tr.Add("complete_with_update")

	var out bytes.Buffer
	d := NewDisplay(tr, time.Hour, &out)

	line := d.Line()
	assert.Contains(t, line, "3/3 tables")
	assert.Contains(t, line, "complete=1 complete_with_update=1 failed=1")
	assert.Contains(t, line, "100.0%")

	d.Start()
	d.Stop()

	summary := out.String()
	require.Contains(t, summary, "Sync run finished")
	assert.Less(t, strings.Index(summary, "complete:"), strings.Index(summary, "failed:"))
}

func TestProgressBarClamps(t *testing.T) {
	assert.Equal(t, "[----] 0.0%", strings.Join(strings.Fields(progressBar(-5, 4)), " "))
	assert.Equal(t, "[####] 100.0%", progressBar(150, 4))
}
