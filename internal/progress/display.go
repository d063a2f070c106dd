package progress

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// outcomeOrder lists the outcomes shown first, in this order
var outcomeOrder = []string{"complete", "complete_with_update", "needs_init", "failed"}

// Display handles the progress display
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display after printing the final summary
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, d.Line())
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.Summary(), "\n"))
			return
		}
	}
}

// Line renders a one line progress update
func (d *Display) Line() string {
	status := d.tracker.GetStatus()
	percent := d.tracker.GetProgressPercent()
	return fmt.Sprintf("%s %d/%d tables | %s | elapsed %s | eta %s",
		progressBar(percent, 30),
		status.ProcessedTables, status.TotalTables,
		formatOutcomes(status.Outcomes),
		FormatDuration(time.Since(status.StartTime).Truncate(time.Second)),
		FormatDuration(status.ETA),
	)
}

// Summary renders the final report lines
func (d *Display) Summary() []string {
	status := d.tracker.GetStatus()

	lines := []string{
		"",
		"Sync run finished",
		strings.Repeat("=", 40),
		fmt.Sprintf("Tables processed: %d/%d", status.ProcessedTables, status.TotalTables),
	}
	for _, name := range sortedOutcomes(status.Outcomes) {
		lines = append(lines, fmt.Sprintf("  %-22s %d", name+":", status.Outcomes[name]))
	}
	lines = append(lines,
		fmt.Sprintf("Total time: %s", FormatDuration(time.Since(status.StartTime).Truncate(time.Second))),
		"",
	)
	return lines
}

func formatOutcomes(outcomes map[string]int64) string {
	parts := make([]string, 0, len(outcomes))
	for _, name := range sortedOutcomes(outcomes) {
		parts = append(parts, fmt.Sprintf("%s=%d", name, outcomes[name]))
	}
	if len(parts) == 0 {
		return "no results yet"
	}
	return strings.Join(parts, " ")
}

func sortedOutcomes(outcomes map[string]int64) []string {
	var names []string
	seen := make(map[string]bool)
	for _, name := range outcomeOrder {
		if _, ok := outcomes[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range outcomes {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}

// IsTerminalSupported reports whether f is an interactive terminal
func IsTerminalSupported(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
