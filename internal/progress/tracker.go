package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the progress of a batch of tables
type Status struct {
	TotalTables     int64
	ProcessedTables int64
	Outcomes        map[string]int64
	StartTime       time.Time
	LastUpdateTime  time.Time
	AverageRate     float64 // tables per minute
	ETA             time.Duration
}

// Tracker tracks batch progress
type Tracker struct {
	mu     sync.RWMutex
	status Status
	now    func() time.Time
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			Outcomes:       make(map[string]int64),
			StartTime:      now,
			LastUpdateTime: now,
		},
		now: time.Now,
	}
}

// SetTotal sets the number of tables in the batch
func (t *Tracker) SetTotal(tables int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalTables = tables
}

// Add records a table finishing with outcome
func (t *Tracker) Add(outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.status.ProcessedTables++
	t.status.Outcomes[outcome]++
	t.status.LastUpdateTime = now

	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageRate = float64(t.status.ProcessedTables) / elapsed.Minutes()
	}
	t.calculateETA()
}

// calculateETA must be called with the lock held
func (t *Tracker) calculateETA() {
	remaining := t.status.TotalTables - t.status.ProcessedTables
	if remaining <= 0 || t.status.AverageRate == 0 {
		t.status.ETA = 0
		return
	}
	minutes := float64(remaining) / t.status.AverageRate
	t.status.ETA = time.Duration(minutes * float64(time.Minute))
}

// GetStatus returns a copy of the current status
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := t.status
	status.Outcomes = make(map[string]int64, len(t.status.Outcomes))
	for k, v := range t.status.Outcomes {
		status.Outcomes[k] = v
	}
	return status
}

// GetProgressPercent returns the progress percentage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalTables == 0 {
		return 0
	}

	return float64(t.status.ProcessedTables) / float64(t.status.TotalTables) * 100
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "estimating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
