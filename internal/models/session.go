package models

import "time"

// SessionState represents the lifecycle state of a focus session.
type SessionState string

const (
	SessionStateIdle    SessionState = "idle"
	SessionStateActive  SessionState = "active"
	SessionStateOnBreak SessionState = "on_break"
	SessionStateEnded   SessionState = "ended"
)

// Session represents one timed focus attempt with a goal and blocking ruleset.
type Session struct {
	ID              string
	Goal            string
	State           SessionState
	DurationMinutes int
	StartedAt       time.Time
	ScheduledEndAt  time.Time
	EndedAt         *time.Time

	// BlockedSites holds normalized hostnames. An empty list means
	// monitoring-only mode: nothing is blocked.
	BlockedSites []string

	// BreakUntil is set while the session is on break so a reopened UI
	// can resume the break countdown.
	BreakUntil *time.Time

	Metrics Metrics
}

// Metrics accumulates per-session focus statistics. It is owned by the
// coordinator and snapshotted exactly once at session end.
type Metrics struct {
	DistractionCount     int        `json:"distraction_count"`
	MonitorAlertCount    int        `json:"monitor_alert_count"`
	LongestFocusStreakMs int64      `json:"longest_focus_streak_ms"`
	LastDistractionAt    *time.Time `json:"last_distraction_at,omitempty"`
	FocusedMs            int64      `json:"focused_ms"`
	DistractedMs         int64      `json:"distracted_ms"`
}

// FocusScore returns the focused share of tracked time as a 0-100 integer.
// Sessions with no tracked time score 100. The exact formula is a product
// default, not an API contract; only the underlying metrics are.
func (m Metrics) FocusScore() int {
	total := m.FocusedMs + m.DistractedMs
	if total <= 0 {
		return 100
	}
	return int(float64(m.FocusedMs)/float64(total)*100 + 0.5)
}
