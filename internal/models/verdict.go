package models

// SuggestedAction is the follow-up an analysis verdict recommends.
type SuggestedAction string

const (
	ActionNone  SuggestedAction = "none"
	ActionNudge SuggestedAction = "nudge"
	ActionBlock SuggestedAction = "block"
)

// Verdict is an external judgment of whether current screen content is
// distracting. It is consumed once; only the most recent value is retained,
// for snooze re-arm decisions.
type Verdict struct {
	Distracted      bool            `json:"distracted"`
	Confidence      float64         `json:"confidence"`
	Reason          string          `json:"reason"`
	SuggestedAction SuggestedAction `json:"suggested_action"`
	Categories      []string        `json:"categories,omitempty"`
}

// VerdictLogEntry is one line of the session activity log that feeds the
// end-of-session summary.
type VerdictLogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
	OnTrack   bool   `json:"on_track"`
}
