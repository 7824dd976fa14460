package models

import "time"

// CaptureFrame is one sampled screen frame. Frames are ephemeral: at most
// one pending frame is retained at each pipeline stage and older frames are
// silently discarded (latest-wins, by design).
type CaptureFrame struct {
	Timestamp time.Time
	SourceID  string

	// DataURL holds the downscaled frame encoded as a data URL
	// (data:image/...;base64,...).
	DataURL string

	// Page context captured alongside the frame, forwarded to analysis.
	URL   string
	Title string
}
