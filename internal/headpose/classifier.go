// Package headpose implements a webcam head-pose heuristic: a facing-screen /
// not-facing-screen verdict derived from 2D facial landmark positions.
//
// This is a heuristic, not a 3D pose estimator. It can misclassify under
// lighting changes, camera angle changes, or partial occlusion, and it only
// handles a single face.
package headpose

import (
	"math"
	"time"
)

// Landmark indices in the tracker's position array. The tracker is an
// external capability; these match the clmtrackr layout it exposes.
const (
	idxLeftEyeOuter  = 23
	idxLeftEyeInner  = 25
	idxRightEyeOuter = 28
	idxRightEyeInner = 30
	idxNoseTip       = 62
	idxNoseFallback1 = 41
	idxNoseFallback2 = 37

	// minLandmarks is the minimum number of positions with real
	// coordinates required to treat a frame as "face present".
	minLandmarks = 15
)

// Point is a 2D landmark position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmarks is an indexed set of tracker positions. Entries may be nil when
// the tracker could not resolve that landmark this frame.
type Landmarks []*Point

// Metrics holds the per-frame geometric readings.
type Metrics struct {
	// Asymmetry is (rightDist - leftDist) / (rightDist + leftDist), where
	// each dist is eye-center-to-nose. The ratio is scale-invariant, so it
	// is robust to distance-from-camera changes; raw pixel offsets are not.
	Asymmetry float64
	// IPD is the inter-pupillary distance, kept for baseline sanity checks.
	IPD       float64
	LeftDist  float64
	RightDist float64
}

// Baseline is the user's neutral facing-screen reading, captured once per
// monitoring session and frozen. Later deltas are measured against it.
type Baseline struct {
	Asymmetry float64 `json:"asymmetry"`
	IPD       float64 `json:"ipd"`
}

func distance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

func (l Landmarks) point(idx int) (Point, bool) {
	if idx < 0 || idx >= len(l) || l[idx] == nil {
		return Point{}, false
	}
	return *l[idx], true
}

// present reports whether the frame carries enough real landmark data to
// count as a visible face.
func (l Landmarks) present() bool {
	if len(l) < minLandmarks {
		return false
	}
	for i := 0; i < minLandmarks; i++ {
		if l[i] != nil {
			return true
		}
	}
	return false
}

// ComputeMetrics derives the eye-to-nose asymmetry reading from a landmark
// frame. Returns false when the required landmarks are missing or degenerate.
func ComputeMetrics(l Landmarks) (Metrics, bool) {
	leftOuter, ok1 := l.point(idxLeftEyeOuter)
	leftInner, ok2 := l.point(idxLeftEyeInner)
	rightInner, ok3 := l.point(idxRightEyeInner)
	rightOuter, ok4 := l.point(idxRightEyeOuter)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Metrics{}, false
	}

	nose, ok := l.point(idxNoseTip)
	if !ok {
		if nose, ok = l.point(idxNoseFallback1); !ok {
			if nose, ok = l.point(idxNoseFallback2); !ok {
				return Metrics{}, false
			}
		}
	}

	leftCenter := Point{X: (leftOuter.X + leftInner.X) / 2, Y: (leftOuter.Y + leftInner.Y) / 2}
	rightCenter := Point{X: (rightOuter.X + rightInner.X) / 2, Y: (rightOuter.Y + rightInner.Y) / 2}

	leftDist := distance(leftCenter, nose)
	rightDist := distance(rightCenter, nose)
	sum := leftDist + rightDist
	if sum < 1 {
		return Metrics{}, false
	}

	return Metrics{
		Asymmetry: (rightDist - leftDist) / sum,
		IPD:       distance(leftCenter, rightCenter),
		LeftDist:  leftDist,
		RightDist: rightDist,
	}, true
}

// round3 rounds to 3 decimal places. Deltas are rounded before threshold
// comparison so the classification cannot flap on float noise.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// State is the classifier's attention state.
type State string

const (
	StateFocused    State = "focused"
	StateDistracted State = "distracted"
	StateAway       State = "away"
)

// Config holds the classifier tuning knobs.
type Config struct {
	// ThresholdLeft and ThresholdRight are deliberately unequal: the
	// asymmetry geometry is more sensitive to left turns for typical
	// webcam placement, so the left threshold is tighter.
	ThresholdLeft  float64
	ThresholdRight float64

	// BaselineSamples and BaselineTimeout bound the auto-calibration
	// window: baseline capture ends after this many valid samples or this
	// much elapsed time, whichever comes first.
	BaselineSamples int
	BaselineTimeout time.Duration

	// AwayTimeout is how long landmarks may be absent before the state
	// flips to Away.
	AwayTimeout time.Duration

	// AlertDelay is how long a Distracted/Away condition must persist
	// before an alert is raised.
	AlertDelay time.Duration
}

// DefaultConfig returns the tuning used by the monitor.
func DefaultConfig() Config {
	return Config{
		ThresholdLeft:   0.001,
		ThresholdRight:  0.008,
		BaselineSamples: 18,
		BaselineTimeout: 3 * time.Second,
		AwayTimeout:     1200 * time.Millisecond,
		AlertDelay:      3 * time.Second,
	}
}

// Observation is the outcome of feeding one landmark frame to the classifier.
type Observation struct {
	State        State
	FacingScreen bool
	Direction    string
	Calibrating  bool

	// Alert is true at most once per persistent distraction episode, after
	// the condition has held for AlertDelay.
	Alert bool
}

// Classifier turns a stream of landmark frames into attention states with
// debounced alerts. Not safe for concurrent use; the monitor loop is the
// single caller.
type Classifier struct {
	cfg Config
	now func() time.Time

	baseline        *Baseline
	baselineFrames  []Metrics
	baselineStarted time.Time
	capturing       bool

	// calibratedDelta is an optional secondary offset captured when an
	// explicit gaze calibration completes. Zero until then.
	calibratedDelta float64
	lastDelta       float64
	haveLastDelta   bool

	lastSeen        time.Time
	state           State
	distractedSince time.Time
	alerted         bool
}

// New creates a classifier and starts its baseline capture window.
func New(cfg Config) *Classifier {
	c := &Classifier{cfg: cfg, now: time.Now}
	c.Reset()
	return c
}

// Reset discards the baseline and all episode state, restarting calibration.
// Called when monitoring (re)starts.
func (c *Classifier) Reset() {
	now := c.now()
	c.baseline = nil
	c.baselineFrames = c.baselineFrames[:0]
	c.baselineStarted = now
	c.capturing = true
	c.calibratedDelta = 0
	c.haveLastDelta = false
	c.lastSeen = now
	c.state = StateFocused
	c.distractedSince = time.Time{}
	c.alerted = false
}

// Baseline returns the frozen baseline, or nil while still calibrating.
func (c *Classifier) Baseline() *Baseline {
	return c.baseline
}

// CompleteCalibration records the current head delta as the calibrated
// neutral posture. Called when an explicit gaze-calibration step finishes;
// the offset defaults to zero if this never happens.
func (c *Classifier) CompleteCalibration() {
	if c.haveLastDelta {
		c.calibratedDelta = c.lastDelta
	} else {
		c.calibratedDelta = 0
	}
}

// Observe feeds one landmark frame and returns the resulting observation.
func (c *Classifier) Observe(l Landmarks) Observation {
	now := c.now()

	if !l.present() {
		if now.Sub(c.lastSeen) > c.cfg.AwayTimeout {
			return c.transition(StateAway, "not visible", now)
		}
		// Within the away window: hold the previous state.
		return Observation{State: c.state, FacingScreen: c.state == StateFocused, Direction: "detecting"}
	}
	c.lastSeen = now

	m, ok := ComputeMetrics(l)
	if ok {
		base := 0.0
		if c.baseline != nil {
			base = c.baseline.Asymmetry
		}
		c.lastDelta = m.Asymmetry - base
		c.haveLastDelta = true
	}

	if c.capturing {
		if ok {
			c.baselineFrames = append(c.baselineFrames, m)
		}
		timedOut := now.Sub(c.baselineStarted) > c.cfg.BaselineTimeout
		if len(c.baselineFrames) >= c.cfg.BaselineSamples || timedOut {
			c.baseline = averageBaseline(c.baselineFrames)
			c.capturing = false
		} else {
			return Observation{State: c.state, FacingScreen: true, Direction: "calibrating", Calibrating: true}
		}
	}

	if !ok {
		// Metrics unavailable this frame; treat as still facing.
		return c.transition(StateFocused, "centered", now)
	}

	facing, direction := c.classify(m)
	if !facing {
		return c.transition(StateDistracted, direction, now)
	}
	return c.transition(StateFocused, direction, now)
}

// classify applies the asymmetric thresholds to the baseline-relative delta.
func (c *Classifier) classify(m Metrics) (facing bool, direction string) {
	base := 0.0
	if c.baseline != nil {
		base = c.baseline.Asymmetry
	}
	delta := round3(m.Asymmetry - base)
	change := delta - round3(c.calibratedDelta)

	switch {
	case change >= c.cfg.ThresholdLeft:
		return false, "looking left"
	case change <= -c.cfg.ThresholdRight:
		return false, "looking right"
	default:
		return true, "centered"
	}
}

// transition updates episode state and decides whether to raise an alert.
func (c *Classifier) transition(state State, direction string, now time.Time) Observation {
	if state != c.state {
		if state == StateFocused {
			c.distractedSince = time.Time{}
			c.alerted = false
		} else if c.state == StateFocused {
			c.distractedSince = now
			c.alerted = false
		}
		c.state = state
	}

	obs := Observation{
		State:        state,
		FacingScreen: state == StateFocused,
		Direction:    direction,
	}

	if state != StateFocused && !c.distractedSince.IsZero() && !c.alerted {
		if now.Sub(c.distractedSince) >= c.cfg.AlertDelay {
			c.alerted = true
			obs.Alert = true
		}
	}
	return obs
}

// averageBaseline folds the capture-window samples into a frozen baseline.
// With zero samples the baseline falls back to zero.
func averageBaseline(frames []Metrics) *Baseline {
	if len(frames) == 0 {
		return &Baseline{}
	}
	var asym, ipd float64
	for _, f := range frames {
		asym += f.Asymmetry
		ipd += f.IPD
	}
	n := float64(len(frames))
	return &Baseline{Asymmetry: asym / n, IPD: ipd / n}
}
