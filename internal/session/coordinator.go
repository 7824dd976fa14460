// Package session implements the focus-session coordinator: the state
// machine that owns session lifecycle, navigation blocking, distraction
// metrics, and the nudge/snooze policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/anchorhq/anchor/internal/models"
)

// ErrInvalidArgument is returned when a session cannot be started because
// neither a goal nor any blocked sites were provided.
var ErrInvalidArgument = errors.New("a goal or at least one blocked site is required")

// SignalSource identifies where a distraction signal came from.
type SignalSource string

const (
	SourceMonitor  SignalSource = "monitor"
	SourceAnalysis SignalSource = "analysis"
)

// CaptureController drives the frame-capture loop on behalf of the
// coordinator. The coordinator never touches the media stream itself, only
// start/stop signals. Stop must block until the loop has fully exited so a
// subsequent Begin never overlaps two streams.
type CaptureController interface {
	Begin(sessionID string) error
	Stop()
}

// NudgeParams is the context handed to an opened nudge surface.
type NudgeParams struct {
	Goal   string
	URL    string
	Reason string
}

// NudgeSurface is the external nudge UI collaborator. All operations are
// best-effort; the coordinator swallows their errors so a missed nudge never
// blocks the blocking/metrics logic.
type NudgeSurface interface {
	OpenNudge(p NudgeParams) (handle string, err error)
	FocusNudge(handle string) error
	CloseNudge(handle string) error
	FocusHomeTab(ref string) error
	OpenMonitor() error
}

// Recorder persists session rows. Satisfied by store.Store; may be nil.
type Recorder interface {
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
}

// Config holds coordinator policy knobs.
type Config struct {
	BreakDuration    time.Duration // fixed break length
	SnoozeDuration   time.Duration // explicit snooze length
	DefaultSnooze    time.Duration // applied when a nudge is closed without action
	VerdictFreshness time.Duration // max verdict age for snooze re-arm
	ConfidenceFloor  float64       // min confidence to count an analysis verdict

	// BlockedPageURL is the base URL of the blocked/nudge page. The
	// redirect appends goal, url, mode, and reason query parameters.
	BlockedPageURL string
}

// DefaultConfig returns the coordinator policy defaults.
func DefaultConfig() Config {
	return Config{
		BreakDuration:    5 * time.Minute,
		SnoozeDuration:   time.Minute,
		DefaultSnooze:    15 * time.Second,
		VerdictFreshness: 90 * time.Second,
		ConfidenceFloor:  0.6,
		BlockedPageURL:   "http://127.0.0.1:3001/blocked",
	}
}

// nudgeState tracks the nested nudge/snooze machine. Created on the first
// distraction verdict, cleared on session end or an explicit return-to-focus.
type nudgeState struct {
	snoozeUntil time.Time
	handle      string
	homeTabRef  string
}

// Navigation is the result of evaluating a top-level navigation commit.
type Navigation struct {
	Decision    NavDecision
	RedirectURL string // set when Decision is NavBlock
}

// Status is a read-only snapshot of the coordinator for UIs.
type Status struct {
	State           models.SessionState `json:"state"`
	Goal            string              `json:"goal,omitempty"`
	SessionID       string              `json:"session_id,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	ScheduledEndAt  *time.Time          `json:"scheduled_end_at,omitempty"`
	BreakUntil      *time.Time          `json:"break_until,omitempty"`
	BlockedSites    []string            `json:"blocked_sites,omitempty"`
	Metrics         models.Metrics      `json:"metrics"`
	FocusScore      int                 `json:"focus_score"`
	SnoozedUntil    *time.Time          `json:"snoozed_until,omitempty"`
	RemainingSecond int64               `json:"remaining_seconds"`
}

// Coordinator owns exactly one focus session at a time. All session state is
// mutated only through its methods; other components read snapshots or send
// it events.
type Coordinator struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	capture  CaptureController // may be nil (monitor-only deployments)
	surface  NudgeSurface      // may be nil
	recorder Recorder          // may be nil

	sess        *models.Session
	streakStart time.Time

	nudge          nudgeState
	lastVerdict    *models.Verdict
	lastVerdictAt  time.Time
	lastVerdictURL string

	endTimer    *time.Timer
	breakTimer  *time.Timer
	snoozeTimer *time.Timer
}

// New creates an idle coordinator.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, logger: logger, now: time.Now}
}

// SetCapture wires the capture controller. Must be called before Start.
func (c *Coordinator) SetCapture(cc CaptureController) { c.capture = cc }

// SetSurface wires the nudge surface collaborator.
func (c *Coordinator) SetSurface(s NudgeSurface) { c.surface = s }

// SetRecorder wires session persistence.
func (c *Coordinator) SetRecorder(r Recorder) { c.recorder = r }

// Start begins a new focus session. Calling while a session is already
// active first tears the old session down completely (including awaiting the
// old capture loop) before the new one begins.
func (c *Coordinator) Start(ctx context.Context, goal string, durationMinutes int, blockedSites []string) (*models.Session, error) {
	sites := NormalizeSites(blockedSites)
	if goal == "" && len(sites) == 0 {
		return nil, ErrInvalidArgument
	}
	if durationMinutes <= 0 {
		durationMinutes = 25
	}

	c.mu.Lock()
	if c.sess != nil && c.sess.State != models.SessionStateIdle {
		c.endLocked(ctx)
	}

	now := c.now()
	sess := &models.Session{
		ID:              ulid.Make().String(),
		Goal:            goal,
		State:           models.SessionStateActive,
		DurationMinutes: durationMinutes,
		StartedAt:       now,
		ScheduledEndAt:  now.Add(time.Duration(durationMinutes) * time.Minute),
		BlockedSites:    sites,
	}
	c.sess = sess
	c.streakStart = now
	c.nudge = nudgeState{}
	c.lastVerdict = nil
	c.lastVerdictAt = time.Time{}

	c.endTimer = time.AfterFunc(sess.ScheduledEndAt.Sub(now), func() {
		_, _ = c.End(context.Background())
	})

	if c.recorder != nil {
		if err := c.recorder.CreateSession(ctx, sess); err != nil {
			c.logger.Warn("persist session", "error", err)
		}
	}

	capture := c.capture
	id := sess.ID
	c.mu.Unlock()

	// The old loop is fully stopped by endLocked before this point, so two
	// media streams never coexist.
	if capture != nil {
		if err := capture.Begin(id); err != nil {
			c.logger.Error("begin capture", "error", err)
			_, _ = c.End(ctx)
			return nil, fmt.Errorf("begin capture: %w", err)
		}
	}

	c.logger.Info("session started", "id", sess.ID, "goal", goal, "duration_min", durationMinutes, "blocked_sites", len(sites))
	snap := *sess
	return &snap, nil
}

// EvaluateNavigation is called on every top-level navigation commit. While
// on break everything is allowed; otherwise the URL is blocked iff its
// hostname matches a blocklist entry. A Block updates metrics and returns
// the blocked-page redirect URL.
func (c *Coordinator) EvaluateNavigation(rawURL string) Navigation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.State != models.SessionStateActive {
		return Navigation{Decision: NavAllow}
	}
	if len(c.sess.BlockedSites) == 0 {
		// Monitoring-only mode: empty blocklist blocks nothing.
		return Navigation{Decision: NavAllow}
	}

	blocked, host := matchBlocklist(rawURL, c.sess.BlockedSites)
	if !blocked {
		return Navigation{Decision: NavAllow}
	}

	now := c.now()
	c.sess.Metrics.DistractionCount++
	c.closeStreakLocked(now)
	c.streakStart = now
	t := now
	c.sess.Metrics.LastDistractionAt = &t

	c.logger.Info("navigation blocked", "host", host, "count", c.sess.Metrics.DistractionCount)

	q := url.Values{}
	q.Set("goal", c.sess.Goal)
	q.Set("url", rawURL)
	q.Set("mode", "blocked")
	q.Set("reason", "blocked site")
	return Navigation{
		Decision:    NavBlock,
		RedirectURL: c.cfg.BlockedPageURL + "?" + q.Encode(),
	}
}

// TakeBreak transitions Active -> OnBreak and schedules the break-end timer.
func (c *Coordinator) TakeBreak(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.State != models.SessionStateActive {
		return fmt.Errorf("no active session to pause")
	}

	now := c.now()
	c.closeStreakLocked(now)
	until := now.Add(c.cfg.BreakDuration)
	c.sess.State = models.SessionStateOnBreak
	c.sess.BreakUntil = &until

	c.breakTimer = time.AfterFunc(c.cfg.BreakDuration, func() {
		_ = c.ResumeFromBreak(context.Background())
	})

	c.persistLocked(ctx)
	c.logger.Info("break started", "until", until)
	return nil
}

// ResumeFromBreak transitions OnBreak -> Active, either manually or when the
// break timer fires.
func (c *Coordinator) ResumeFromBreak(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.State != models.SessionStateOnBreak {
		return fmt.Errorf("no break in progress")
	}

	if c.breakTimer != nil {
		c.breakTimer.Stop()
		c.breakTimer = nil
	}
	c.sess.State = models.SessionStateActive
	c.sess.BreakUntil = nil
	c.streakStart = c.now()

	c.persistLocked(ctx)
	c.logger.Info("break ended")
	return nil
}

// ReportDistractionSignal records a distraction event from the head-pose
// monitor or the analysis pipeline and applies the nudge policy.
func (c *Coordinator) ReportDistractionSignal(source SignalSource, reason string) {
	c.reportDistraction(source, reason, "")
}

func (c *Coordinator) reportDistraction(source SignalSource, reason, currentURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.State != models.SessionStateActive {
		return
	}

	now := c.now()
	c.sess.Metrics.MonitorAlertCount++
	c.closeStreakLocked(now)
	c.streakStart = now
	t := now
	c.sess.Metrics.LastDistractionAt = &t

	c.logger.Info("distraction signal", "source", source, "reason", reason)
	c.maybeNudgeLocked(reason, currentURL)
}

// HandleVerdict consumes an analysis verdict for the page at currentURL.
// Late verdicts arriving after the session ended are discarded.
func (c *Coordinator) HandleVerdict(v *models.Verdict, currentURL string) {
	if v == nil {
		return
	}
	c.mu.Lock()
	if c.sess == nil || c.sess.State != models.SessionStateActive {
		c.mu.Unlock()
		return
	}
	c.lastVerdict = v
	c.lastVerdictAt = c.now()
	c.lastVerdictURL = currentURL
	act := v.Distracted && v.Confidence >= c.cfg.ConfidenceFloor && v.SuggestedAction != models.ActionNone
	c.mu.Unlock()

	if act {
		c.reportDistraction(SourceAnalysis, v.Reason, currentURL)
	}
}

// RecordAttentionSplit stores the monitor's focused/distracted time split.
func (c *Coordinator) RecordAttentionSplit(focusedMs, distractedMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.State == models.SessionStateIdle {
		return
	}
	c.sess.Metrics.FocusedMs = focusedMs
	c.sess.Metrics.DistractedMs = distractedMs
}

// ReturnToFocus handles the nudge surface's return-to-focus action: snooze
// is cleared immediately and the original home tab is refocused, falling
// back to opening a monitor view if that tab is gone.
func (c *Coordinator) ReturnToFocus() {
	c.mu.Lock()
	c.nudge.snoozeUntil = time.Time{}
	handle := c.nudge.handle
	home := c.nudge.homeTabRef
	c.nudge.handle = ""
	surface := c.surface
	c.mu.Unlock()

	if surface == nil {
		return
	}
	if handle != "" {
		_ = surface.CloseNudge(handle)
	}
	if err := surface.FocusHomeTab(home); err != nil {
		_ = surface.OpenMonitor()
	}
}

// Snooze suppresses nudges for the configured snooze duration and arms a
// one-shot re-check.
func (c *Coordinator) Snooze() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.nudge.snoozeUntil = now.Add(c.cfg.SnoozeDuration)
	if c.nudge.handle != "" && c.surface != nil {
		_ = c.surface.CloseNudge(c.nudge.handle)
		c.nudge.handle = ""
	}
	if c.snoozeTimer != nil {
		c.snoozeTimer.Stop()
	}
	c.snoozeTimer = time.AfterFunc(c.cfg.SnoozeDuration, c.snoozeExpired)
}

// NudgeClosed handles the surface being dismissed without an explicit
// action: a short default snooze avoids immediate re-open thrashing.
func (c *Coordinator) NudgeClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nudge.handle = ""
	c.nudge.snoozeUntil = c.now().Add(c.cfg.DefaultSnooze)
}

// SetHomeTab records the tab to refocus on return-to-focus.
func (c *Coordinator) SetHomeTab(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nudge.homeTabRef = ref
}

// snoozeExpired re-checks the most recent verdict when a snooze runs out.
// Re-nudging only happens if that verdict is still distracted and recent;
// stale verdicts never cause a re-nudge.
func (c *Coordinator) snoozeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.State != models.SessionStateActive {
		return
	}
	v := c.lastVerdict
	if v == nil || !v.Distracted {
		return
	}
	if c.now().Sub(c.lastVerdictAt) > c.cfg.VerdictFreshness {
		return
	}
	c.maybeNudgeLocked(v.Reason, c.lastVerdictURL)
}

// maybeNudgeLocked applies the snooze gate and opens (or refocuses) the
// nudge surface. Surface failures are swallowed: a missed nudge must never
// disturb blocking or metrics.
func (c *Coordinator) maybeNudgeLocked(reason, currentURL string) {
	now := c.now()
	if now.Before(c.nudge.snoozeUntil) {
		return
	}
	if c.surface == nil {
		return
	}
	if c.nudge.handle != "" {
		if err := c.surface.FocusNudge(c.nudge.handle); err == nil {
			return
		}
		c.nudge.handle = ""
	}
	handle, err := c.surface.OpenNudge(NudgeParams{Goal: c.sess.Goal, URL: currentURL, Reason: reason})
	if err != nil {
		c.logger.Debug("open nudge", "error", err)
		return
	}
	c.nudge.handle = handle
}

// End finalizes the session and returns its metrics snapshot. Metrics are
// finalized before capture teardown, so stats are never read mid-teardown.
// Idempotent: ending an idle coordinator returns zero metrics without error.
func (c *Coordinator) End(ctx context.Context) (models.Metrics, error) {
	c.mu.Lock()
	if c.sess == nil || c.sess.State == models.SessionStateIdle {
		c.mu.Unlock()
		return models.Metrics{}, nil
	}
	snapshot := c.endLocked(ctx)
	c.mu.Unlock()
	return snapshot, nil
}

// endLocked runs the full teardown. Caller holds the mutex.
func (c *Coordinator) endLocked(ctx context.Context) models.Metrics {
	now := c.now()
	c.closeStreakLocked(now)

	sess := c.sess
	sess.State = models.SessionStateEnded
	sess.EndedAt = &now
	sess.BreakUntil = nil

	if sess.Metrics.FocusedMs == 0 && sess.Metrics.DistractedMs == 0 {
		sess.Metrics.FocusedMs = now.Sub(sess.StartedAt).Milliseconds()
	}
	snapshot := sess.Metrics

	for _, t := range []*time.Timer{c.endTimer, c.breakTimer, c.snoozeTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.endTimer, c.breakTimer, c.snoozeTimer = nil, nil, nil

	if c.recorder != nil {
		if err := c.recorder.UpdateSession(ctx, sess); err != nil {
			c.logger.Warn("persist session end", "error", err)
		}
	}

	// Teardown happens after the metrics snapshot. Stop blocks until the
	// capture loop has fully exited.
	if c.capture != nil {
		c.capture.Stop()
	}
	if c.surface != nil && c.nudge.handle != "" {
		_ = c.surface.CloseNudge(c.nudge.handle)
	}

	c.nudge = nudgeState{}
	c.lastVerdict = nil
	sess.State = models.SessionStateIdle
	c.sess = nil

	c.logger.Info("session ended", "id", sess.ID,
		"distractions", snapshot.DistractionCount,
		"monitor_alerts", snapshot.MonitorAlertCount,
		"longest_streak_ms", snapshot.LongestFocusStreakMs)
	return snapshot
}

// closeStreakLocked closes the open focus streak, updating the longest
// streak if this one beats it. LongestFocusStreakMs only ever grows.
func (c *Coordinator) closeStreakLocked(now time.Time) {
	if c.streakStart.IsZero() {
		return
	}
	if d := now.Sub(c.streakStart).Milliseconds(); d > c.sess.Metrics.LongestFocusStreakMs {
		c.sess.Metrics.LongestFocusStreakMs = d
	}
	c.streakStart = time.Time{}
}

// persistLocked best-effort updates the stored session row.
func (c *Coordinator) persistLocked(ctx context.Context) {
	if c.recorder == nil || c.sess == nil {
		return
	}
	if err := c.recorder.UpdateSession(ctx, c.sess); err != nil {
		c.logger.Warn("persist session", "error", err)
	}
}

// Status returns a snapshot for UIs. Safe to call in any state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return Status{State: models.SessionStateIdle, FocusScore: 100}
	}

	st := Status{
		State:        c.sess.State,
		Goal:         c.sess.Goal,
		SessionID:    c.sess.ID,
		BlockedSites: c.sess.BlockedSites,
		Metrics:      c.sess.Metrics,
		BreakUntil:   c.sess.BreakUntil,
	}
	started, end := c.sess.StartedAt, c.sess.ScheduledEndAt
	st.StartedAt = &started
	st.ScheduledEndAt = &end
	if !c.nudge.snoozeUntil.IsZero() {
		su := c.nudge.snoozeUntil
		st.SnoozedUntil = &su
	}

	// Include the open streak in the reported metrics without mutating
	// the owned session.
	if !c.streakStart.IsZero() {
		if d := c.now().Sub(c.streakStart).Milliseconds(); d > st.Metrics.LongestFocusStreakMs {
			st.Metrics.LongestFocusStreakMs = d
		}
	}
	if remaining := end.Sub(c.now()); remaining > 0 {
		st.RemainingSecond = int64(remaining.Seconds())
	}
	st.FocusScore = st.Metrics.FocusScore()
	return st
}
