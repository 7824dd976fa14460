package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/internal/models"
)

// fakeClock lets tests advance coordinator time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

type fakeCapture struct {
	mu     sync.Mutex
	begins []string
	stops  int
}

func (f *fakeCapture) Begin(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins = append(f.begins, sessionID)
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

type fakeSurface struct {
	mu      sync.Mutex
	opens   []NudgeParams
	focuses int
	closes  int
	homeErr error
	monitor int
}

func (f *fakeSurface) OpenNudge(p NudgeParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, p)
	return fmt.Sprintf("nudge-%d", len(f.opens)), nil
}

func (f *fakeSurface) FocusNudge(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focuses++
	return nil
}

func (f *fakeSurface) CloseNudge(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSurface) FocusHomeTab(string) error { return f.homeErr }

func (f *fakeSurface) OpenMonitor() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitor++
	return nil
}

func (f *fakeSurface) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opens)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeClock, *fakeCapture) {
	t.Helper()
	clock := newFakeClock()
	cap := &fakeCapture{}
	c := New(DefaultConfig(), slog.New(slog.DiscardHandler))
	c.now = clock.Now
	c.SetCapture(cap)
	return c, clock, cap
}

func TestStartValidation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	t.Run("no goal and no sites", func(t *testing.T) {
		_, err := c.Start(context.Background(), "", 25, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("whitespace-only blocklist", func(t *testing.T) {
		_, err := c.Start(context.Background(), "", 25, []string{"  ", ""})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("goal alone is enough", func(t *testing.T) {
		sess, err := c.Start(context.Background(), "write report", 25, nil)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStateActive, sess.State)
		assert.NotEmpty(t, sess.ID)
	})

	t.Run("blocklist alone is enough", func(t *testing.T) {
		sess, err := c.Start(context.Background(), "", 25, []string{"youtube.com"})
		require.NoError(t, err)
		assert.Equal(t, []string{"youtube.com"}, sess.BlockedSites)
	})
}

func TestStartTearsDownPreviousSession(t *testing.T) {
	c, _, cap := newTestCoordinator(t)

	first, err := c.Start(context.Background(), "first", 25, nil)
	require.NoError(t, err)

	second, err := c.Start(context.Background(), "second", 25, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, []string{first.ID, second.ID}, cap.begins)
	assert.Equal(t, 1, cap.stops, "old capture stopped before new session begins")
}

func TestEvaluateNavigation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Start(context.Background(), "deep work", 25, []string{"youtube.com", "Reddit.com"})
	require.NoError(t, err)

	tests := []struct {
		name string
		url  string
		want NavDecision
	}{
		{"exact match", "https://youtube.com/watch?v=abc", NavBlock},
		{"www prefix", "https://www.youtube.com/", NavBlock},
		{"subdomain", "https://music.youtube.com/library", NavBlock},
		{"case-insensitive entry", "https://reddit.com/r/golang", NavBlock},
		{"substring is not a match", "https://notyoutube.com/", NavAllow},
		{"unrelated host", "https://go.dev/doc", NavAllow},
		{"internal scheme", "chrome://settings", NavAllow},
		{"unparseable", "::not a url::", NavAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nav := c.EvaluateNavigation(tt.url)
			assert.Equal(t, tt.want, nav.Decision)
			if tt.want == NavBlock {
				assert.Contains(t, nav.RedirectURL, "mode=blocked")
				assert.Contains(t, nav.RedirectURL, "goal=deep+work")
			} else {
				assert.Empty(t, nav.RedirectURL)
			}
		})
	}
}

func TestEmptyBlocklistBlocksNothing(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Start(context.Background(), "reading", 25, nil)
	require.NoError(t, err)

	nav := c.EvaluateNavigation("https://youtube.com/")
	assert.Equal(t, NavAllow, nav.Decision)
	assert.Zero(t, c.Status().Metrics.DistractionCount)
}

func TestBreakSuspendsBlocking(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Start(context.Background(), "focus", 25, []string{"youtube.com"})
	require.NoError(t, err)

	require.NoError(t, c.TakeBreak(context.Background()))
	assert.Equal(t, models.SessionStateOnBreak, c.Status().State)

	nav := c.EvaluateNavigation("https://youtube.com/")
	assert.Equal(t, NavAllow, nav.Decision, "breaks allow everything")

	require.NoError(t, c.ResumeFromBreak(context.Background()))
	nav = c.EvaluateNavigation("https://youtube.com/")
	assert.Equal(t, NavBlock, nav.Decision)
}

func TestBreakStateErrors(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	assert.Error(t, c.TakeBreak(context.Background()), "no session")
	assert.Error(t, c.ResumeFromBreak(context.Background()), "no break")

	_, err := c.Start(context.Background(), "focus", 25, nil)
	require.NoError(t, err)
	assert.Error(t, c.ResumeFromBreak(context.Background()), "not on break")

	require.NoError(t, c.TakeBreak(context.Background()))
	assert.Error(t, c.TakeBreak(context.Background()), "already on break")
}

// A session of N minutes with exactly one distraction at offset T must end
// with longest streak max(T, N*60000-T).
func TestLongestStreakSingleDistraction(t *testing.T) {
	for _, tc := range []struct {
		name    string
		offset  time.Duration
		session time.Duration
	}{
		{"early distraction", 2 * time.Minute, 10 * time.Minute},
		{"late distraction", 8 * time.Minute, 10 * time.Minute},
		{"midpoint", 5 * time.Minute, 10 * time.Minute},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, clock, _ := newTestCoordinator(t)
			_, err := c.Start(context.Background(), "focus", int(tc.session.Minutes()), []string{"youtube.com"})
			require.NoError(t, err)

			clock.Advance(tc.offset)
			nav := c.EvaluateNavigation("https://youtube.com/")
			require.Equal(t, NavBlock, nav.Decision)

			clock.Advance(tc.session - tc.offset)
			metrics, err := c.End(context.Background())
			require.NoError(t, err)

			before := tc.offset.Milliseconds()
			after := (tc.session - tc.offset).Milliseconds()
			want := before
			if after > want {
				want = after
			}
			assert.Equal(t, want, metrics.LongestFocusStreakMs)
			assert.Equal(t, 1, metrics.DistractionCount)
		})
	}
}

func TestBreakClosesStreak(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	_, err := c.Start(context.Background(), "focus", 30, nil)
	require.NoError(t, err)

	clock.Advance(7 * time.Minute)
	require.NoError(t, c.TakeBreak(context.Background()))

	clock.Advance(5 * time.Minute)
	require.NoError(t, c.ResumeFromBreak(context.Background()))

	clock.Advance(3 * time.Minute)
	metrics, err := c.End(context.Background())
	require.NoError(t, err)

	assert.Equal(t, (7 * time.Minute).Milliseconds(), metrics.LongestFocusStreakMs,
		"break time does not extend a streak")
}

func TestEndIsIdempotent(t *testing.T) {
	c, clock, cap := newTestCoordinator(t)
	_, err := c.Start(context.Background(), "focus", 25, nil)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	first, err := c.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, (10 * time.Minute).Milliseconds(), first.LongestFocusStreakMs)

	second, err := c.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Metrics{}, second, "second end reports zero metrics")

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, 1, cap.stops, "capture stopped exactly once")
}

func TestLateVerdictDiscarded(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	surface := &fakeSurface{}
	c.SetSurface(surface)

	_, err := c.Start(context.Background(), "focus", 25, nil)
	require.NoError(t, err)
	_, err = c.End(context.Background())
	require.NoError(t, err)

	c.HandleVerdict(&models.Verdict{Distracted: true, Confidence: 0.99, SuggestedAction: models.ActionNudge}, "https://example.com")
	assert.Zero(t, surface.openCount(), "verdict after end must be a no-op")
	assert.Equal(t, models.SessionStateIdle, c.Status().State)
}

func TestVerdictConfidenceGate(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	surface := &fakeSurface{}
	c.SetSurface(surface)
	_, err := c.Start(context.Background(), "focus", 25, nil)
	require.NoError(t, err)

	c.HandleVerdict(&models.Verdict{Distracted: true, Confidence: 0.3, SuggestedAction: models.ActionNudge}, "")
	assert.Zero(t, surface.openCount(), "low confidence does not nudge")

	c.HandleVerdict(&models.Verdict{Distracted: true, Confidence: 0.9, SuggestedAction: models.ActionNudge}, "")
	assert.Equal(t, 1, surface.openCount())
	assert.Equal(t, 1, c.Status().Metrics.MonitorAlertCount)
}

func TestVerdictURLReachesNudge(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	surface := &fakeSurface{}
	c.SetSurface(surface)
	_, err := c.Start(context.Background(), "write report", 25, nil)
	require.NoError(t, err)

	c.HandleVerdict(&models.Verdict{
		Distracted:      true,
		Confidence:      0.9,
		Reason:          "watching videos",
		SuggestedAction: models.ActionNudge,
	}, "https://youtube.com/watch?v=x")

	require.Equal(t, 1, surface.openCount())
	surface.mu.Lock()
	defer surface.mu.Unlock()
	assert.Equal(t, "write report", surface.opens[0].Goal)
	assert.Equal(t, "https://youtube.com/watch?v=x", surface.opens[0].URL)
	assert.Equal(t, "watching videos", surface.opens[0].Reason)
}

func TestSnoozeSuppressesNudges(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	surface := &fakeSurface{}
	c.SetSurface(surface)
	_, err := c.Start(context.Background(), "focus", 25, nil)
	require.NoError(t, err)

	c.ReportDistractionSignal(SourceMonitor, "looking left")
	require.Equal(t, 1, surface.openCount())

	c.Snooze()
	c.ReportDistractionSignal(SourceMonitor, "looking left")
	assert.Equal(t, 1, surface.openCount(), "nudges suppressed during snooze")

	clock.Advance(2 * time.Minute)
	c.ReportDistractionSignal(SourceMonitor, "looking left")
	assert.Equal(t, 2, surface.openCount(), "snooze expired")
}

func TestSnoozeRecheckFreshness(t *testing.T) {
	t.Run("fresh distracted verdict re-nudges", func(t *testing.T) {
		c, clock, _ := newTestCoordinator(t)
		surface := &fakeSurface{}
		c.SetSurface(surface)
		_, err := c.Start(context.Background(), "focus", 25, nil)
		require.NoError(t, err)

		c.HandleVerdict(&models.Verdict{Distracted: true, Confidence: 0.9, SuggestedAction: models.ActionNudge}, "https://news.ycombinator.com")
		require.Equal(t, 1, surface.openCount())

		c.Snooze()
		clock.Advance(c.cfg.SnoozeDuration)
		c.snoozeExpired()
		require.Equal(t, 2, surface.openCount())
		surface.mu.Lock()
		defer surface.mu.Unlock()
		assert.Equal(t, "https://news.ycombinator.com", surface.opens[1].URL, "re-nudge carries the verdict's page")
	})

	t.Run("stale verdict does not re-nudge", func(t *testing.T) {
		c, clock, _ := newTestCoordinator(t)
		surface := &fakeSurface{}
		c.SetSurface(surface)
		_, err := c.Start(context.Background(), "focus", 25, nil)
		require.NoError(t, err)

		c.HandleVerdict(&models.Verdict{Distracted: true, Confidence: 0.9, SuggestedAction: models.ActionNudge}, "")
		require.Equal(t, 1, surface.openCount())

		c.Snooze()
		clock.Advance(3 * time.Minute) // well past verdict freshness
		c.snoozeExpired()
		assert.Equal(t, 1, surface.openCount())
	})
}

func TestNudgeClosedDefaultSnooze(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)
	surface := &fakeSurface{}
	c.SetSurface(surface)
	_, err := c.Start(context.Background(), "focus", 25, nil)
	require.NoError(t, err)

	c.ReportDistractionSignal(SourceMonitor, "looking right")
	require.Equal(t, 1, surface.openCount())

	c.NudgeClosed()
	c.ReportDistractionSignal(SourceMonitor, "looking right")
	assert.Equal(t, 1, surface.openCount(), "short default snooze after dismissal")

	clock.Advance(c.cfg.DefaultSnooze + time.Second)
	c.ReportDistractionSignal(SourceMonitor, "looking right")
	assert.Equal(t, 2, surface.openCount())
}

func TestReturnToFocusFallsBackToMonitor(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	surface := &fakeSurface{homeErr: fmt.Errorf("tab gone")}
	c.SetSurface(surface)
	_, err := c.Start(context.Background(), "focus", 25, nil)
	require.NoError(t, err)

	c.ReportDistractionSignal(SourceMonitor, "looking left")
	c.ReturnToFocus()

	assert.Equal(t, 1, surface.monitor, "fallback view opened when home tab is gone")
	assert.Equal(t, 1, surface.closes)
}

func TestStatusSnapshot(t *testing.T) {
	c, clock, _ := newTestCoordinator(t)

	assert.Equal(t, models.SessionStateIdle, c.Status().State)
	assert.Equal(t, 100, c.Status().FocusScore)

	_, err := c.Start(context.Background(), "ship feature", 25, []string{"news.ycombinator.com"})
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	st := c.Status()
	assert.Equal(t, models.SessionStateActive, st.State)
	assert.Equal(t, "ship feature", st.Goal)
	assert.Equal(t, int64(21*60), st.RemainingSecond)
	assert.Equal(t, (4 * time.Minute).Milliseconds(), st.Metrics.LongestFocusStreakMs,
		"open streak included in snapshot")
}

func TestAttentionSplitFeedsFocusScore(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Start(context.Background(), "focus", 25, nil)
	require.NoError(t, err)

	c.RecordAttentionSplit(90_000, 10_000)
	metrics, err := c.End(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(90_000), metrics.FocusedMs)
	assert.Equal(t, 90, metrics.FocusScore())
}

func TestRedirectURLCarriesContext(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Start(context.Background(), "write the Q3 plan", 25, []string{"twitter.com"})
	require.NoError(t, err)

	nav := c.EvaluateNavigation("https://twitter.com/home")
	require.Equal(t, NavBlock, nav.Decision)
	assert.True(t, strings.HasPrefix(nav.RedirectURL, DefaultConfig().BlockedPageURL+"?"))
	assert.Contains(t, nav.RedirectURL, "url=https%3A%2F%2Ftwitter.com%2Fhome")
}
