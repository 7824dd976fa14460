package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorhq/anchor/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(goal string) *models.Session {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return &models.Session{
		Goal:            goal,
		State:           models.SessionStateActive,
		DurationMinutes: 25,
		StartedAt:       now,
		ScheduledEndAt:  now.Add(25 * time.Minute),
		BlockedSites:    []string{"youtube.com", "reddit.com"},
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Session CRUD ---

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Create
	sess := testSession("write design doc")
	err := s.CreateSession(ctx, sess)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	// Get
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Goal, got.Goal)
	assert.Equal(t, models.SessionStateActive, got.State)
	assert.Equal(t, []string{"youtube.com", "reddit.com"}, got.BlockedSites)
	assert.Nil(t, got.EndedAt)
	assert.Nil(t, got.BreakUntil)

	// Update with end-of-session metrics
	ended := sess.StartedAt.Add(25 * time.Minute)
	got.State = models.SessionStateEnded
	got.EndedAt = &ended
	got.Metrics = models.Metrics{
		DistractionCount:     3,
		MonitorAlertCount:    2,
		LongestFocusStreakMs: 600_000,
		LastDistractionAt:    &ended,
		FocusedMs:            1_200_000,
		DistractedMs:         300_000,
	}
	err = s.UpdateSession(ctx, got)
	require.NoError(t, err)

	got2, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStateEnded, got2.State)
	require.NotNil(t, got2.EndedAt)
	assert.Equal(t, ended, got2.EndedAt.UTC())
	assert.Equal(t, 3, got2.Metrics.DistractionCount)
	assert.Equal(t, int64(600_000), got2.Metrics.LongestFocusStreakMs)
	assert.Equal(t, 80, got2.Metrics.FocusScore())

	// Delete
	err = s.DeleteSession(ctx, sess.ID)
	require.NoError(t, err)

	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateSession(ctx, &models.Session{ID: "nope", StartedAt: time.Now(), ScheduledEndAt: time.Now()})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.DeleteSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetActiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetActiveSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	// An ended session is not active.
	old := testSession("old")
	old.State = models.SessionStateEnded
	require.NoError(t, s.CreateSession(ctx, old))

	_, err = s.GetActiveSession(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	// On-break counts as active: the daemon can restore the countdown.
	current := testSession("current")
	current.State = models.SessionStateOnBreak
	current.StartedAt = current.StartedAt.Add(time.Hour)
	until := current.StartedAt.Add(5 * time.Minute)
	current.BreakUntil = &until
	require.NoError(t, s.CreateSession(ctx, current))

	got, err := s.GetActiveSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, current.ID, got.ID)
	require.NotNil(t, got.BreakUntil)
	assert.Equal(t, until, got.BreakUntil.UTC())
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sess := testSession("sess")
		sess.StartedAt = sess.StartedAt.Add(time.Duration(i) * time.Hour)
		sess.ScheduledEndAt = sess.StartedAt.Add(25 * time.Minute)
		require.NoError(t, s.CreateSession(ctx, sess))
	}

	all, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.True(t, all[0].StartedAt.After(all[4].StartedAt), "newest first")

	limited, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEmptyBlocklistRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("monitoring only")
	sess.BlockedSites = nil
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedSites)
}

// --- Verdict log ---

func TestVerdictLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("log test")
	require.NoError(t, s.CreateSession(ctx, sess))

	entries := []models.VerdictLogEntry{
		{Timestamp: 1000, Reason: "editing document", OnTrack: true},
		{Timestamp: 2000, Reason: "watching video", OnTrack: false},
		{Timestamp: 3000, Reason: "back to document", OnTrack: true},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendVerdictLog(ctx, sess.ID, e))
	}

	got, err := s.ListVerdictLog(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	// Clear reports how many were removed and empties the log.
	n, err := s.ClearVerdictLog(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err = s.ListVerdictLog(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVerdictLogCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("cascade")
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.AppendVerdictLog(ctx, sess.ID, models.VerdictLogEntry{Timestamp: 1, Reason: "x"}))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	got, err := s.ListVerdictLog(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got, "log rows removed with their session")
}
