package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/anchorhq/anchor/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const sessionColumns = `id, goal, state, duration_minutes, started_at, scheduled_end_at, ended_at, break_until, blocked_sites,
	distraction_count, monitor_alert_count, longest_focus_streak_ms, last_distraction_at, focused_ms, distracted_ms`

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = ulid.Make().String()
	}

	sites, err := json.Marshal(sess.BlockedSites)
	if err != nil {
		return fmt.Errorf("encode blocked sites: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Goal, string(sess.State), sess.DurationMinutes,
		sess.StartedAt.UTC(), sess.ScheduledEndAt.UTC(), nullTime(sess.EndedAt), nullTime(sess.BreakUntil), string(sites),
		sess.Metrics.DistractionCount, sess.Metrics.MonitorAlertCount, sess.Metrics.LongestFocusStreakMs,
		nullTime(sess.Metrics.LastDistractionAt), sess.Metrics.FocusedMs, sess.Metrics.DistractedMs,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetActiveSession(ctx context.Context) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE state IN ('active', 'on_break')
		ORDER BY started_at DESC LIMIT 1`)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sites, err := json.Marshal(sess.BlockedSites)
	if err != nil {
		return fmt.Errorf("encode blocked sites: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET goal = ?, state = ?, duration_minutes = ?, started_at = ?, scheduled_end_at = ?,
		ended_at = ?, break_until = ?, blocked_sites = ?,
		distraction_count = ?, monitor_alert_count = ?, longest_focus_streak_ms = ?,
		last_distraction_at = ?, focused_ms = ?, distracted_ms = ?
		WHERE id = ?`,
		sess.Goal, string(sess.State), sess.DurationMinutes, sess.StartedAt.UTC(), sess.ScheduledEndAt.UTC(),
		nullTime(sess.EndedAt), nullTime(sess.BreakUntil), string(sites),
		sess.Metrics.DistractionCount, sess.Metrics.MonitorAlertCount, sess.Metrics.LongestFocusStreakMs,
		nullTime(sess.Metrics.LastDistractionAt), sess.Metrics.FocusedMs, sess.Metrics.DistractedMs,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Verdict log ---

func (s *SQLiteStore) AppendVerdictLog(ctx context.Context, sessionID string, e models.VerdictLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verdict_log (session_id, ts, reason, on_track) VALUES (?, ?, ?, ?)`,
		sessionID, e.Timestamp, e.Reason, boolToInt(e.OnTrack))
	if err != nil {
		return fmt.Errorf("append verdict log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListVerdictLog(ctx context.Context, sessionID string) ([]models.VerdictLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, reason, on_track FROM verdict_log WHERE session_id = ? ORDER BY ts`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list verdict log: %w", err)
	}
	defer rows.Close()

	var entries []models.VerdictLogEntry
	for rows.Next() {
		var e models.VerdictLogEntry
		var onTrack int
		if err := rows.Scan(&e.Timestamp, &e.Reason, &onTrack); err != nil {
			return nil, fmt.Errorf("scan verdict log: %w", err)
		}
		e.OnTrack = onTrack != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ClearVerdictLog(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM verdict_log WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear verdict log: %w", err)
	}
	return res.RowsAffected()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var state, sites string
	var endedAt, breakUntil, lastDistraction sql.NullTime

	err := row.Scan(&sess.ID, &sess.Goal, &state, &sess.DurationMinutes,
		&sess.StartedAt, &sess.ScheduledEndAt, &endedAt, &breakUntil, &sites,
		&sess.Metrics.DistractionCount, &sess.Metrics.MonitorAlertCount, &sess.Metrics.LongestFocusStreakMs,
		&lastDistraction, &sess.Metrics.FocusedMs, &sess.Metrics.DistractedMs)
	if err != nil {
		return nil, err
	}

	sess.State = models.SessionState(state)
	if err := json.Unmarshal([]byte(sites), &sess.BlockedSites); err != nil {
		return nil, fmt.Errorf("decode blocked sites: %w", err)
	}
	sess.EndedAt = timePtr(endedAt)
	sess.BreakUntil = timePtr(breakUntil)
	sess.Metrics.LastDistractionAt = timePtr(lastDistraction)
	return sess, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
