package store

import (
	"context"
	"errors"

	"github.com/anchorhq/anchor/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for anchor.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetActiveSession(ctx context.Context) (*models.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Verdict log (feeds the end-of-session summary)
	AppendVerdictLog(ctx context.Context, sessionID string, e models.VerdictLogEntry) error
	ListVerdictLog(ctx context.Context, sessionID string) ([]models.VerdictLogEntry, error)
	ClearVerdictLog(ctx context.Context, sessionID string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
