// Package store persists users, activation tokens and sessions.
//
// Three adapters implement Store: an in-memory one for tests and demos, an
// embedded SQLite one and a Postgres one. Uniqueness of usernames
// (case-insensitive), emails and session tokens is enforced here, not by
// callers, so concurrent writers cannot both succeed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/authority/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicateUsername = errors.New("username already registered")
	ErrDuplicateToken    = errors.New("session token already exists")
)

type UserRepository interface {
	Create(ctx context.Context, u *models.User) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	// FindByEmail matches the stored value exactly.
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	// FindByUsername matches case-insensitively.
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	Update(ctx context.Context, id string, upd models.UserUpdate) (*models.User, error)
	// UpdateFeatures replaces the user's feature set.
	UpdateFeatures(ctx context.Context, id string, features []string, at time.Time) (*models.User, error)
}

type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) (*models.Session, error)
	FindByToken(ctx context.Context, token string) (*models.Session, error)
	FindByUserID(ctx context.Context, userID string) ([]*models.Session, error)
	// DeleteByToken reports whether a row was removed.
	DeleteByToken(ctx context.Context, token string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type ActivationRepository interface {
	Create(ctx context.Context, t *models.ActivationToken) (*models.ActivationToken, error)
	FindByID(ctx context.Context, id string) (*models.ActivationToken, error)
	// FindValidByUserID returns the most recently issued unused token that
	// has not expired at now.
	FindValidByUserID(ctx context.Context, userID string, now time.Time) (*models.ActivationToken, error)
	// MarkUsed sets used_at if it is still unset and reports whether it did.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store groups the repositories of one backend.
type Store interface {
	Users() UserRepository
	Sessions() SessionRepository
	Activations() ActivationRepository
	Ping(ctx context.Context) error
	Close() error
}
