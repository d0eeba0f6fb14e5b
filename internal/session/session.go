// Package session authenticates credentials into opaque bearer sessions and
// resolves those sessions back to users.
//
// Sessions are never extended in place. Renew deletes the old row and
// inserts a new one, and the delete decides which of two racing renewals
// wins.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/authority/internal/apperr"
	"github.com/example/authority/internal/models"
	"github.com/example/authority/internal/password"
	"github.com/example/authority/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/abtime"
)

const (
	// TTL is the lifetime of a session from issuance.
	TTL = 30 * 24 * time.Hour

	tokenBytes = 48
	// TokenLength is the length of an encoded token.
	TokenLength = tokenBytes * 2

	issueAttempts = 3
)

// Issued is the client-facing result of creating a session.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	UserID    string
}

type Service struct {
	sessions store.SessionRepository
	users    store.UserRepository
	hasher   *password.Hasher
	clock    abtime.AbstractTime
	log      logrus.FieldLogger

	dummyOnce sync.Once
	dummyHash string
}

// NewService returns a Service backed by st. A nil clock means wall time.
func NewService(st store.Store, hasher *password.Hasher, clock abtime.AbstractTime, log logrus.FieldLogger) *Service {
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	return &Service{
		sessions: st.Sessions(),
		users:    st.Users(),
		hasher:   hasher,
		clock:    clock,
		log:      log.WithField("component", "session"),
	}
}

// GenerateToken returns 48 random bytes, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func invalidCredentials() *apperr.Error {
	return apperr.Unauthorized("Invalid credentials.", "Verify that the submitted data is correct.")
}

// Login checks email and password and opens a session. Unknown emails and
// wrong passwords produce the same error.
func (s *Service) Login(ctx context.Context, email, plain string) (*Issued, error) {
	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		// spend the same bcrypt time as a real comparison
		s.hasher.Verify(plain, s.dummy())
		return nil, invalidCredentials()
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !s.hasher.Verify(plain, u.HashedPassword) {
		return nil, invalidCredentials()
	}
	return s.issue(ctx, u.ID)
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash(uuid.NewString())
		if err != nil {
			s.log.WithError(err).Warn("could not prepare dummy password hash")
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// IssueForUser opens a session for userID without checking credentials.
func (s *Service) IssueForUser(ctx context.Context, userID string) (*Issued, error) {
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Unauthorized("User not found.", "Verify the user ID.")
		}
		return nil, apperr.Internal(err)
	}
	return s.issue(ctx, userID)
}

func (s *Service) issue(ctx context.Context, userID string) (*Issued, error) {
	for attempt := 1; ; attempt++ {
		token, err := GenerateToken()
		if err != nil {
			return nil, apperr.Internal(err)
		}
		now := s.clock.Now().UTC()
		sess, err := s.sessions.Create(ctx, &models.Session{
			ID:        uuid.NewString(),
			Token:     token,
			UserID:    userID,
			ExpiresAt: now.Add(TTL),
			CreatedAt: now,
			UpdatedAt: now,
		})
		switch {
		case err == nil:
			return &Issued{Token: sess.Token, ExpiresAt: sess.ExpiresAt, UserID: sess.UserID}, nil
		case errors.Is(err, store.ErrDuplicateToken) && attempt < issueAttempts:
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.Unauthorized("User not found.", "Verify the user ID.")
		default:
			return nil, apperr.Internal(err)
		}
	}
}

// Validate returns the live session for token, or nil if there is none.
// An expired session is deleted on the way.
func (s *Service) Validate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, nil
	}
	sess, err := s.sessions.FindByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.clock.Now()) {
		if _, err := s.sessions.DeleteByToken(ctx, token); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return sess, nil
}

// Renew replaces the session behind token with a fresh one for the same user.
func (s *Service) Renew(ctx context.Context, token string) (*Issued, error) {
	invalid := apperr.Unauthorized("Invalid or expired session", "")
	sess, err := s.Validate(ctx, token)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if sess == nil {
		return nil, invalid
	}
	deleted, err := s.sessions.DeleteByToken(ctx, token)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !deleted {
		// a concurrent renew or logout got there first
		return nil, invalid
	}
	return s.issue(ctx, sess.UserID)
}

// Resolution is the outcome of mapping a presented token to a user.
type Resolution int

const (
	// NoToken means no token was presented.
	NoToken Resolution = iota
	// Resolved means the token maps to a live session and an existing user.
	Resolved
	// Stale means the token is unknown, expired, or its owner is gone.
	Stale
	// LookupFailed means the store could not answer. The token may still be good.
	LookupFailed
)

// Resolve maps token to its owner and reports how the lookup ended. The user
// is non-nil only when the result is Resolved.
func (s *Service) Resolve(ctx context.Context, token string) (*models.User, Resolution) {
	if token == "" {
		return nil, NoToken
	}
	sess, err := s.Validate(ctx, token)
	if err != nil {
		s.log.WithError(err).Warn("session lookup failed")
		return nil, LookupFailed
	}
	if sess == nil {
		return nil, Stale
	}
	u, err := s.users.FindByID(ctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Stale
	}
	if err != nil {
		s.log.WithError(err).Warn("session owner lookup failed")
		return nil, LookupFailed
	}
	return u, Resolved
}

// ResolvePrincipalByToken returns the user owning token, or nil. It never
// fails; lookup errors are logged and treated as no session.
func (s *Service) ResolvePrincipalByToken(ctx context.Context, token string) *models.User {
	u, _ := s.Resolve(ctx, token)
	return u
}

// Logout deletes the session behind token. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.sessions.DeleteByToken(ctx, token); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// ListActive returns the unexpired sessions of userID, oldest first.
func (s *Service) ListActive(ctx context.Context, userID string) ([]*models.Session, error) {
	all, err := s.sessions.FindByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	now := s.clock.Now()
	active := make([]*models.Session, 0, len(all))
	for _, sess := range all {
		if !sess.Expired(now) {
			active = append(active, sess)
		}
	}
	return active, nil
}

// SweepExpired deletes sessions whose expiry has passed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx, s.clock.Now().UTC())
}
