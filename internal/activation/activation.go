// Package activation issues and consumes the one-time tokens that upgrade a
// freshly registered account to the activated feature set.
//
// A token is pending until it is consumed or its expiry passes. Both end
// states are terminal. Expiry is evaluated at consume time, so the sweep is
// storage hygiene only.
package activation

import (
	"context"
	"errors"
	"time"

	"github.com/example/authority/internal/apperr"
	"github.com/example/authority/internal/authz"
	"github.com/example/authority/internal/models"
	"github.com/example/authority/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/abtime"
)

// TokenTTL is how long an issued token stays consumable.
const TokenTTL = 15 * time.Minute

type Service struct {
	tokens store.ActivationRepository
	users  store.UserRepository
	clock  abtime.AbstractTime
	log    logrus.FieldLogger
}

// NewService returns a Service backed by st. A nil clock means wall time.
func NewService(st store.Store, clock abtime.AbstractTime, log logrus.FieldLogger) *Service {
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	return &Service{
		tokens: st.Activations(),
		users:  st.Users(),
		clock:  clock,
		log:    log.WithField("component", "activation"),
	}
}

// Issue creates a pending token for userID.
func (s *Service) Issue(ctx context.Context, userID string) (*models.ActivationToken, error) {
	now := s.clock.Now().UTC()
	t, err := s.tokens.Create(ctx, &models.ActivationToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExpiresAt: now.Add(TokenTTL),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("User not found.", "Verify the user ID.").WithCause(err)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return t, nil
}

// Consume activates the owner of tokenID and returns the refreshed user.
// The conditional claim on the token decides which of several concurrent
// calls succeeds.
func (s *Service) Consume(ctx context.Context, tokenID string) (*models.User, error) {
	notFound := apperr.NotFound("Activation token not found", "")
	if _, err := uuid.Parse(tokenID); err != nil {
		return nil, notFound
	}

	t, err := s.tokens.FindByID(ctx, tokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	now := s.clock.Now().UTC()
	if t.Used() {
		return nil, apperr.Forbidden("Activation token already used", "")
	}
	if t.Expired(now) {
		return nil, apperr.Forbidden("Activation token expired", "")
	}

	if _, err := s.users.FindByID(ctx, t.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("User not found", "")
		}
		return nil, apperr.Internal(err)
	}

	// The grant replaces the feature set with a fixed one, so repeating it is
	// harmless. Claiming afterwards keeps the token live if the grant fails.
	u, err := s.users.UpdateFeatures(ctx, t.UserID, authz.ActivatedFeatures(), now)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	claimed, err := s.tokens.MarkUsed(ctx, t.ID, now)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !claimed {
		return nil, apperr.Forbidden("Activation token already used", "")
	}
	s.log.WithFields(logrus.Fields{"user_id": u.ID, "token_id": t.ID}).Info("account activated")
	return u, nil
}

// ConsumeForUser activates userID with its most recently issued valid token.
func (s *Service) ConsumeForUser(ctx context.Context, userID string) (*models.User, error) {
	t, err := s.tokens.FindValidByUserID(ctx, userID, s.clock.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("Activation token not found or expired.", "Create a new account.")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return s.Consume(ctx, t.ID)
}

// SweepExpired deletes tokens whose expiry has passed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.tokens.DeleteExpired(ctx, s.clock.Now().UTC())
}
