// Package user registers accounts and applies profile changes.
package user

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/example/authority/internal/apperr"
	"github.com/example/authority/internal/authz"
	"github.com/example/authority/internal/mail"
	"github.com/example/authority/internal/models"
	"github.com/example/authority/internal/password"
	"github.com/example/authority/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/abtime"
)

// notifyTimeout bounds a single activation email delivery.
const notifyTimeout = 30 * time.Second

// TokenIssuer creates activation tokens for new accounts.
type TokenIssuer interface {
	Issue(ctx context.Context, userID string) (*models.ActivationToken, error)
}

// Changes is a partial profile update. Nil fields are left untouched.
type Changes struct {
	Username *string
	Email    *string
	Password *string
}

type Service struct {
	users    store.UserRepository
	hasher   *password.Hasher
	tokens   TokenIssuer
	notifier mail.Notifier
	clock    abtime.AbstractTime
	log      logrus.FieldLogger

	pending sync.WaitGroup
}

func NewService(st store.Store, hasher *password.Hasher, tokens TokenIssuer, notifier mail.Notifier, clock abtime.AbstractTime, log logrus.FieldLogger) *Service {
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	return &Service{
		users:    st.Users(),
		hasher:   hasher,
		tokens:   tokens,
		notifier: notifier,
		clock:    clock,
		log:      log.WithField("component", "user"),
	}
}

func emailTaken() *apperr.Error {
	return apperr.Conflict("The provided email is already in use.", "Use another email to complete this operation.")
}

func usernameTaken() *apperr.Error {
	return apperr.Conflict("The provided username is already in use.", "Use another username to complete this operation.")
}

func usernameNotFound() *apperr.Error {
	return apperr.NotFound("The informed username was not found in the system.",
		"Verify if the username is spelled correctly.")
}

// storeErr maps storage failures onto domain errors.
func storeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrDuplicateEmail):
		return emailTaken().WithCause(err)
	case errors.Is(err, store.ErrDuplicateUsername):
		return usernameTaken().WithCause(err)
	default:
		return apperr.Internal(err)
	}
}

// exists reports whether a lookup found something. Lookup errors other
// than not-found are returned.
func exists(u *models.User, err error) (*models.User, bool, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Internal(err)
	}
	return u, true, nil
}

// Register creates an account with the registration feature set, issues an
// activation token and sends the activation email in the background.
func (s *Service) Register(ctx context.Context, username, email, plain string) (*models.User, error) {
	if _, found, err := exists(s.users.FindByEmail(ctx, email)); err != nil {
		return nil, err
	} else if found {
		return nil, emailTaken()
	}
	if _, found, err := exists(s.users.FindByUsername(ctx, username)); err != nil {
		return nil, err
	} else if found {
		return nil, usernameTaken()
	}

	digest, err := s.hasher.Hash(plain)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	now := s.clock.Now().UTC()
	u, err := s.users.Create(ctx, &models.User{
		Username:       username,
		Email:          email,
		HashedPassword: digest,
		Features:       authz.RegisteredFeatures(),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, storeErr(err)
	}

	// The account exists from here on. Failing now would leave the client
	// facing a Conflict on retry, so a token failure only skips the email.
	if token, err := s.tokens.Issue(ctx, u.ID); err != nil {
		s.log.WithError(err).WithField("user_id", u.ID).Error("activation token not issued")
	} else {
		s.notify(ctx, u, token.ID)
	}

	s.log.WithFields(logrus.Fields{"user_id": u.ID, "username": u.Username}).Info("user registered")
	return u.Public(), nil
}

// notify delivers the activation email without holding up the caller.
// Failures are logged and never reach the registration result.
func (s *Service) notify(ctx context.Context, u *models.User, tokenID string) {
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := s.notifier.SendActivationEmail(ctx, u.Email, u.Username, tokenID); err != nil {
			s.log.WithError(err).WithField("user_id", u.ID).Error("activation email not delivered")
		}
	}()
}

// Wait blocks until every in-flight activation email has been attempted.
func (s *Service) Wait() { s.pending.Wait() }

// FindByUsername looks a user up case-insensitively.
func (s *Service) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	u, found, err := exists(s.users.FindByUsername(ctx, username))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, usernameNotFound()
	}
	return u.Public(), nil
}

func (s *Service) FindByID(ctx context.Context, id string) (*models.User, error) {
	u, found, err := exists(s.users.FindByID(ctx, id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.NotFound("User not found.", "Verify the user ID.")
	}
	return u.Public(), nil
}

// UpdateProfile applies ch to the account named target on behalf of actor.
func (s *Service) UpdateProfile(ctx context.Context, target string, ch Changes, actor authz.Principal) (*models.User, error) {
	u, found, err := exists(s.users.FindByUsername(ctx, target))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, usernameNotFound()
	}

	if !authz.Can(actor, authz.FeatureUpdateUser, &authz.Resource{ID: u.ID}) {
		return nil, apperr.Forbidden("You do not have permission to update another user.",
			"Verify if you have the necessary feature to update another user.")
	}

	if ch.Username != nil && !strings.EqualFold(*ch.Username, u.Username) {
		if _, found, err := exists(s.users.FindByUsername(ctx, *ch.Username)); err != nil {
			return nil, err
		} else if found {
			return nil, usernameTaken()
		}
	}
	if ch.Email != nil {
		other, found, err := exists(s.users.FindByEmail(ctx, *ch.Email))
		if err != nil {
			return nil, err
		}
		if found && other.ID != u.ID {
			return nil, emailTaken()
		}
	}

	upd := models.UserUpdate{Username: ch.Username, Email: ch.Email, UpdatedAt: s.clock.Now().UTC()}
	if ch.Password != nil {
		digest, err := s.hasher.Hash(*ch.Password)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		upd.HashedPassword = &digest
	}

	updated, err := s.users.Update(ctx, u.ID, upd)
	if err != nil {
		return nil, storeErr(err)
	}
	return updated.Public(), nil
}
