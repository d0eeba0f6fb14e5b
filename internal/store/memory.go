package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/authority/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It applies the same
// uniqueness rules as the SQL adapters.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*models.User
	sessions    map[string]*models.Session
	activations map[string]*models.ActivationToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       map[string]*models.User{},
		sessions:    map[string]*models.Session{},
		activations: map[string]*models.ActivationToken{},
	}
}

func (m *MemoryStore) Users() UserRepository             { return memUsers{m} }
func (m *MemoryStore) Sessions() SessionRepository       { return memSessions{m} }
func (m *MemoryStore) Activations() ActivationRepository { return memActivations{m} }
func (m *MemoryStore) Ping(context.Context) error        { return nil }
func (m *MemoryStore) Close() error                      { return nil }

func copyUser(u *models.User) *models.User {
	c := *u
	c.Features = append([]string{}, u.Features...)
	return &c
}

func copyToken(t *models.ActivationToken) *models.ActivationToken {
	c := *t
	if t.UsedAt != nil {
		at := *t.UsedAt
		c.UsedAt = &at
	}
	return &c
}

func copySession(s *models.Session) *models.Session {
	c := *s
	return &c
}

type memUsers struct{ m *MemoryStore }

// conflict must be called with the lock held.
func (r memUsers) conflict(id, username, email string) error {
	for _, u := range r.m.users {
		if u.ID == id {
			continue
		}
		if email != "" && u.Email == email {
			return ErrDuplicateEmail
		}
		if username != "" && strings.EqualFold(u.Username, username) {
			return ErrDuplicateUsername
		}
	}
	return nil
}

func (r memUsers) Create(_ context.Context, u *models.User) (*models.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if err := r.conflict("", u.Username, u.Email); err != nil {
		return nil, err
	}
	c := copyUser(u)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.m.users[c.ID] = c
	return copyUser(c), nil
}

func (r memUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if u, ok := r.m.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, ErrNotFound
}

func (r memUsers) FindByEmail(_ context.Context, email string) (*models.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, u := range r.m.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (r memUsers) FindByUsername(_ context.Context, username string) (*models.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, u := range r.m.users {
		if strings.EqualFold(u.Username, username) {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (r memUsers) Update(_ context.Context, id string, upd models.UserUpdate) (*models.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	u, ok := r.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	var username, email string
	if upd.Username != nil {
		username = *upd.Username
	}
	if upd.Email != nil {
		email = *upd.Email
	}
	if err := r.conflict(id, username, email); err != nil {
		return nil, err
	}
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.HashedPassword != nil {
		u.HashedPassword = *upd.HashedPassword
	}
	u.UpdatedAt = upd.UpdatedAt
	return copyUser(u), nil
}

func (r memUsers) UpdateFeatures(_ context.Context, id string, features []string, at time.Time) (*models.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	u, ok := r.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Features = append([]string{}, features...)
	u.UpdatedAt = at
	return copyUser(u), nil
}

type memSessions struct{ m *MemoryStore }

func (r memSessions) Create(_ context.Context, s *models.Session) (*models.Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.users[s.UserID]; !ok {
		return nil, fmt.Errorf("session owner %s: %w", s.UserID, ErrNotFound)
	}
	for _, existing := range r.m.sessions {
		if existing.Token == s.Token {
			return nil, ErrDuplicateToken
		}
	}
	c := copySession(s)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.m.sessions[c.ID] = c
	return copySession(c), nil
}

func (r memSessions) FindByToken(_ context.Context, token string) (*models.Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, s := range r.m.sessions {
		if s.Token == token {
			return copySession(s), nil
		}
	}
	return nil, ErrNotFound
}

func (r memSessions) FindByUserID(_ context.Context, userID string) ([]*models.Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := []*models.Session{}
	for _, s := range r.m.sessions {
		if s.UserID == userID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memSessions) DeleteByToken(_ context.Context, token string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, s := range r.m.sessions {
		if s.Token == token {
			delete(r.m.sessions, id)
			return true, nil
		}
	}
	return false, nil
}

func (r memSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, s := range r.m.sessions {
		if s.Expired(now) {
			delete(r.m.sessions, id)
			n++
		}
	}
	return n, nil
}

type memActivations struct{ m *MemoryStore }

func (r memActivations) Create(_ context.Context, t *models.ActivationToken) (*models.ActivationToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.users[t.UserID]; !ok {
		return nil, fmt.Errorf("activation token owner %s: %w", t.UserID, ErrNotFound)
	}
	c := copyToken(t)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.m.activations[c.ID] = c
	return copyToken(c), nil
}

func (r memActivations) FindByID(_ context.Context, id string) (*models.ActivationToken, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if t, ok := r.m.activations[id]; ok {
		return copyToken(t), nil
	}
	return nil, ErrNotFound
}

func (r memActivations) FindValidByUserID(_ context.Context, userID string, now time.Time) (*models.ActivationToken, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var latest *models.ActivationToken
	for _, t := range r.m.activations {
		if t.UserID != userID || t.Used() || t.Expired(now) {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyToken(latest), nil
}

func (r memActivations) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.activations[id]
	if !ok || t.UsedAt != nil {
		return false, nil
	}
	usedAt := at
	t.UsedAt = &usedAt
	t.UpdatedAt = at
	return true, nil
}

func (r memActivations) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, t := range r.m.activations {
		if t.Expired(now) {
			delete(r.m.activations, id)
			n++
		}
	}
	return n, nil
}
