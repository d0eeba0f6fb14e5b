package store

import (
	"context"
	"testing"
	"time"

	"github.com/example/authority/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base is truncated to microseconds so that every adapter round-trips it.
var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newUser(username, email string) *models.User {
	return &models.User{
		ID:             uuid.NewString(),
		Username:       username,
		Email:          email,
		HashedPassword: "$2a$04$hash",
		Features:       []string{"read:activation_token"},
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

// runContract exercises the repository behaviour every adapter must share.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, open(t)) })
	t.Run("activations", func(t *testing.T) { testActivations(t, open(t)) })
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()
	users := s.Users()

	alice, err := users.Create(ctx, newUser("alice", "alice@x.com"))
	require.NoError(t, err)
	assert.Equal(t, []string{"read:activation_token"}, alice.Features)

	got, err := users.FindByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "$2a$04$hash", got.HashedPassword)
	assert.True(t, base.Equal(got.CreatedAt))

	got, err = users.FindByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	got, err = users.FindByEmail(ctx, "alice@x.com")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = users.FindByEmail(ctx, "ALICE@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = users.FindByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = users.Create(ctx, newUser("bob", "alice@x.com"))
	assert.ErrorIs(t, err, ErrDuplicateEmail)
	_, err = users.Create(ctx, newUser("Alice", "other@x.com"))
	assert.ErrorIs(t, err, ErrDuplicateUsername)

	bob, err := users.Create(ctx, newUser("bob", "bob@x.com"))
	require.NoError(t, err)

	newName := "bobby"
	later := base.Add(time.Hour)
	updated, err := users.Update(ctx, bob.ID, models.UserUpdate{Username: &newName, UpdatedAt: later})
	require.NoError(t, err)
	assert.Equal(t, "bobby", updated.Username)
	assert.Equal(t, "bob@x.com", updated.Email)
	assert.True(t, later.Equal(updated.UpdatedAt))

	taken := "ALICE"
	_, err = users.Update(ctx, bob.ID, models.UserUpdate{Username: &taken, UpdatedAt: later})
	assert.ErrorIs(t, err, ErrDuplicateUsername)
	takenEmail := "alice@x.com"
	_, err = users.Update(ctx, bob.ID, models.UserUpdate{Email: &takenEmail, UpdatedAt: later})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	// Renaming to a different casing of one's own name is not a conflict.
	recased := "Bobby"
	_, err = users.Update(ctx, bob.ID, models.UserUpdate{Username: &recased, UpdatedAt: later})
	require.NoError(t, err)

	_, err = users.Update(ctx, uuid.NewString(), models.UserUpdate{Username: &newName, UpdatedAt: later})
	assert.ErrorIs(t, err, ErrNotFound)

	activated, err := users.UpdateFeatures(ctx, alice.ID, []string{"create:session", "read:session", "update:user"}, later)
	require.NoError(t, err)
	assert.Equal(t, []string{"create:session", "read:session", "update:user"}, activated.Features)

	_, err = users.UpdateFeatures(ctx, uuid.NewString(), nil, later)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSessions(t *testing.T, s Store) {
	ctx := context.Background()
	owner, err := s.Users().Create(ctx, newUser("carol", "carol@x.com"))
	require.NoError(t, err)

	sessions := s.Sessions()
	mk := func(token string, expires time.Time, created time.Time) *models.Session {
		return &models.Session{ID: uuid.NewString(), Token: token, UserID: owner.ID, ExpiresAt: expires, CreatedAt: created, UpdatedAt: created}
	}

	live, err := sessions.Create(ctx, mk("live-token", base.Add(time.Hour), base))
	require.NoError(t, err)
	_, err = sessions.Create(ctx, mk("stale-token", base.Add(-time.Hour), base.Add(time.Second)))
	require.NoError(t, err)

	_, err = sessions.Create(ctx, mk("live-token", base.Add(time.Hour), base))
	assert.ErrorIs(t, err, ErrDuplicateToken)

	got, err := sessions.FindByToken(ctx, "live-token")
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)
	assert.Equal(t, owner.ID, got.UserID)
	assert.True(t, base.Add(time.Hour).Equal(got.ExpiresAt))

	_, err = sessions.FindByToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := sessions.FindByUserID(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "live-token", list[0].Token)

	n, err := sessions.DeleteExpired(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = sessions.DeleteExpired(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	deleted, err := sessions.DeleteByToken(ctx, "live-token")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = sessions.DeleteByToken(ctx, "live-token")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testActivations(t *testing.T, s Store) {
	ctx := context.Background()
	owner, err := s.Users().Create(ctx, newUser("dave", "dave@x.com"))
	require.NoError(t, err)

	tokens := s.Activations()
	mk := func(created, expires time.Time) *models.ActivationToken {
		return &models.ActivationToken{ID: uuid.NewString(), UserID: owner.ID, ExpiresAt: expires, CreatedAt: created, UpdatedAt: created}
	}

	older, err := tokens.Create(ctx, mk(base, base.Add(15*time.Minute)))
	require.NoError(t, err)
	newer, err := tokens.Create(ctx, mk(base.Add(time.Minute), base.Add(16*time.Minute)))
	require.NoError(t, err)
	expired, err := tokens.Create(ctx, mk(base.Add(-time.Hour), base.Add(-45*time.Minute)))
	require.NoError(t, err)

	got, err := tokens.FindByID(ctx, older.ID)
	require.NoError(t, err)
	assert.False(t, got.Used())
	assert.True(t, base.Add(15*time.Minute).Equal(got.ExpiresAt))

	_, err = tokens.FindByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	valid, err := tokens.FindValidByUserID(ctx, owner.ID, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, newer.ID, valid.ID)

	usedAt := base.Add(3 * time.Minute)
	ok, err := tokens.MarkUsed(ctx, newer.ID, usedAt)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tokens.MarkUsed(ctx, newer.ID, usedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = tokens.FindByID(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UsedAt)
	assert.True(t, usedAt.Equal(*got.UsedAt))

	valid, err = tokens.FindValidByUserID(ctx, owner.ID, base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, older.ID, valid.ID)

	_, err = tokens.FindValidByUserID(ctx, owner.ID, base.Add(20*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := tokens.DeleteExpired(ctx, base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = tokens.FindByID(ctx, expired.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	u, err := s.Users().Create(ctx, newUser("erin", "erin@x.com"))
	require.NoError(t, err)

	u.Features[0] = "mutated"
	got, err := s.Users().FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "read:activation_token", got.Features[0])
}

func TestStores_RejectOrphans(t *testing.T) {
	ctx := context.Background()
	sqlite, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer sqlite.Close()

	for name, s := range map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlite} {
		t.Run(name, func(t *testing.T) {
			nobody := uuid.NewString()
			_, err := s.Sessions().Create(ctx, &models.Session{Token: "t", UserID: nobody, ExpiresAt: base})
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Activations().Create(ctx, &models.ActivationToken{UserID: nobody, ExpiresAt: base})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSQLiteStore_CascadesOnUserDelete(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	u, err := s.Users().Create(ctx, newUser("frank", "frank@x.com"))
	require.NoError(t, err)
	_, err = s.Sessions().Create(ctx, &models.Session{Token: "tok", UserID: u.ID, ExpiresAt: base, CreatedAt: base, UpdatedAt: base})
	require.NoError(t, err)
	_, err = s.Activations().Create(ctx, &models.ActivationToken{UserID: u.ID, ExpiresAt: base, CreatedAt: base, UpdatedAt: base})
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, u.ID)
	require.NoError(t, err)

	list, err := s.Sessions().FindByUserID(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = s.Activations().FindValidByUserID(ctx, u.ID, base.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}
