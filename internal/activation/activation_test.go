package activation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/authority/internal/apperr"
	"github.com/example/authority/internal/authz"
	"github.com/example/authority/internal/models"
	"github.com/example/authority/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/abtime"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	st    *store.MemoryStore
	clock *abtime.ManualTime
	hook  *test.Hook
	user  *models.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clock := abtime.NewManualAtTime(start)
	log, hook := test.NewNullLogger()

	u, err := st.Users().Create(context.Background(), &models.User{
		Username:       "alice",
		Email:          "alice@x.com",
		HashedPassword: "hash",
		Features:       authz.RegisteredFeatures(),
		CreatedAt:      start,
		UpdatedAt:      start,
	})
	require.NoError(t, err)

	return &fixture{svc: NewService(st, clock, log), st: st, clock: clock, hook: hook, user: u}
}

func TestIssue(t *testing.T) {
	f := setup(t)

	tok, err := f.svc.Issue(context.Background(), f.user.ID)
	require.NoError(t, err)
	_, err = uuid.Parse(tok.ID)
	assert.NoError(t, err)
	assert.Equal(t, f.user.ID, tok.UserID)
	assert.True(t, start.Add(15*time.Minute).Equal(tok.ExpiresAt))
	assert.False(t, tok.Used())
}

func TestIssue_UnknownUser(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Issue(context.Background(), uuid.NewString())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestIssue_UnknownUserOnSQLite(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer st.Close()
	log, _ := test.NewNullLogger()

	_, err = NewService(st, abtime.NewManualAtTime(start), log).Issue(ctx, uuid.NewString())
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

// failingGrants makes UpdateFeatures fail while fail is set.
type failingGrants struct {
	store.UserRepository
	fail bool
}

func (u *failingGrants) UpdateFeatures(ctx context.Context, id string, features []string, at time.Time) (*models.User, error) {
	if u.fail {
		return nil, errors.New("deadlock detected")
	}
	return u.UserRepository.UpdateFeatures(ctx, id, features, at)
}

type grantStore struct {
	*store.MemoryStore
	users *failingGrants
}

func (s grantStore) Users() store.UserRepository { return s.users }

func TestConsume_FailedGrantLeavesTokenUsable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	users := &failingGrants{UserRepository: f.st.Users(), fail: true}
	log, _ := test.NewNullLogger()
	svc := NewService(grantStore{MemoryStore: f.st, users: users}, f.clock, log)

	tok, err := svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)

	_, err = svc.Consume(ctx, tok.ID)
	require.True(t, apperr.Is(err, apperr.KindInternal), "got %v", err)

	stored, err := f.st.Activations().FindByID(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, stored.Used())

	users.fail = false
	u, err := svc.Consume(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, authz.ActivatedFeatures(), u.Features)

	_, err = svc.Consume(ctx, tok.ID)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestConsume_ReplacesFeatures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.st.Users().UpdateFeatures(ctx, f.user.ID, []string{"read:activation_token", "legacy:flag"}, start)
	require.NoError(t, err)

	tok, err := f.svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	u, err := f.svc.Consume(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"create:session", "read:session", "update:user"}, u.Features)
	assert.True(t, start.Add(5*time.Minute).Equal(u.UpdatedAt))

	stored, err := f.st.Activations().FindByID(ctx, tok.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.UsedAt)
	assert.True(t, start.Add(5*time.Minute).Equal(*stored.UsedAt))

	require.NotEmpty(t, f.hook.Entries)
	assert.Equal(t, "account activated", f.hook.LastEntry().Message)
}

func TestConsume_Twice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok, err := f.svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)

	_, err = f.svc.Consume(ctx, tok.ID)
	require.NoError(t, err)

	_, err = f.svc.Consume(ctx, tok.ID)
	require.Error(t, err)
	e := apperr.As(err)
	assert.Equal(t, apperr.KindForbidden, e.Kind)
	assert.Equal(t, "Activation token already used", e.Message)
}

func TestConsume_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr bool
	}{
		{"just issued", 0, false},
		{"at expiry instant", 15 * time.Minute, false},
		{"one second late", 15*time.Minute + time.Second, true},
		{"a day late", 24 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			tok, err := f.svc.Issue(ctx, f.user.ID)
			require.NoError(t, err)

			f.clock.Advance(tt.advance)
			u, err := f.svc.Consume(ctx, tok.ID)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, authz.ActivatedFeatures(), u.Features)
				return
			}
			e := apperr.As(err)
			assert.Equal(t, apperr.KindForbidden, e.Kind)
			assert.Equal(t, "Activation token expired", e.Message)

			// the failed attempt grants nothing
			got, err := f.st.Users().FindByID(ctx, f.user.ID)
			require.NoError(t, err)
			assert.Equal(t, authz.RegisteredFeatures(), got.Features)
		})
	}
}

func TestConsume_NotFound(t *testing.T) {
	f := setup(t)
	for _, id := range []string{uuid.NewString(), "not-a-uuid", ""} {
		_, err := f.svc.Consume(context.Background(), id)
		e := apperr.As(err)
		assert.Equal(t, apperr.KindNotFound, e.Kind, id)
		assert.Equal(t, "Activation token not found", e.Message)
	}
}

func TestConsume_ConcurrentCallsActivateOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tok, err := f.svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Consume(ctx, tok.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, forbidden int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.KindForbidden):
			forbidden++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, forbidden)
}

func TestConsumeForUser(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	latest, err := f.svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)

	_, err = f.svc.ConsumeForUser(ctx, f.user.ID)
	require.NoError(t, err)

	stored, err := f.st.Activations().FindByID(ctx, latest.ID)
	require.NoError(t, err)
	assert.True(t, stored.Used())
}

func TestConsumeForUser_NoValidToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.ConsumeForUser(ctx, f.user.ID)
	e := apperr.As(err)
	assert.Equal(t, apperr.KindNotFound, e.Kind)
	assert.Equal(t, "Activation token not found or expired.", e.Message)
	assert.Equal(t, "Create a new account.", e.Action)
}

func TestSweepExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	old, err := f.svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)
	fresh, err := f.svc.Issue(ctx, f.user.ID)
	require.NoError(t, err)

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.st.Activations().FindByID(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.st.Activations().FindByID(ctx, fresh.ID)
	assert.NoError(t, err)
}
