package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/authority/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is the production adapter. The schema is owned by the
// embedded migrations.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := d.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(d), nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Users() UserRepository             { return pgUsers{p.db} }
func (p *PostgresStore) Sessions() SessionRepository       { return pgSessions{p.db} }
func (p *PostgresStore) Activations() ActivationRepository { return pgActivations{p.db} }
func (p *PostgresStore) Ping(ctx context.Context) error    { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                      { return p.db.Close() }

const (
	pgUniqueViolation = "23505"
	pgForeignKey      = "23503"
	pgInvalidText     = "22P02"
)

// pgErr maps driver errors onto the package sentinels.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var e *pq.Error
	if errors.As(err, &e) {
		switch string(e.Code) {
		case pgUniqueViolation:
			switch e.Constraint {
			case "users_email_key":
				return ErrDuplicateEmail
			case "users_username_lower_idx":
				return ErrDuplicateUsername
			case "sessions_token_key":
				return ErrDuplicateToken
			}
		case pgForeignKey:
			return fmt.Errorf("owner missing: %w", ErrNotFound)
		case pgInvalidText:
			// malformed uuid in a lookup: nothing can match it
			return ErrNotFound
		}
	}
	return fmt.Errorf("db error: %w", err)
}

type pgUsers struct{ db *sql.DB }

const pgUserColumns = `id, username, email, hashed_password, features, created_at, updated_at`

func scanPGUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var features []string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, pq.Array(&features), &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, pgErr(err)
	}
	if features == nil {
		features = []string{}
	}
	u.Features = features
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func (r pgUsers) Create(ctx context.Context, u *models.User) (*models.User, error) {
	id := u.ID
	if id == "" {
		id = uuid.NewString()
	}
	features := u.Features
	if features == nil {
		features = []string{}
	}
	query :=
		`INSERT INTO users (id, username, email, hashed_password, features, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING ` + pgUserColumns
	return scanPGUser(r.db.QueryRowContext(ctx, query,
		id, u.Username, u.Email, u.HashedPassword, pq.Array(features), u.CreatedAt, u.UpdatedAt))
}

func (r pgUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	return scanPGUser(r.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

func (r pgUsers) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanPGUser(r.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE email = $1`, email))
}

func (r pgUsers) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanPGUser(r.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE lower(username) = lower($1)`, username))
}

func (r pgUsers) Update(ctx context.Context, id string, upd models.UserUpdate) (*models.User, error) {
	sets := []string{"updated_at = $1"}
	args := []any{upd.UpdatedAt}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Username != nil {
		add("username", *upd.Username)
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.HashedPassword != nil {
		add("hashed_password", *upd.HashedPassword)
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), pgUserColumns)
	return scanPGUser(r.db.QueryRowContext(ctx, query, args...))
}

func (r pgUsers) UpdateFeatures(ctx context.Context, id string, features []string, at time.Time) (*models.User, error) {
	if features == nil {
		features = []string{}
	}
	return scanPGUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET features = $1, updated_at = $2 WHERE id = $3 RETURNING `+pgUserColumns,
		pq.Array(features), at, id))
}

type pgSessions struct{ db *sql.DB }

const pgSessionColumns = `id, token, user_id, expires_at, created_at, updated_at`

func scanPGSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.ID, &s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, pgErr(err)
	}
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func (r pgSessions) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	query :=
		`INSERT INTO sessions (id, token, user_id, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING ` + pgSessionColumns
	return scanPGSession(r.db.QueryRowContext(ctx, query, id, s.Token, s.UserID, s.ExpiresAt, s.CreatedAt, s.UpdatedAt))
}

func (r pgSessions) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	return scanPGSession(r.db.QueryRowContext(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE token = $1`, token))
}

func (r pgSessions) FindByUserID(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()
	out := []*models.Session{}
	for rows.Next() {
		s, err := scanPGSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r pgSessions) DeleteByToken(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return false, pgErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r pgSessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, pgErr(err)
	}
	return res.RowsAffected()
}

type pgActivations struct{ db *sql.DB }

const pgActivationColumns = `id, user_id, expires_at, used_at, created_at, updated_at`

func scanPGActivation(row interface{ Scan(...any) error }) (*models.ActivationToken, error) {
	var t models.ActivationToken
	var used sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.ExpiresAt, &used, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, pgErr(err)
	}
	if used.Valid {
		at := used.Time.UTC()
		t.UsedAt = &at
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func (r pgActivations) Create(ctx context.Context, t *models.ActivationToken) (*models.ActivationToken, error) {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	query :=
		`INSERT INTO activation_tokens (id, user_id, expires_at, used_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING ` + pgActivationColumns
	return scanPGActivation(r.db.QueryRowContext(ctx, query, id, t.UserID, t.ExpiresAt, t.UsedAt, t.CreatedAt, t.UpdatedAt))
}

func (r pgActivations) FindByID(ctx context.Context, id string) (*models.ActivationToken, error) {
	return scanPGActivation(r.db.QueryRowContext(ctx, `SELECT `+pgActivationColumns+` FROM activation_tokens WHERE id = $1`, id))
}

func (r pgActivations) FindValidByUserID(ctx context.Context, userID string, now time.Time) (*models.ActivationToken, error) {
	query :=
		`SELECT ` + pgActivationColumns + ` FROM activation_tokens
		 WHERE user_id = $1 AND used_at IS NULL AND expires_at >= $2
		 ORDER BY created_at DESC
		 LIMIT 1`
	return scanPGActivation(r.db.QueryRowContext(ctx, query, userID, now))
}

func (r pgActivations) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE activation_tokens SET used_at = $1, updated_at = $1 WHERE id = $2 AND used_at IS NULL`, at, id)
	if err != nil {
		if errors.Is(pgErr(err), ErrNotFound) {
			return false, nil
		}
		return false, pgErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r pgActivations) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM activation_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, pgErr(err)
	}
	return res.RowsAffected()
}
