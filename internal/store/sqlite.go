package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/authority/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`PRAGMA foreign_keys = ON;`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		hashed_password TEXT NOT NULL,
		features TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (lower(username));`,
	`CREATE TABLE IF NOT EXISTS activation_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at INTEGER NOT NULL,
		used_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS activation_tokens_user_id_idx ON activation_tokens (user_id);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id);`,
}

// SQLiteStore is the embedded adapter. Timestamps are stored as unix
// nanoseconds so that range comparisons are plain integer comparisons.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps PRAGMA foreign_keys and :memory: databases
	// consistent and serialises writers.
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	d.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: d, path: path}
	if err := s.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	for _, q := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Users() UserRepository             { return sqliteUsers{s.db} }
func (s *SQLiteStore) Sessions() SessionRepository       { return sqliteSessions{s.db} }
func (s *SQLiteStore) Activations() ActivationRepository { return sqliteActivations{s.db} }
func (s *SQLiteStore) Ping(ctx context.Context) error    { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                      { return s.db.Close() }

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return fmt.Errorf("owner missing: %w", ErrNotFound)
	}
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	switch {
	case strings.Contains(msg, "users.email"):
		return ErrDuplicateEmail
	case strings.Contains(msg, "users_username_lower_idx"):
		return ErrDuplicateUsername
	case strings.Contains(msg, "sessions.token"):
		return ErrDuplicateToken
	}
	return err
}

type sqliteUsers struct{ db *sql.DB }

const sqliteUserColumns = `id,username,email,hashed_password,features,created_at,updated_at`

func scanSQLiteUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var features string
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &features, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := json.Unmarshal([]byte(features), &u.Features); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	if u.Features == nil {
		u.Features = []string{}
	}
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

func encodeFeatures(features []string) (string, error) {
	if features == nil {
		features = []string{}
	}
	b, err := json.Marshal(features)
	return string(b), err
}

func (r sqliteUsers) Create(ctx context.Context, u *models.User) (*models.User, error) {
	c := copyUser(u)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	features, err := encodeFeatures(c.Features)
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users(`+sqliteUserColumns+`) VALUES(?,?,?,?,?,?,?)`,
		c.ID, c.Username, c.Email, c.HashedPassword, features, nanos(c.CreatedAt), nanos(c.UpdatedAt))
	if err != nil {
		return nil, sqliteErr(err)
	}
	return c, nil
}

func (r sqliteUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	return scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

func (r sqliteUsers) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE email = ?`, email))
}

func (r sqliteUsers) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE lower(username) = lower(?)`, username))
}

func (r sqliteUsers) Update(ctx context.Context, id string, upd models.UserUpdate) (*models.User, error) {
	sets := []string{"updated_at = ?"}
	args := []any{nanos(upd.UpdatedAt)}
	if upd.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, *upd.Username)
	}
	if upd.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *upd.Email)
	}
	if upd.HashedPassword != nil {
		sets = append(sets, "hashed_password = ?")
		args = append(args, *upd.HashedPassword)
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, sqliteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.FindByID(ctx, id)
}

func (r sqliteUsers) UpdateFeatures(ctx context.Context, id string, features []string, at time.Time) (*models.User, error) {
	encoded, err := encodeFeatures(features)
	if err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE users SET features = ?, updated_at = ? WHERE id = ?`, encoded, nanos(at), id)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.FindByID(ctx, id)
}

type sqliteSessions struct{ db *sql.DB }

const sqliteSessionColumns = `id,token,user_id,expires_at,created_at,updated_at`

func scanSQLiteSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	var expires, created, updated int64
	if err := row.Scan(&s.ID, &s.Token, &s.UserID, &expires, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	s.ExpiresAt = fromNanos(expires)
	s.CreatedAt = fromNanos(created)
	s.UpdatedAt = fromNanos(updated)
	return &s, nil
}

func (r sqliteSessions) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	c := copySession(s)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions(`+sqliteSessionColumns+`) VALUES(?,?,?,?,?,?)`,
		c.ID, c.Token, c.UserID, nanos(c.ExpiresAt), nanos(c.CreatedAt), nanos(c.UpdatedAt))
	if err != nil {
		return nil, sqliteErr(err)
	}
	return c, nil
}

func (r sqliteSessions) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	return scanSQLiteSession(r.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE token = ?`, token))
}

func (r sqliteSessions) FindByUserID(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	out := []*models.Session{}
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r sqliteSessions) DeleteByToken(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r sqliteSessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, nanos(now))
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

type sqliteActivations struct{ db *sql.DB }

const sqliteActivationColumns = `id,user_id,expires_at,used_at,created_at,updated_at`

func scanSQLiteActivation(row interface{ Scan(...any) error }) (*models.ActivationToken, error) {
	var t models.ActivationToken
	var expires, created, updated int64
	var used sql.NullInt64
	if err := row.Scan(&t.ID, &t.UserID, &expires, &used, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	t.ExpiresAt = fromNanos(expires)
	if used.Valid {
		at := fromNanos(used.Int64)
		t.UsedAt = &at
	}
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return &t, nil
}

func (r sqliteActivations) Create(ctx context.Context, t *models.ActivationToken) (*models.ActivationToken, error) {
	c := copyToken(t)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var used any
	if c.UsedAt != nil {
		used = nanos(*c.UsedAt)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activation_tokens(`+sqliteActivationColumns+`) VALUES(?,?,?,?,?,?)`,
		c.ID, c.UserID, nanos(c.ExpiresAt), used, nanos(c.CreatedAt), nanos(c.UpdatedAt))
	if err != nil {
		return nil, sqliteErr(err)
	}
	return c, nil
}

func (r sqliteActivations) FindByID(ctx context.Context, id string) (*models.ActivationToken, error) {
	return scanSQLiteActivation(r.db.QueryRowContext(ctx, `SELECT `+sqliteActivationColumns+` FROM activation_tokens WHERE id = ?`, id))
}

func (r sqliteActivations) FindValidByUserID(ctx context.Context, userID string, now time.Time) (*models.ActivationToken, error) {
	return scanSQLiteActivation(r.db.QueryRowContext(ctx,
		`SELECT `+sqliteActivationColumns+` FROM activation_tokens
		 WHERE user_id = ? AND used_at IS NULL AND expires_at >= ?
		 ORDER BY created_at DESC LIMIT 1`, userID, nanos(now)))
}

func (r sqliteActivations) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE activation_tokens SET used_at = ?, updated_at = ? WHERE id = ? AND used_at IS NULL`,
		nanos(at), nanos(at), id)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r sqliteActivations) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM activation_tokens WHERE expires_at < ?`, nanos(now))
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}
