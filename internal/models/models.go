package models

import "time"

// User is an account record. HashedPassword never leaves the process.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"-"`
	Features       []string  `json:"features"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Public returns a copy of u with the password hash removed and a non-nil
// feature list.
func (u *User) Public() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.HashedPassword = ""
	c.Features = append([]string{}, u.Features...)
	return &c
}

// UserUpdate is a partial update. Nil fields are left untouched.
type UserUpdate struct {
	Username       *string
	Email          *string
	HashedPassword *string
	UpdatedAt      time.Time
}

// ActivationToken proves control of the email address a user registered with.
type ActivationToken struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Used reports whether the token has been consumed.
func (t *ActivationToken) Used() bool { return t.UsedAt != nil }

// Expired reports whether the token's expiry is before now.
func (t *ActivationToken) Expired(now time.Time) bool { return t.ExpiresAt.Before(now) }

// Session is a logged-in state identified by an opaque bearer token.
type Session struct {
	ID        string
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the session's expiry is before now.
func (s *Session) Expired(now time.Time) bool { return s.ExpiresAt.Before(now) }
