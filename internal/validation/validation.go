// Package validation checks the shape of request payloads before they reach
// the domain services.
package validation

import (
	"errors"
	"regexp"

	ozzo "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/example/authority/internal/apperr"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9]+$`)

// bcrypt ignores input past 72 bytes, so longer passwords are refused.
const maxPasswordLength = 72

func usernameRules() []ozzo.Rule {
	return []ozzo.Rule{
		ozzo.Length(3, 30),
		ozzo.Match(usernamePattern).Error("must contain only lowercase letters and numbers"),
	}
}

func passwordRules() []ozzo.Rule {
	return []ozzo.Rule{ozzo.Length(8, maxPasswordLength)}
}

// Registration is the body of POST /users.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r Registration) Validate() error {
	return ozzo.ValidateStruct(&r,
		ozzo.Field(&r.Username, append([]ozzo.Rule{ozzo.Required}, usernameRules()...)...),
		ozzo.Field(&r.Email, ozzo.Required, is.Email),
		ozzo.Field(&r.Password, append([]ozzo.Rule{ozzo.Required}, passwordRules()...)...),
	)
}

// ProfileUpdate is the body of PATCH /users/{username}. Nil fields are left
// unchanged; present fields must not be empty.
type ProfileUpdate struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
}

func (p ProfileUpdate) Validate() error {
	return ozzo.ValidateStruct(&p,
		ozzo.Field(&p.Username, append([]ozzo.Rule{ozzo.NilOrNotEmpty}, usernameRules()...)...),
		ozzo.Field(&p.Email, ozzo.NilOrNotEmpty, is.Email),
		ozzo.Field(&p.Password, append([]ozzo.Rule{ozzo.NilOrNotEmpty}, passwordRules()...)...),
	)
}

// Login is the body of POST /sessions.
type Login struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (l Login) Validate() error {
	return ozzo.ValidateStruct(&l,
		ozzo.Field(&l.Email, ozzo.Required, is.Email),
		ozzo.Field(&l.Password, append([]ozzo.Rule{ozzo.Required}, passwordRules()...)...),
	)
}

// Check runs v.Validate and converts a failure into a Validation error whose
// message lists the offending fields.
func Check(v ozzo.Validatable) error {
	err := v.Validate()
	if err == nil {
		return nil
	}
	var fields ozzo.Errors
	if errors.As(err, &fields) {
		return apperr.Validation(fields.Error(), "").WithCause(err)
	}
	return apperr.Internal(err)
}
