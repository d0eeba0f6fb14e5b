package validation

import (
	"strings"
	"testing"

	"github.com/example/authority/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestRegistration(t *testing.T) {
	valid := Registration{Username: "alice", Email: "alice@x.com", Password: "pw12345678"}

	tests := []struct {
		name   string
		mutate func(*Registration)
		field  string
	}{
		{"valid", func(*Registration) {}, ""},
		{"username too short", func(r *Registration) { r.Username = "al" }, "username"},
		{"username too long", func(r *Registration) { r.Username = strings.Repeat("a", 31) }, "username"},
		{"username uppercase", func(r *Registration) { r.Username = "Alice" }, "username"},
		{"username symbols", func(r *Registration) { r.Username = "al_ice" }, "username"},
		{"username missing", func(r *Registration) { r.Username = "" }, "username"},
		{"email invalid", func(r *Registration) { r.Email = "not-an-email" }, "email"},
		{"email missing", func(r *Registration) { r.Email = "" }, "email"},
		{"password short", func(r *Registration) { r.Password = "short" }, "password"},
		{"password too long", func(r *Registration) { r.Password = strings.Repeat("p", 73) }, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := Check(r)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			e := apperr.As(err)
			assert.Equal(t, apperr.KindValidation, e.Kind)
			assert.Contains(t, e.Message, tt.field+":")
		})
	}
}

func TestProfileUpdate(t *testing.T) {
	assert.NoError(t, Check(ProfileUpdate{}), "empty patch is accepted")
	assert.NoError(t, Check(ProfileUpdate{Username: ptr("bobby"), Email: ptr("b@x.com"), Password: ptr("newpassword")}))

	for name, p := range map[string]ProfileUpdate{
		"empty username": {Username: ptr("")},
		"bad username":   {Username: ptr("Bob!")},
		"empty email":    {Email: ptr("")},
		"bad email":      {Email: ptr("b@")},
		"short password": {Password: ptr("1234")},
	} {
		err := Check(p)
		assert.True(t, apperr.Is(err, apperr.KindValidation), name)
	}
}

func TestLogin(t *testing.T) {
	assert.NoError(t, Check(Login{Email: "alice@x.com", Password: "pw12345678"}))

	err := Check(Login{Email: "alice", Password: ""})
	e := apperr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.Contains(t, e.Message, "email:")
	assert.Contains(t, e.Message, "password:")
}
