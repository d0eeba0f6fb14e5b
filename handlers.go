package main

import (
	"context"
	"net/http"
	"time"

	"github.com/example/authority/internal/authz"
	"github.com/example/authority/internal/user"
	"github.com/example/authority/internal/validation"
	"github.com/gorilla/mux"
)

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request, _ authz.Principal) {
	var in validation.Registration
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := validation.Check(in); err != nil {
		a.writeError(w, r, err)
		return
	}
	u, err := a.Users.Register(r.Context(), in.Username, in.Email, in.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, u)
}

func (a *App) HandleGetUser(w http.ResponseWriter, r *http.Request, _ authz.Principal) {
	u, err := a.Users.FindByUsername(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, u)
}

func (a *App) HandleUpdateUser(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	var in validation.ProfileUpdate
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := validation.Check(in); err != nil {
		a.writeError(w, r, err)
		return
	}
	u, err := a.Users.UpdateProfile(r.Context(), mux.Vars(r)["username"], user.Changes{
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
	}, p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, u)
}

type sessionResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request, _ authz.Principal) {
	var in validation.Login
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := validation.Check(in); err != nil {
		a.writeError(w, r, err)
		return
	}
	issued, err := a.Sessions.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.setSessionCookie(w, issued.Token)
	a.writeJSON(w, http.StatusCreated, sessionResponse{
		Message:   "Session created successfully",
		ExpiresAt: issued.ExpiresAt,
	})
}

func (a *App) HandleRenew(w http.ResponseWriter, r *http.Request, _ authz.Principal) {
	issued, err := a.Sessions.Renew(r.Context(), sessionToken(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.setSessionCookie(w, issued.Token)
	a.writeJSON(w, http.StatusOK, sessionResponse{
		Message:   "Session renewed successfully",
		ExpiresAt: issued.ExpiresAt,
	})
}

type activeSession struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

// HandleListSessions lists the caller's live sessions. Tokens are never
// included.
func (a *App) HandleListSessions(w http.ResponseWriter, r *http.Request, p authz.Principal) {
	sessions, err := a.Sessions.ListActive(r.Context(), p.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	current := sessionToken(r)
	out := make([]activeSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, activeSession{
			ID:        s.ID,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			Current:   s.Token == current,
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

// HandleLogout always succeeds: a missing or stale cookie is still logged out.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request, _ authz.Principal) {
	if err := a.Sessions.Logout(r.Context(), sessionToken(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) HandleCurrentUser(w http.ResponseWriter, _ *http.Request, p authz.Principal) {
	a.writeJSON(w, http.StatusOK, p)
}

func (a *App) HandleActivate(w http.ResponseWriter, r *http.Request, _ authz.Principal) {
	u, err := a.Activations.Consume(r.Context(), mux.Vars(r)["token_id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, u.Public())
}

func (a *App) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		a.Log.WithError(err).Warn("readiness check failed")
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
