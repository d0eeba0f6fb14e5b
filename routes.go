package main

import (
	"fmt"
	"net/http"

	"github.com/example/authority/internal/activation"
	"github.com/example/authority/internal/apperr"
	"github.com/example/authority/internal/authz"
	"github.com/example/authority/internal/session"
	"github.com/example/authority/internal/store"
	"github.com/example/authority/internal/user"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type App struct {
	Store       store.Store
	Users       *user.Service
	Sessions    *session.Service
	Activations *activation.Service
	Log         logrus.FieldLogger

	SecureCookies bool
	CORSOrigins   []string
}

// principalHandler serves a request on behalf of an already resolved principal.
type principalHandler func(w http.ResponseWriter, r *http.Request, p authz.Principal)

type route struct {
	method  string
	path    string
	feature string // empty means no feature is required
	handle  principalHandler
}

func (a *App) routes() []route {
	return []route{
		{http.MethodPost, "/users", authz.FeatureCreateUser, a.HandleRegister},
		{http.MethodGet, "/users/{username}", "", a.HandleGetUser},
		{http.MethodPatch, "/users/{username}", authz.FeatureUpdateUser, a.HandleUpdateUser},

		{http.MethodPost, "/sessions", authz.FeatureCreateSession, a.HandleLogin},
		{http.MethodPatch, "/sessions", authz.FeatureReadSession, a.HandleRenew},
		{http.MethodGet, "/sessions", authz.FeatureReadSession, a.HandleListSessions},
		{http.MethodDelete, "/sessions", "", a.HandleLogout},

		{http.MethodGet, "/user", authz.FeatureReadSession, a.HandleCurrentUser},

		{http.MethodPatch, "/activations/{token_id}", authz.FeatureReadActivationToken, a.HandleActivate},
	}
}

// Router builds the HTTP handler with every route behind the feature gate.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)

	r.HandleFunc("/health", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)

	for _, rt := range a.routes() {
		r.HandleFunc(rt.path, a.guard(rt.feature, rt.handle)).Methods(rt.method, http.MethodOptions)
	}
	return r
}

// resolvePrincipal maps the session cookie to a principal. Any failure
// yields the anonymous principal; the resolution tells a stale cookie apart
// from a store that could not answer.
func (a *App) resolvePrincipal(r *http.Request) (authz.Principal, session.Resolution) {
	u, res := a.Sessions.Resolve(r.Context(), sessionToken(r))
	if res == session.Resolved {
		return authz.FromUser(u), res
	}
	return authz.Anonymous(), res
}

// guard resolves the principal once, checks feature and hands the principal
// to h.
func (a *App) guard(feature string, h principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, res := a.resolvePrincipal(r)
		if rw, ok := w.(*responseWriter); ok {
			rw.userID = p.ID
		}

		if feature != "" && !authz.Can(p, feature, nil) {
			if res == session.Stale {
				// the presented session is gone, not merely underprivileged
				a.writeError(w, r, apperr.Unauthorized("Invalid or expired session", "Log in again to continue."))
				return
			}
			a.writeError(w, r, apperr.Forbidden("You do not have permission to execute this action.",
				fmt.Sprintf("Verify that your user has the %q feature.", feature)))
			return
		}
		h(w, r, p)
	}
}
