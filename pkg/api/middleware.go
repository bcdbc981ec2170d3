package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/lsst-dm/jwt-authorizer/pkg/httperr"
	"github.com/lsst-dm/jwt-authorizer/pkg/scopes"
	"github.com/lsst-dm/jwt-authorizer/pkg/store"
)

// bootstrapUsername is the fixed identity the bootstrap token
// authenticates as (§4.8).
const bootstrapUsername = "<bootstrap>"

// caller is the authenticated identity attached to a request's context
// by authenticate.
type caller struct {
	username    string
	tokenScopes []string
	tokenKey    string // empty for the bootstrap token, which has no stored record
	isAdmin     bool
	isBootstrap bool
}

func (c caller) ownsToken(data *store.Info) bool {
	return data.Owner == c.username
}

type callerCtxKey struct{}

func callerFromContext(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerCtxKey{}).(caller)
	return c, ok
}

// authenticate resolves the bearer token on every request under this
// router to a caller, per §4.8's authorization rule: admin:token permits
// all operations, user:token permits operations on the caller's own
// tokens, and the bootstrap token is a fixed-username super-admin
// restricted (by route, see Router) to /tokens and /admins.
func (rt *Routes) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wire, ok := bearerToken(r)
		if !ok {
			httperr.WriteError(w, httperr.New(httperr.KindInvalidCredentials, "missing bearer token"))
			return
		}

		if rt.bootstrapToken != "" && wire == rt.bootstrapToken {
			ctx := context.WithValue(r.Context(), callerCtxKey{}, caller{
				username:    bootstrapUsername,
				isAdmin:     true,
				isBootstrap: true,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		data, err := rt.store.Get(r.Context(), wire)
		if err != nil {
			httperr.WriteError(w, httperr.New(httperr.KindInvalidCredentials, "invalid or expired token"))
			return
		}

		c := caller{
			username:    data.Owner,
			tokenScopes: data.Scopes,
			tokenKey:    data.Key,
			isAdmin:     scopes.Check(data.Scopes, []string{scopes.SyntheticAdminScope}, scopes.SatisfyAll),
		}
		if !c.isAdmin && !scopes.Check(data.Scopes, []string{scopes.SyntheticUserScope}, scopes.SatisfyAll) {
			httperr.WriteError(w, httperr.New(httperr.KindInsufficientScope, "token carries neither admin:token nor user:token"))
			return
		}

		ctx := context.WithValue(r.Context(), callerCtxKey{}, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	rest, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	return rest, true
}

// requireNotBootstrap rejects the bootstrap token on routes §4.8 scopes
// it out of (/user-info, /token-info): it has no underlying stored
// token record to report on.
func requireNotBootstrap(w http.ResponseWriter, c caller) bool {
	if c.isBootstrap {
		httperr.WriteError(w, httperr.New(httperr.KindForbidden, "the bootstrap token has no identity to report"))
		return false
	}
	return true
}
