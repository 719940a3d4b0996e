package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/arcusdb/realmsync/pkg/auth"
)

type contextKey int

const principalContextKey contextKey = iota

// principalFrom returns the Principal stored on ctx by requireAuth, if any.
func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(auth.Principal)
	return p, ok
}

// extractBearerToken pulls the token out of "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// requireAuth verifies the bearer token, stores the resulting Principal on
// the request context, and rejects the request unless principal may
// perform op against the request's virtual path (derived by pathFor).
func requireAuth(verifier auth.Verifier, op auth.Operation, pathFor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearerToken(r)
			if !ok {
				fail(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				fail(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !verifier.Can(principal, op, pathFor(r)) {
				fail(w, http.StatusForbidden, "principal not authorized for this operation")
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rootPath is a pathFor that always authorizes against "/", for endpoints
// that aren't scoped to one realm.
func rootPath(*http.Request) string { return "/" }
