package httpx

import (
	"net/http"

	"github.com/clubworks/assoc/pkg/jwtx"
)

// RequireMFA rejects callers whose access token was not minted through a
// completed two-factor login. Administrative override endpoints sit behind
// this so a password-only session cannot reach them.
func RequireMFA() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, m := range amrFromCtx(r.Context()) {
				if m == jwtx.AMRMFA {
					next.ServeHTTP(w, r)
					return
				}
			}

			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_authentication", amr="mfa"`)
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("mfa_required"))
		})
	}
}
