package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jmcleod/gatekeep/internal/uuid"
)

const (
	csrfCookieName = "gatekeep_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware enforces double-submit cookie CSRF protection on
// cookie-authenticated mutating requests. Safe methods and requests that
// carry an Authorization header pass through.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Safe methods never change session state.
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Bearer-token callers and anonymous callers have no ambient
		// credential for a cross-site form to ride on, so only a request
		// whose token comes from the session cookie is checked.
		if !usesSessionCookie(r) {
			next.ServeHTTP(w, r)
			return
		}

		// The header must echo the cookie. A cross-origin page can make the
		// browser send the cookie but cannot read it to set the header.
		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		header := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie issues a fresh double-submit token that lives as long as
// the session cookie. It is deliberately not HttpOnly: the browser client
// reads it and sends it back in X-CSRF-Token.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request, expiresAt time.Time) {
	setCSRFCookie(w, r, uuid.New(), expiresAt)
}

// extendCSRFCookie moves the caller's CSRF cookie to the refreshed session
// expiry. The value is kept so a client that cached it keeps working.
func extendCSRFCookie(w http.ResponseWriter, r *http.Request, expiresAt time.Time) {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		writeCSRFCookie(w, r, expiresAt)
		return
	}
	setCSRFCookie(w, r, cookie.Value, expiresAt)
}

func setCSRFCookie(w http.ResponseWriter, r *http.Request, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

// clearCSRFCookie removes the CSRF cookie on logout.
func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
