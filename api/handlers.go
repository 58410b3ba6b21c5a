package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	now := a.now()
	a.maybeSweep(now)

	ip := a.clientIP(r)
	if ok, retryAfter := a.ipLimiter.allow(ip, now); !ok {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limit", slog.String("client_ip", ip))
		writeRateLimited(w, retryAfter)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if blocked, retryAfter := a.loginLimiter.check(req.Username, now); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "account locked", slog.String("username", req.Username))
		writeRateLimited(w, retryAfter)
		return
	}

	result := a.sessions.Login(r.Context(), req.Username, req.Password)
	token, ok := result.AuthToken()
	if !ok {
		a.loginLimiter.recordFailure(req.Username, now)
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials", slog.String("username", req.Username))
		writeUnauthorized(w, "invalid username or password")
		return
	}
	a.loginLimiter.recordSuccess(req.Username)

	minutes := a.sessions.SessionLengthMinutes()
	expiresAt := now.Add(time.Duration(minutes) * time.Minute)
	writeSessionCookie(w, r, token, expiresAt)
	writeCSRFCookie(w, r, expiresAt)

	a.audit.logUser(AuditLoginSuccess, r, req.Username)
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:            token,
		ExpiresInMinutes: minutes,
	})
}

// Logout handles POST /auth/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromRequest(r)
	if !ok {
		writeUnauthorized(w, "authentication required")
		return
	}
	if !a.sessions.Logout(r.Context(), token) {
		a.audit.logFailure(AuditLogoutFailure, r, "unknown token")
		writeUnauthorized(w, "invalid session")
		return
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	a.audit.log(AuditLogout, r)
	w.WriteHeader(http.StatusNoContent)
}

// Session handles GET /auth/session.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromRequest(r)
	if !ok {
		writeUnauthorized(w, "authentication required")
		return
	}
	if !a.sessions.IsTokenValid(r.Context(), token) {
		writeUnauthorized(w, "invalid or expired session")
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Valid: true})
}

// Refresh handles POST /auth/refresh. Refreshing an unknown, expired or
// revoked token is not an error; the response is 204 either way.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromRequest(r)
	if !ok {
		writeUnauthorized(w, "authentication required")
		return
	}
	a.sessions.RefreshToken(r.Context(), token)

	if usesSessionCookie(r) && a.sessions.IsTokenValid(r.Context(), token) {
		expiresAt := a.now().Add(time.Duration(a.sessions.SessionLengthMinutes()) * time.Minute)
		writeSessionCookie(w, r, token, expiresAt)
		extendCSRFCookie(w, r, expiresAt)
	}
	a.audit.log(AuditSessionRefreshed, r)
	w.WriteHeader(http.StatusNoContent)
}
