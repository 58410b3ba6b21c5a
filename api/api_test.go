package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/identity"
	"github.com/jmcleod/gatekeep/password"
	"github.com/jmcleod/gatekeep/session"
	"github.com/jmcleod/gatekeep/storage/memory"
)

const (
	testUser     = "alice"
	testPassword = "correct horse"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type directory map[string]identity.User

func (d directory) LookupUser(_ context.Context, username string) (*identity.User, error) {
	u, ok := d[username]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return &u, nil
}

type testServer struct {
	*httptest.Server
	clock *clock
}

func setupServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	hash, err := password.HashBcrypt(testPassword, bcrypt.MinCost)
	require.NoError(t, err)
	users := directory{testUser: {UserID: "u-1", Username: testUser, Password: hash}}

	// Cookie jars expire cookies by wall time, so start from it.
	clk := &clock{now: time.Now().UTC()}
	logger := slog.New(slog.DiscardHandler)
	mgr := session.NewManager(memory.NewStore(), users, password.NewVerifier(),
		session.WithClock(clk.Now),
		session.WithLogger(logger),
	)
	t.Cleanup(mgr.Close)

	opts = append([]api.Option{api.WithLogger(logger), api.WithClock(clk.Now)}, opts...)
	a := api.New(mgr, opts...)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, clock: clk}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers ...string) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func login(t *testing.T, client *http.Client, baseURL string) api.LoginResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", api.LoginRequest{
		Username: testUser,
		Password: testPassword,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

func TestLogin(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: testUser,
		Password: testPassword,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out api.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Regexp(t, `^[0-9a-f]{32}$`, out.Token)
	assert.Equal(t, 60, out.ExpiresInMinutes)

	cookies := map[string]*http.Cookie{}
	for _, c := range resp.Cookies() {
		cookies[c.Name] = c
	}
	require.Contains(t, cookies, "gatekeep_session")
	require.Contains(t, cookies, "gatekeep_csrf")
	assert.Equal(t, out.Token, cookies["gatekeep_session"].Value)
	assert.True(t, cookies["gatekeep_session"].HttpOnly)
	assert.False(t, cookies["gatekeep_csrf"].HttpOnly)
}

func TestLoginRejected(t *testing.T) {
	srv := setupServer(t)
	loginURL := srv.URL + "/api/v1/auth/login"

	t.Run("wrong password", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, loginURL, api.LoginRequest{Username: testUser, Password: "nope"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
		assert.Empty(t, resp.Cookies())

		var body api.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "invalid username or password", body.Error)
	})

	t.Run("unknown user", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, loginURL, api.LoginRequest{Username: "mallory", Password: testPassword})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("blank credentials", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, loginURL, api.LoginRequest{Username: " ", Password: ""})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, loginURL, strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSessionEndpoint(t *testing.T) {
	srv := setupServer(t)
	sessionURL := srv.URL + "/api/v1/auth/session"
	token := login(t, http.DefaultClient, srv.URL).Token

	t.Run("valid bearer", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodGet, sessionURL, nil, bearer(token)...)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out api.SessionResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.True(t, out.Valid)
	})

	t.Run("no token", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodGet, sessionURL, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown token", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodGet, sessionURL, nil, bearer(strings.Repeat("0", 32))...)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("non bearer scheme", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodGet, sessionURL, nil, "Authorization", "Basic "+token)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired", func(t *testing.T) {
		srv.clock.Advance(61 * time.Minute)
		resp := doJSON(t, http.DefaultClient, http.MethodGet, sessionURL, nil, bearer(token)...)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestLogout(t *testing.T) {
	srv := setupServer(t)
	logoutURL := srv.URL + "/api/v1/auth/logout"
	token := login(t, http.DefaultClient, srv.URL).Token

	resp := doJSON(t, http.DefaultClient, http.MethodPost, logoutURL, nil, bearer(token)...)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/auth/session", nil, bearer(token)...)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "revoked token must not validate")

	// Revoked tokens are still known to the store, so a second logout
	// succeeds; an unknown token does not.
	resp = doJSON(t, http.DefaultClient, http.MethodPost, logoutURL, nil, bearer(token)...)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, logoutURL, nil, bearer(strings.Repeat("a", 32))...)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, logoutURL, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefresh(t *testing.T) {
	srv := setupServer(t)
	refreshURL := srv.URL + "/api/v1/auth/refresh"
	sessionURL := srv.URL + "/api/v1/auth/session"
	token := login(t, http.DefaultClient, srv.URL).Token

	t.Run("no token", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, refreshURL, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown token is a no-op", func(t *testing.T) {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, refreshURL, nil, bearer(strings.Repeat("b", 32))...)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("extends a valid token", func(t *testing.T) {
		srv.clock.Advance(50 * time.Minute)
		resp := doJSON(t, http.DefaultClient, http.MethodPost, refreshURL, nil, bearer(token)...)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		srv.clock.Advance(50 * time.Minute)
		resp = doJSON(t, http.DefaultClient, http.MethodGet, sessionURL, nil, bearer(token)...)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "token should outlive its original expiry")
	})

	t.Run("does not resurrect an expired token", func(t *testing.T) {
		srv.clock.Advance(2 * time.Hour)
		resp := doJSON(t, http.DefaultClient, http.MethodPost, refreshURL, nil, bearer(token)...)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doJSON(t, http.DefaultClient, http.MethodGet, sessionURL, nil, bearer(token)...)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestCookieSessionRequiresCSRF(t *testing.T) {
	srv := setupServer(t)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	login(t, client, srv.URL)

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "cookie alone authenticates reads")

	logoutURL := srv.URL + "/api/v1/auth/logout"
	resp = doJSON(t, client, http.MethodPost, logoutURL, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, logoutURL, nil, "X-CSRF-Token", "wrong")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	var csrf string
	for _, c := range jar.Cookies(u) {
		if c.Name == "gatekeep_csrf" {
			csrf = c.Value
		}
	}
	require.NotEmpty(t, csrf)

	resp = doJSON(t, client, http.MethodPost, logoutURL, nil, "X-CSRF-Token", csrf)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "logout clears the session cookie")
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCookieRefreshExtendsCSRFCookie(t *testing.T) {
	srv := setupServer(t)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{
		Username: testUser,
		Password: testPassword,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	issued := findCookie(resp.Cookies(), "gatekeep_csrf")
	require.NotNil(t, issued)

	srv.clock.Advance(30 * time.Minute)
	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/auth/refresh", nil, "X-CSRF-Token", issued.Value)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	extended := findCookie(resp.Cookies(), "gatekeep_csrf")
	require.NotNil(t, extended, "refresh re-sends the CSRF cookie")
	assert.Equal(t, issued.Value, extended.Value)
	assert.Equal(t, issued.Expires.Add(30*time.Minute), extended.Expires)

	sessionCookie := findCookie(resp.Cookies(), "gatekeep_session")
	require.NotNil(t, sessionCookie)
	assert.Equal(t, sessionCookie.Expires, extended.Expires)
}

func TestLoginRateLimitedPerIP(t *testing.T) {
	srv := setupServer(t, api.WithLoginRateLimit(rate.Every(time.Hour), 2))
	loginURL := srv.URL + "/api/v1/auth/login"

	for i := 0; i < 2; i++ {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, loginURL, api.LoginRequest{Username: testUser, Password: testPassword})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := doJSON(t, http.DefaultClient, http.MethodPost, loginURL, api.LoginRequest{Username: testUser, Password: testPassword})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 3600, secs, 1)
}

func TestLoginLockoutPerAccount(t *testing.T) {
	srv := setupServer(t)
	loginURL := srv.URL + "/api/v1/auth/login"

	for i := 0; i < 5; i++ {
		resp := doJSON(t, http.DefaultClient, http.MethodPost, loginURL, api.LoginRequest{Username: testUser, Password: "wrong"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp := doJSON(t, http.DefaultClient, http.MethodPost, loginURL, api.LoginRequest{Username: testUser, Password: testPassword})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "correct password is refused while locked out")
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	srv.clock.Advance(time.Minute)
	resp = doJSON(t, http.DefaultClient, http.MethodPost, loginURL, api.LoginRequest{Username: testUser, Password: testPassword})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginFailureAlert(t *testing.T) {
	var (
		mu     sync.Mutex
		alerts []api.AlertEvent
	)
	srv := setupServer(t, api.WithAlertFunc(func(e api.AlertEvent) {
		mu.Lock()
		alerts = append(alerts, e)
		mu.Unlock()
	}))

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/auth/login", api.LoginRequest{Username: "nobody", Password: "x"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, alerts, "a single failure is below every threshold")
}

func TestRequireSession(t *testing.T) {
	srv := setupServer(t)
	token := login(t, http.DefaultClient, srv.URL).Token

	hash, err := password.HashBcrypt(testPassword, bcrypt.MinCost)
	require.NoError(t, err)
	mgr := session.NewManager(memory.NewStore(), directory{testUser: {UserID: "u-1", Username: testUser, Password: hash}},
		password.NewVerifier(), session.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(mgr.Close)
	a := api.New(mgr, api.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(a.Close)

	res := mgr.Login(t.Context(), testUser, testPassword)
	own, ok := res.AuthToken()
	require.True(t, ok)

	var seen string
	protected := a.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = api.TokenFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("token from another manager", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "gatekeep_session", Value: own})
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, own, seen)
	})
}

func TestSecurityHeaders(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))

	resp = doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/auth/session", nil, "X-Forwarded-Proto", "https")
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestOpenAPIServed(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "/auth/login")
}
