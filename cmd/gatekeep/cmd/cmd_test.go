package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/identity"
	"github.com/jmcleod/gatekeep/internal/config"
	"github.com/jmcleod/gatekeep/password"
	"github.com/jmcleod/gatekeep/storage"
)

var discardLogger = slog.New(slog.DiscardHandler)

// newFlagCommand returns a command carrying the same flags as the real
// commands, parsed from args.
func newFlagCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	addConfigFlags(c.Flags())
	addServerFlags(c.Flags())
	require.NoError(t, c.ParseFlags(args))
	return c
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":7000"
store:
  backend: postgres
  dsn: postgres://file@db/sessions
log:
  level: warn
  format: text
`)
	t.Setenv(config.EnvStoreDSN, "postgres://env@db/sessions")

	c := newFlagCommand(t, "--config", path, "--log-level", "debug", "--session-length", "15")
	cfg, err := loadConfig(c)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level, "flag beats file")
	assert.Equal(t, "text", cfg.Log.Format, "unset flag keeps file value")
	assert.Equal(t, ":7000", cfg.Server.Addr, "flag defaults never override the file")
	assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://env@db/sessions", cfg.Store.DSN, "environment beats file")
	assert.Equal(t, 15, cfg.Session.LengthMinutes)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	c := newFlagCommand(t, "--store-backend", "bbolt", "--store-path", "/tmp/sessions.db")
	cfg, err := loadConfig(c)
	require.NoError(t, err)

	assert.Equal(t, config.BackendBolt, cfg.Store.Backend)
	assert.Equal(t, "/tmp/sessions.db", cfg.Store.Path)
	assert.Equal(t, config.Default().Server, cfg.Server)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger, err = newLogger(config.LogConfig{Level: "info", Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")

	_, err = newLogger(config.LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{"memory", config.StoreConfig{Backend: config.BackendMemory}},
		{"bbolt", config.StoreConfig{Backend: config.BackendBolt, Path: filepath.Join(dir, "nested", "sessions.db")}},
		{"sqlite", config.StoreConfig{Backend: config.BackendSQLite, DSN: filepath.Join(dir, "sessions.sqlite")}},
		{"redis", config.StoreConfig{Backend: config.BackendRedis, DSN: "redis://" + mr.Addr(), RedisPrefix: "session:", RedisRetention: time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			conn, release, err := openStore(ctx, tt.cfg)
			require.NoError(t, err)
			defer func() { require.NoError(t, release()) }()

			c, err := conn.Open(ctx)
			require.NoError(t, err)
			defer c.Close()

			now := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, c.Add(ctx, storage.Session{
				UserID:     "u-1",
				Token:      "0123456789abcdef0123456789abcdef",
				Expiration: now.Add(time.Hour),
				CreatedAt:  now,
			}))
			got, err := c.FindActive(ctx, "0123456789abcdef0123456789abcdef", now)
			require.NoError(t, err)
			assert.Equal(t, "u-1", got.UserID)
		})
	}

	t.Run("unknown backend", func(t *testing.T) {
		_, _, err := openStore(context.Background(), config.StoreConfig{Backend: "etcd"})
		require.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

const (
	testUser     = "alice"
	testPassword = "correct horse"
)

func newDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	hash, err := password.HashBcrypt(testPassword, bcrypt.MinCost)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Get("/Users/{username}", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "username") != testUser {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(identity.User{UserID: "u-1", Username: testUser, Password: hash})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestServiceEndToEnd(t *testing.T) {
	directory := newDirectoryServer(t)
	cfg := config.Default()
	cfg.Identity.URL = directory.URL
	cfg.Session.SweepInterval = 0
	require.NoError(t, cfg.ValidateServer())

	svc, err := newService(context.Background(), cfg, discardLogger)
	require.NoError(t, err)
	srv := httptest.NewServer(svc.handler)
	defer srv.Close()
	defer func() { require.NoError(t, svc.Close(context.Background())) }()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	payload, err := json.Marshal(api.LoginRequest{Username: testUser, Password: testPassword})
	require.NoError(t, err)
	resp, err = http.Post(srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login api.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	resp.Body.Close()
	assert.Len(t, login.Token, 32)
	assert.Equal(t, 60, login.ExpiresInMinutes)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "gatekeep_executor_active_units")
	assert.Contains(t, string(body), "gatekeep_session_logins_total")
}

func TestNewServiceRejectsBadProxies(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.URL = "http://127.0.0.1:1"
	cfg.Server.TrustedProxies = []string{"not-an-ip"}

	_, err := newService(context.Background(), cfg, discardLogger)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTokenMaintenance(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendBolt
	cfg.Store.Path = filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	const token = "fedcba9876543210fedcba9876543210"
	conn, release, err := openStore(ctx, cfg.Store)
	require.NoError(t, err)
	c, err := conn.Open(ctx)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, c.Add(ctx, storage.Session{UserID: "u-1", Token: token, Expiration: now.Add(time.Hour), CreatedAt: now}))
	require.NoError(t, c.Add(ctx, storage.Session{UserID: "u-2", Token: "expired", Expiration: now.Add(-time.Hour), CreatedAt: now}))
	require.NoError(t, c.Close())
	require.NoError(t, release())

	mgr, done, err := openMaintenanceManager(ctx, cfg, discardLogger)
	require.NoError(t, err)
	defer done()

	var out bytes.Buffer
	require.NoError(t, checkToken(ctx, mgr, token, &out))
	assert.Equal(t, "valid\n", out.String())

	out.Reset()
	require.NoError(t, revokeToken(ctx, mgr, token, &out))
	assert.Equal(t, "revoked\n", out.String())

	out.Reset()
	require.ErrorIs(t, checkToken(ctx, mgr, token, &out), errTokenRejected)
	assert.Equal(t, "invalid\n", out.String())

	require.ErrorIs(t, revokeToken(ctx, mgr, "unknown", io.Discard), errTokenRejected)
	require.ErrorIs(t, revokeToken(ctx, mgr, "0123456789abcdef0123456789abcdef", io.Discard), errTokenRejected)
	require.ErrorIs(t, checkToken(ctx, mgr, strings.ToUpper(token), io.Discard), errTokenRejected)

	out.Reset()
	require.NoError(t, runSweep(ctx, mgr, &out))
	assert.Equal(t, "Deleted 2 invalid session(s)\n", out.String())
}

func TestCheckConfigDefaults(t *testing.T) {
	report := checkConfig(context.Background(), config.Default(), true)

	assert.True(t, report.Valid)
	assert.Equal(t, config.BackendMemory, report.Backend)
	statuses := make(map[string]string)
	for _, c := range report.Checks {
		statuses[c.Name] = c.Status
	}
	assert.Equal(t, statusPass, statuses["validation"])
	assert.Equal(t, statusWarn, statuses["identity_url"])
	assert.Equal(t, statusWarn, statuses["tls"])
	assert.Equal(t, statusPass, statuses["store_connect"])
}

func TestCheckConfigReportsEveryField(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = ""
	cfg.Log.Format = "xml"

	report := checkConfig(context.Background(), cfg, true)
	require.False(t, report.Valid)

	var failed []string
	for _, c := range report.Checks {
		if c.Status == statusFail {
			failed = append(failed, c.Name)
		}
		assert.NotEqual(t, "store_connect", c.Name, "store is not opened for an invalid config")
	}
	assert.Equal(t, []string{"server.addr", "log.format"}, failed)

	var out bytes.Buffer
	printHumanReport(&out, report)
	assert.Contains(t, out.String(), "[FAIL] server.addr: must not be empty")
	assert.Contains(t, out.String(), "[WARN] tls: serving plain HTTP")
	assert.True(t, strings.HasSuffix(out.String(), "Result: INVALID (2 error(s), 2 warning(s))\n"))
}

func TestCheckConfigProxiesAndTLS(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.URL = "https://directory.example.com"
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "bogus"}
	cfg.Server.TLSCert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.Server.TLSKey = filepath.Join(t.TempDir(), "missing.key")
	cfg.Audit.WebhookURL = "http://siem.internal/hook"

	report := checkConfig(context.Background(), cfg, false)
	assert.False(t, report.Valid)

	statuses := make(map[string]string)
	for _, c := range report.Checks {
		statuses[c.Name] = c.Status
	}
	assert.Equal(t, statusFail, statuses["trusted_proxies"])
	assert.Equal(t, statusFail, statuses["tls"])
	assert.Equal(t, statusWarn, statuses["audit_webhook"])
	assert.Equal(t, statusPass, statuses["identity_url"])
	assert.NotContains(t, statuses, "store_connect")
}

func TestPrintJSONReport(t *testing.T) {
	report := checkConfig(context.Background(), config.Default(), false)
	report.File = "gatekeep.yaml"

	var out bytes.Buffer
	require.NoError(t, printJSONReport(&out, report))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "gatekeep.yaml", decoded["file"])
	assert.Equal(t, true, decoded["valid"])
	assert.Equal(t, "memory", decoded["store_backend"])
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, Version+"\n", out.String())
}
