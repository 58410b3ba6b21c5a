// Package api exposes the session manager as a small JSON HTTP surface.
package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"golang.org/x/time/rate"

	"github.com/jmcleod/gatekeep/session"
)

// SessionService is the part of *session.Manager the handlers use.
type SessionService interface {
	Login(ctx context.Context, username, password string) session.LoginResult
	Logout(ctx context.Context, token string) bool
	IsTokenValid(ctx context.Context, token string) bool
	RefreshToken(ctx context.Context, token string)
	SessionLengthMinutes() int
}

var _ SessionService = (*session.Manager)(nil)

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions       SessionService
	ipLimiter      *ipRateLimiter
	loginLimiter   *loginRateLimiter
	audit          *auditLogger
	trustedProxies []netip.Prefix
	now            func() time.Time

	logger        *slog.Logger
	alertFn       AlertFunc
	webhookURL    string
	webhookHeader string
	loginRate     rate.Limit
	loginBurst    int

	sweepMu   sync.Mutex
	lastSweep time.Time
	closeOnce sync.Once
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithLoginRateLimit sets the per-IP token bucket applied to POST
// /auth/login.
func WithLoginRateLimit(limit rate.Limit, burst int) Option {
	return func(a *API) {
		a.loginRate = limit
		a.loginBurst = burst
	}
}

// WithTrustedProxies lists the peers, as CIDRs or bare IPs, whose
// forwarding headers are trusted when deriving the client IP.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithAlertFunc enables anomaly alerts for login failure and rate limit
// spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. authHeader is
// optional, in "Header: Value" form.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = authHeader
	}
}

// WithClock replaces time.Now for rate limiting and cookie expiry.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates a new API instance over sessions.
func New(sessions SessionService, opts ...Option) *API {
	a := &API{
		sessions:     sessions,
		loginLimiter: newLoginRateLimiter(),
		now:          time.Now,
		loginRate:    DefaultLoginRate,
		loginBurst:   DefaultLoginBurst,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.ipLimiter = newIPRateLimiter(a.loginRate, a.loginBurst)
	a.audit = newAuditLogger(a.logger)
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		wh, err := newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
		if err != nil {
			a.logger.Error("audit webhook disabled", "error", err)
		} else {
			a.audit.webhook = wh
		}
	}
	a.lastSweep = a.now()
	return a
}

// Close flushes pending audit webhook deliveries. It is safe to call more
// than once.
func (a *API) Close() {
	a.closeOnce.Do(func() {
		if a.audit != nil {
			a.audit.close()
		}
	})
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/login", a.Login)
	r.With(a.CSRFMiddleware).Post("/auth/logout", a.Logout)
	r.Get("/auth/session", a.Session)
	r.With(a.CSRFMiddleware).Post("/auth/refresh", a.Refresh)

	return r
}

// maybeSweep drops idle rate limiter state at most once per ipIdleExpiry.
func (a *API) maybeSweep(now time.Time) {
	a.sweepMu.Lock()
	if now.Sub(a.lastSweep) < ipIdleExpiry {
		a.sweepMu.Unlock()
		return
	}
	a.lastSweep = now
	a.sweepMu.Unlock()

	a.ipLimiter.sweep(now)
	a.loginLimiter.sweep(now)
}
