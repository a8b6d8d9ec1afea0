package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/time/rate"

	"github.com/onnwee/chat-relay/config"
)

// settings are the HTTP surface's own environment knobs.
type settings struct {
	AdminUsername string `env:"ADMIN_USERNAME"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
	AdminToken    string `env:"ADMIN_TOKEN"`

	RateLimitEnabled config.Toggle `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitPerIP   int           `env:"RATE_LIMIT_REQUESTS_PER_IP" envDefault:"10"`
	RateLimitWindowS int           `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	Env            string   `env:"ENV"`
	CORSPermissive string   `env:"CORS_PERMISSIVE"`
	CORSOrigins    []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

func loadSettings() settings {
	var s settings
	if err := env.Parse(&s); err != nil {
		slog.Warn("invalid http settings, using defaults", slog.Any("err", err), slog.String("component", "http"))
		s = settings{RateLimitEnabled: true, RateLimitPerIP: 10, RateLimitWindowS: 60}
	}
	return s
}

// authConfig is the admin credential set; enabled when any complete credential exists.
type authConfig struct {
	adminUsername string
	adminPassword string
	adminToken    string
	enabled       bool
}

func (s settings) auth() *authConfig {
	a := &authConfig{adminUsername: s.AdminUsername, adminPassword: s.AdminPassword, adminToken: s.AdminToken}
	a.enabled = (a.adminUsername != "" && a.adminPassword != "") || a.adminToken != ""
	if !a.enabled {
		slog.Warn("admin endpoints are unprotected; set ADMIN_TOKEN or ADMIN_USERNAME+ADMIN_PASSWORD", slog.String("component", "http"))
	}
	return a
}

func equalSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// allows accepts an X-Admin-Token header or matching basic auth.
func (a *authConfig) allows(r *http.Request) bool {
	if !a.enabled {
		return true
	}
	if tok := r.Header.Get("X-Admin-Token"); a.adminToken != "" && tok != "" && equalSecret(tok, a.adminToken) {
		return true
	}
	if a.adminUsername == "" || a.adminPassword == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	// Evaluate both comparisons so timing does not reveal which one failed.
	userOK, passOK := equalSecret(user, a.adminUsername), equalSecret(pass, a.adminPassword)
	return ok && userOK && passOK
}

// adminAuth rejects requests that carry no valid admin credential.
func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.allows(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="chat-relay admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("ip", clientIP(r)), slog.String("component", "http"))
	})
}

type rateLimiterConfig struct {
	enabled       bool
	requestsPerIP int
	window        time.Duration
}

func (s settings) rateLimit() *rateLimiterConfig {
	c := &rateLimiterConfig{enabled: bool(s.RateLimitEnabled), requestsPerIP: 10, window: time.Minute}
	if s.RateLimitPerIP > 0 {
		c.requestsPerIP = s.RateLimitPerIP
	}
	if s.RateLimitWindowS > 0 {
		c.window = time.Duration(s.RateLimitWindowS) * time.Second
	}
	return c
}

// ipRateLimiter keeps one token bucket per client IP. Each bucket holds
// requestsPerIP tokens and refills over one window.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      *rateLimiterConfig
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter creates a new rate limiter
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	limiter := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
	}
	go limiter.cleanupLoop(ctx)
	return limiter
}

// cleanupLoop periodically removes stale visitor entries
func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup removes visitors that haven't made requests in the last two windows
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.cfg.window*2 {
			delete(rl.visitors, ip)
		}
	}
}

// allow checks if a request from the given IP should be allowed
func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}

	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		every := rl.cfg.window / time.Duration(rl.cfg.requestsPerIP)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), rl.cfg.requestsPerIP)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr, without the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return strings.Trim(ip, "[]")
}

// rateLimitMiddleware applies rate limiting to sensitive endpoints
func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	retryAfter := strconv.Itoa(int(limiter.cfg.window.Seconds() + 0.5))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type corsConfig struct {
	allowedOrigins []string
	permissive     bool
}

// cors is permissive outside production unless CORS_PERMISSIVE says otherwise.
func (s settings) cors() *corsConfig {
	mode := strings.ToLower(s.Env)
	c := &corsConfig{permissive: mode == "" || mode == "dev" || mode == "development"}
	if s.CORSPermissive != "" {
		c.permissive = s.CORSPermissive == "1" || strings.EqualFold(s.CORSPermissive, "true")
	}
	for _, o := range s.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			c.allowedOrigins = append(c.allowedOrigins, o)
		}
	}
	if !c.permissive && len(c.allowedOrigins) == 0 {
		slog.Warn("CORS restricted but CORS_ALLOWED_ORIGINS is empty; browsers on other origins are blocked", slog.String("component", "http"))
	}
	return c
}

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"
)

func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		switch origin := r.Header.Get("Origin"); {
		case cfg.permissive:
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
		case origin != "" && isOriginAllowed(origin, cfg.allowedOrigins):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed matches exact origins and "*.domain" entries, which also admit the bare domain.
func isOriginAllowed(origin string, allowed []string) bool {
	if slices.Contains(allowed, origin) {
		return true
	}
	for _, a := range allowed {
		domain, ok := strings.CutPrefix(a, "*.")
		if !ok {
			continue
		}
		if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
			return true
		}
	}
	return false
}
