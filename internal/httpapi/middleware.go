package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRateLimit is the per-client request budget per minute.
const DefaultRateLimit = 10

// errorWriter emits the shared error body; injected so the middleware
// stays decoupled from the server.
type errorWriter func(w http.ResponseWriter, r *http.Request, status int, reason string)

// authenticator checks bearer tokens against a swappable set. An empty
// set disables authentication. The token set may be replaced at runtime
// via config hot reload.
type authenticator struct {
	mu     sync.RWMutex
	tokens []string
}

func newAuthenticator(tokens []string) *authenticator {
	return &authenticator{tokens: append([]string(nil), tokens...)}
}

// setTokens replaces the accepted token set. In-flight requests keep
// the set they started with.
func (a *authenticator) setTokens(tokens []string) {
	a.mu.Lock()
	a.tokens = append([]string(nil), tokens...)
	a.mu.Unlock()
}

func (a *authenticator) wrap(next http.Handler, fail errorWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.RLock()
		tokens := a.tokens
		a.mu.RUnlock()

		if len(tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || !validToken(tokens, token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="skald"`)
			fail(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validToken(tokens []string, token string) bool {
	// Compare against every configured token so timing does not reveal
	// which prefix matched.
	match := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			match = true
		}
	}
	return match
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// throttler enforces a per-client token bucket: limit requests per
// minute with a burst of the full budget. Clients are keyed by bearer
// token when present, remote host otherwise.
type throttler struct {
	limit int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func newThrottler(limit int) *throttler {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &throttler{
		limit:   limit,
		clients: make(map[string]*rate.Limiter),
	}
}

// setLimit replaces the per-client budget and resets existing buckets.
func (t *throttler) setLimit(limit int) {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	t.mu.Lock()
	t.limit = limit
	t.clients = make(map[string]*rate.Limiter)
	t.mu.Unlock()
}

func (t *throttler) wrap(next http.Handler, fail errorWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, limit := t.limiterFor(clientKey(r))
		if !limiter.Allow() {
			retryAfter := time.Minute / time.Duration(limit)
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			fail(w, r, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *throttler) limiterFor(key string) (*rate.Limiter, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.clients[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.limit)), t.limit)
		t.clients[key] = l
	}
	return l, t.limit
}

func clientKey(r *http.Request) string {
	if token, ok := bearerToken(r); ok {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
