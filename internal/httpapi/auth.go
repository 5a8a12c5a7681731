package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/tabclient/internal/session"
)

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string     `json:"access_token"`
	Username    string     `json:"username"`
	Role        string     `json:"role"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ManagerPIN checks the PIN that authorizes cash-box close and disable.
// An empty or malformed hash rejects every PIN.
type ManagerPIN struct {
	hash string
}

func NewManagerPIN(hash string) ManagerPIN {
	return ManagerPIN{hash: strings.TrimSpace(hash)}
}

func (p ManagerPIN) Configured() bool {
	return IsPINHash(p.hash)
}

func (p ManagerPIN) Validate(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !p.Configured() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(p.hash), []byte(input)) == nil
}

func HashPIN(pin string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func IsPINHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}

	resp, err := a.ledger.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	sess, err := a.sessions.Start(r.Context(), resp)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if a.monitor != nil && a.monitor.NeedsLogin() {
		ctx := context.WithoutCancel(r.Context())
		go a.monitor.Resume(ctx)
	}

	out := loginResponse{AccessToken: sess.Token, Username: sess.Username, Role: sess.Role}
	if !sess.ExpiresAt.IsZero() {
		out.ExpiresAt = &sess.ExpiresAt
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.sessions.End()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.sessions.Current()
	if !ok {
		writeError(w, http.StatusUnauthorized, session.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// requireAuth admits requests bearing the token of the terminal's current
// session and puts its operator in the request context.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			token := strings.TrimSpace(authorization[len("Bearer "):])

			sess, ok := a.sessions.Current()
			if !ok {
				writeError(w, http.StatusUnauthorized, session.ErrNoSession)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(sess.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("token does not belong to the active session"))
				return
			}
			if _, err := a.sessions.Token(); err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, sess.Role) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(session.WithActor(r.Context(), sess.Actor())))
		})
	}
}

// checkManagerPIN writes the rejection itself and reports whether the
// handler may continue.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, pin string) bool {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many PIN attempts"))
		return false
	}
	if !a.managerPIN.Validate(pin) {
		actor, _ := session.ActorFromContext(r.Context())
		a.log.Warn("manager PIN rejected", zap.String("actor", actor.Username), zap.String("path", r.URL.Path))
		writeError(w, http.StatusForbidden, errors.New("invalid manager PIN"))
		return false
	}
	return true
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow counts an attempt for key and reports whether it is within the
// window's budget.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := slices.DeleteFunc(l.entries[key], func(ts time.Time) bool {
		return !ts.After(cutoff)
	})
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}
