// Package session holds the operator session created at login and ended
// at logout. The Holder is the Ledger Client's token source, so no other
// package keeps the bearer token.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
)

var (
	ErrNoSession = errors.New("no active session")
	ErrExpired   = errors.New("session expired")
)

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

type Session struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Token     string    `json:"-"`
	StartedAt time.Time `json:"started_at"`
	// ExpiresAt is zero when the ledger issued an opaque token.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (s Session) Actor() Actor {
	return Actor{Username: s.Username, Role: s.Role}
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type tokenClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// Options configure a Holder. Validate, when set, is called by the watcher
// on every check; an AuthExpired result ends the session.
type Options struct {
	Clock         clock.Clock
	CheckInterval time.Duration
	Validate      func(ctx context.Context) error
	OnEnd         func(s Session, cause error)
	Log           *zap.Logger
}

type Holder struct {
	clock         clock.Clock
	checkInterval time.Duration
	validate      func(ctx context.Context) error
	onEnd         func(Session, error)
	log           *zap.Logger

	mu      sync.Mutex
	current *Session
	cancel  context.CancelFunc
}

func NewHolder(opts Options) *Holder {
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Holder{
		clock:         opts.Clock,
		checkInterval: opts.CheckInterval,
		validate:      opts.Validate,
		onEnd:         opts.OnEnd,
		log:           opts.Log,
	}
}

// Start replaces any current session with the one the ledger just issued
// and starts its watcher. The watcher outlives ctx and stops on End.
func (h *Holder) Start(ctx context.Context, resp domain.LoginResponse) (Session, error) {
	const op = "session.start"
	token := strings.TrimSpace(resp.AccessToken)
	if token == "" {
		return Session{}, apperr.Invalid(op, "login response carries no access token")
	}

	sess := Session{
		Username:  resp.Username,
		Role:      resp.Role,
		Token:     token,
		StartedAt: h.clock.Now(),
	}
	claims := &tokenClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err == nil {
		if claims.ExpiresAt != nil {
			sess.ExpiresAt = claims.ExpiresAt.UTC()
		}
		if sess.Username == "" {
			sess.Username = claims.Subject
		}
		if sess.Role == "" {
			sess.Role = claims.Role
		}
	} else {
		h.log.Debug("opaque session token", zap.Error(err))
	}
	if sess.Expired(sess.StartedAt) {
		return Session{}, apperr.AuthExpired(op, "token already expired")
	}

	h.End()

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Lock()
	h.current = &sess
	h.cancel = cancel
	h.mu.Unlock()

	h.log.Info("session started",
		zap.String("username", sess.Username),
		zap.String("role", sess.Role),
		zap.Time("expires_at", sess.ExpiresAt),
	)
	go h.watch(watchCtx, sess)
	return sess, nil
}

// End logs the operator out. Ending without a session is a no-op.
func (h *Holder) End() {
	h.finish("", nil)
}

func (h *Holder) Current() (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return Session{}, false
	}
	return *h.current, true
}

// Token returns the bearer token, ending the session once it has expired.
func (h *Holder) Token() (string, error) {
	h.mu.Lock()
	current := h.current
	h.mu.Unlock()
	if current == nil {
		return "", ErrNoSession
	}
	if current.Expired(h.clock.Now()) {
		h.finish(current.Token, ErrExpired)
		return "", ErrExpired
	}
	return current.Token, nil
}

// finish clears the current session. A non-empty token only ends the
// session it belongs to, so a late watcher cannot end its successor.
func (h *Holder) finish(token string, cause error) {
	h.mu.Lock()
	current := h.current
	if current == nil || (token != "" && current.Token != token) {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	h.current = nil
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cause != nil {
		h.log.Warn("session ended", zap.String("username", current.Username), zap.Error(cause))
	} else {
		h.log.Info("session ended", zap.String("username", current.Username))
	}
	if h.onEnd != nil {
		h.onEnd(*current, cause)
	}
}

// watch runs one timer per session: it fires at the next check or at the
// token expiry, whichever comes first.
func (h *Holder) watch(ctx context.Context, sess Session) {
	timer := time.NewTimer(h.nextCheck(sess))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if sess.Expired(h.clock.Now()) {
			h.finish(sess.Token, ErrExpired)
			return
		}
		if h.validate != nil {
			err := h.validate(ctx)
			switch {
			case apperr.IsAuthExpired(err):
				h.finish(sess.Token, err)
				return
			case err != nil && ctx.Err() == nil:
				h.log.Debug("session check inconclusive", zap.Error(err))
			}
		}
		timer.Reset(h.nextCheck(sess))
	}
}

func (h *Holder) nextCheck(sess Session) time.Duration {
	wait := h.checkInterval
	if sess.ExpiresAt.IsZero() {
		return wait
	}
	if untilExpiry := sess.ExpiresAt.Sub(h.clock.Now()); untilExpiry < wait {
		wait = max(untilExpiry, 0)
	}
	return wait
}
