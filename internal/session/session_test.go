package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger/memory"
)

func login(t *testing.T, clk clock.Clock) domain.LoginResponse {
	t.Helper()
	l := memory.New(clk)
	require.NoError(t, l.AddUser("kasir", "rahasia-1", "cashier"))
	resp, err := l.Login(context.Background(), "kasir", "rahasia-1")
	require.NoError(t, err)
	return resp
}

func TestStartReadsTokenClaims(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	h := NewHolder(Options{Clock: clk, CheckInterval: time.Hour, Log: zaptest.NewLogger(t)})
	t.Cleanup(h.End)

	resp := login(t, clk)
	resp.Role = ""
	sess, err := h.Start(context.Background(), resp)
	require.NoError(t, err)
	assert.Equal(t, "kasir", sess.Username)
	assert.Equal(t, "cashier", sess.Role, "role falls back to the token claim")
	assert.Equal(t, clk.Now().Add(8*time.Hour), sess.ExpiresAt)

	token, err := h.Token()
	require.NoError(t, err)
	assert.Equal(t, resp.AccessToken, token)
}

func TestOpaqueTokenHasNoExpiry(t *testing.T) {
	h := NewHolder(Options{CheckInterval: time.Hour})
	t.Cleanup(h.End)

	sess, err := h.Start(context.Background(), domain.LoginResponse{AccessToken: "opaque-abc", Username: "kasir"})
	require.NoError(t, err)
	assert.True(t, sess.ExpiresAt.IsZero())
	assert.False(t, sess.Expired(time.Now().Add(1000*time.Hour)))
}

func TestStartRejectsEmptyToken(t *testing.T) {
	h := NewHolder(Options{})
	_, err := h.Start(context.Background(), domain.LoginResponse{Username: "kasir"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, ok := h.Current()
	assert.False(t, ok)
}

func TestTokenWithoutSession(t *testing.T) {
	_, err := NewHolder(Options{}).Token()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTokenEndsExpiredSession(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	var (
		mu     sync.Mutex
		causes []error
	)
	h := NewHolder(Options{
		Clock:         clk,
		CheckInterval: time.Hour,
		OnEnd: func(_ Session, cause error) {
			mu.Lock()
			causes = append(causes, cause)
			mu.Unlock()
		},
	})
	_, err := h.Start(context.Background(), login(t, clk))
	require.NoError(t, err)

	clk.Advance(8*time.Hour + time.Second)
	_, err = h.Token()
	assert.ErrorIs(t, err, ErrExpired)
	_, ok := h.Current()
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], ErrExpired)
}

func TestWatcherEndsSessionRejectedRemotely(t *testing.T) {
	var checks atomic.Int32
	ended := make(chan error, 1)
	h := NewHolder(Options{
		CheckInterval: 10 * time.Millisecond,
		Validate: func(context.Context) error {
			if checks.Add(1) < 3 {
				return apperr.Transient("ledger.cash_box_status", errors.New("timeout"))
			}
			return apperr.AuthExpired("ledger.cash_box_status", "token revoked")
		},
		OnEnd: func(_ Session, cause error) { ended <- cause },
		Log:   zaptest.NewLogger(t),
	})
	_, err := h.Start(context.Background(), domain.LoginResponse{AccessToken: "opaque", Username: "kasir"})
	require.NoError(t, err)

	select {
	case cause := <-ended:
		assert.ErrorIs(t, cause, apperr.ErrAuthExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never ended the session")
	}
	assert.GreaterOrEqual(t, checks.Load(), int32(3), "transient failures do not end the session")
	_, ok := h.Current()
	assert.False(t, ok)
}

func TestEndStopsWatcherAndIgnoresStaleToken(t *testing.T) {
	ended := make(chan error, 2)
	h := NewHolder(Options{
		CheckInterval: time.Hour,
		OnEnd:         func(_ Session, cause error) { ended <- cause },
	})
	ctx := context.Background()
	_, err := h.Start(ctx, domain.LoginResponse{AccessToken: "first", Username: "a"})
	require.NoError(t, err)

	// logging in again ends the previous session
	_, err = h.Start(ctx, domain.LoginResponse{AccessToken: "second", Username: "b"})
	require.NoError(t, err)
	assert.NoError(t, <-ended)

	h.finish("first", ErrExpired)
	current, ok := h.Current()
	require.True(t, ok, "a stale watcher cannot end the newer session")
	assert.Equal(t, "b", current.Username)

	h.End()
	assert.NoError(t, <-ended)
	h.End()
	assert.Empty(t, ended)
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), Actor{Username: "kasir", Role: "cashier"})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "kasir", actor.Username)
}
