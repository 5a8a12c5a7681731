package cashbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger/memory"
	"kasirinaja/tabclient/internal/session"
)

func newService(t *testing.T) (*Service, *memory.Ledger) {
	t.Helper()
	l := memory.New(clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	l.AddCashBox("CAJA-1")
	return New(l, zaptest.NewLogger(t)), l
}

func sellThroughBox(t *testing.T, l *memory.Ledger, tempID string, cents int64) {
	t.Helper()
	_, err := l.CreateSale(context.Background(), domain.SaleData{
		TempID:        tempID,
		PaymentMethod: domain.PaymentMethodCash,
		CashBoxCode:   "CAJA-1",
		Lines:         []domain.SaleLine{{ProductID: "CAFE-01", Name: "Cafe", Quantity: 1, UnitPriceCents: cents}},
	})
	require.NoError(t, err)
}

func TestOpenRequiresPositiveAmount(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Open(context.Background(), "CAJA-1", 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Open(context.Background(), "  ", 1000)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCloseRequiresExactExpectedAmount(t *testing.T) {
	ctx := session.WithActor(context.Background(), session.Actor{Username: "encargado", Role: "admin"})
	svc, l := newService(t)

	box, err := svc.Open(ctx, "caja-1", 1000)
	require.NoError(t, err)
	assert.True(t, box.IsOpen)
	sellThroughBox(t, l, "t-1", 350)

	expected, err := svc.Expected(ctx, "CAJA-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1350), expected.ExpectedClosingCents)

	_, err = svc.Close(ctx, "CAJA-1", 1349)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "1350")

	closing, err := svc.Close(ctx, "CAJA-1", 1350)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), closing.InitialAmountCents)
	assert.Equal(t, int64(350), closing.TotalSalesCents)
	assert.Equal(t, int64(1350), closing.ClosingAmountCents)

	status, err := svc.Status(ctx, "CAJA-1")
	require.NoError(t, err)
	assert.False(t, status.IsOpen)
}

func TestCloseOfClosedBoxConflicts(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Close(context.Background(), "CAJA-1", 0)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestOpenTwiceReturnsCurrentBox(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.Open(ctx, "CAJA-1", 1000)
	require.NoError(t, err)

	box, err := svc.Open(ctx, "CAJA-1", 5000)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.True(t, box.IsOpen)
	assert.Equal(t, int64(1000), box.InitialAmountCents, "the first opening stands")
}

func TestDisableOnlyClosedBoxes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.Open(ctx, "CAJA-1", 1000)
	require.NoError(t, err)

	_, err = svc.Disable(ctx, "CAJA-1")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = svc.Close(ctx, "CAJA-1", 1000)
	require.NoError(t, err)

	box, err := svc.Disable(ctx, "CAJA-1")
	require.NoError(t, err)
	assert.False(t, box.Enabled)

	again, err := svc.Disable(ctx, "CAJA-1")
	require.NoError(t, err)
	assert.False(t, again.Enabled)

	_, err = svc.Open(ctx, "CAJA-1", 1000)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestUnknownBoxIsNotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Status(context.Background(), "CAJA-9")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
