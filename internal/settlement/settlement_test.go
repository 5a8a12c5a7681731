package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/cache"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
	"kasirinaja/tabclient/internal/ledger/memory"
)

// scriptedLedger wraps the in-process ledger to count calls and inject
// failures.
type scriptedLedger struct {
	ledger.Client

	mu            sync.Mutex
	calls         map[string]int
	itemPayErr    error
	closeErr      error
	closeReported bool
	splitStatus   *domain.SplitStatus
}

func (s *scriptedLedger) count(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

func (s *scriptedLedger) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *scriptedLedger) RecordPayment(ctx context.Context, accountID string, req domain.PaymentRequest) (domain.PaymentAck, error) {
	s.count("record_payment")
	return s.Client.RecordPayment(ctx, accountID, req)
}

func (s *scriptedLedger) RecordItemPayment(ctx context.Context, accountID string, req domain.ItemPaymentRequest) (domain.PaymentAck, error) {
	s.count("record_item_payment")
	if s.itemPayErr != nil {
		return domain.PaymentAck{}, s.itemPayErr
	}
	return s.Client.RecordItemPayment(ctx, accountID, req)
}

func (s *scriptedLedger) GetSplitStatus(ctx context.Context, accountID string) (domain.SplitStatus, error) {
	if s.splitStatus != nil {
		return *s.splitStatus, nil
	}
	return s.Client.GetSplitStatus(ctx, accountID)
}

func (s *scriptedLedger) CloseAccount(ctx context.Context, accountID string, req domain.CloseRequest) (domain.FinalizedOrder, error) {
	s.count("close_account")
	if s.closeErr != nil {
		if s.closeReported {
			// the ledger closed it but the response was a conflict
			_, _ = s.Client.CloseAccount(ctx, accountID, req)
		}
		return domain.FinalizedOrder{}, s.closeErr
	}
	return s.Client.CloseAccount(ctx, accountID, req)
}

type fixture struct {
	ledger  *memory.Ledger
	wrapped *scriptedLedger
	engine  *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	l := memory.New(clk)
	l.AddAccount(domain.Account{
		ID:    "tab-100",
		Name:  "Mesa 4",
		Items: []domain.OrderedItem{{ID: "menu", Name: "Menu del dia", UnitPriceCents: 2500, Quantity: 4}},
	})
	l.AddAccount(domain.Account{
		ID:   "tab-items",
		Name: "Barra",
		Items: []domain.OrderedItem{
			{ID: "line-a", Name: "Caña", UnitPriceCents: 1000, Quantity: 3},
			{ID: "line-b", Name: "Tapa", UnitPriceCents: 500, Quantity: 1},
		},
	})
	l.AddCashBox("CAJA-1")
	_, err := l.OpenCashBox(context.Background(), "CAJA-1", 1000)
	require.NoError(t, err)

	wrapped := &scriptedLedger{Client: l, calls: make(map[string]int)}
	log := zaptest.NewLogger(t)
	engine := NewEngine(EngineParams{
		Ledger: wrapped,
		Split:  NewSplitCoordinator(wrapped, cache.NewMemorySplitStatusCache(clk), log),
		Items:  NewItemTracker(wrapped, log),
		Log:    log,
		Clock:  clk,
	})
	return fixture{ledger: l, wrapped: wrapped, engine: engine}
}

func TestExpandUnitsMarksFirstPaidUnits(t *testing.T) {
	items := []domain.OrderedItem{{ID: "line-a", Name: "Caña", UnitPriceCents: 1000, Quantity: 3}}
	snapshot := domain.UnitPaymentSnapshot{Lines: []domain.ItemPaymentLine{{ItemID: "line-a", Quantity: 3, PaidQty: 1}}}

	units := ExpandUnits(items, snapshot)
	require.Len(t, units, 3)
	assert.True(t, units[0].Paid)
	assert.False(t, units[1].Paid)
	assert.False(t, units[2].Paid)
	assert.Equal(t, "line-a#1", units[1].ID)
}

func TestExpandUnitsClampsPaidQuantity(t *testing.T) {
	items := []domain.OrderedItem{{ID: "x", UnitPriceCents: 100, Quantity: 2}}
	snapshot := domain.UnitPaymentSnapshot{Lines: []domain.ItemPaymentLine{{ItemID: "x", Quantity: 2, PaidQty: 5}}}

	for _, unit := range ExpandUnits(items, snapshot) {
		assert.True(t, unit.Paid)
	}
}

func TestItemSelectionSkipsPaidUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.RecordItemPayment(ctx, "tab-items", domain.ItemPaymentRequest{UnitIDs: []string{"line-a#0"}, Method: domain.PaymentMethodCash})
	require.NoError(t, err)

	_, err = f.engine.Open(ctx, "tab-items")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-items", ModeItems)
	require.NoError(t, err)

	session, err := f.engine.SelectUnits("tab-items", []string{"line-a#0", "line-a#1", "line-a#2", "nope#0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"line-a#1", "line-a#2"}, session.Items.Selected)
	assert.Equal(t, int64(2000), session.Items.SelectedTotalCents)

	session, err = f.engine.DeselectUnits("tab-items", []string{"line-a#2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"line-a#1"}, session.Items.Selected)
}

func TestPayUnitsWithoutSelectionMakesNoCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-items")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-items", ModeItems)
	require.NoError(t, err)

	_, err = f.engine.PayUnits(ctx, "tab-items", nil, "", domain.PaymentMethodCash)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.ErrorIs(t, err, ErrNoSelection)
	assert.Zero(t, f.wrapped.Calls("record_item_payment"))
}

func TestPayUnitsFailureKeepsSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-items")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-items", ModeItems)
	require.NoError(t, err)
	_, err = f.engine.SelectUnits("tab-items", []string{"line-a#0", "line-a#1"})
	require.NoError(t, err)

	f.wrapped.itemPayErr = apperr.Transient("ledger.record_item_payment", errors.New("connection reset"))
	_, err = f.engine.PayUnits(ctx, "tab-items", nil, "Ana", domain.PaymentMethodCard)
	assert.True(t, apperr.Retryable(err))

	session, ok := f.engine.Session("tab-items")
	require.True(t, ok)
	assert.Equal(t, []string{"line-a#0", "line-a#1"}, f.engine.items.View("tab-items").Selected)
	assert.Equal(t, StateItems, session.State)

	f.wrapped.itemPayErr = nil
	session, err = f.engine.PayUnits(ctx, "tab-items", nil, "Ana", domain.PaymentMethodCard)
	require.NoError(t, err)
	assert.Empty(t, session.Items.Selected)
	assert.Equal(t, int64(1500), session.DueCents)
	assert.True(t, session.Items.Units[0].Paid)
	assert.True(t, session.Items.Units[1].Paid)
}

func TestPayingEveryUnitAwaitsCloseDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-items")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-items", ModeItems)
	require.NoError(t, err)

	session, err := f.engine.PayUnits(ctx, "tab-items", []string{"line-a#0", "line-a#1", "line-a#2", "line-b#0"}, "", domain.PaymentMethodCash)
	require.NoError(t, err)
	assert.True(t, session.Items.AllPaid)
	assert.Equal(t, StateAwaitingClose, session.State)
	assert.Zero(t, session.DueCents)
	assert.False(t, session.CanPay)

	// a paid unit can never be selected again
	_, err = f.engine.SelectUnits("tab-items", []string{"line-a#0"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, f.engine.items.View("tab-items").Selected)
}

func TestSplitScenarioHundredAmongFour(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeSplit)
	require.NoError(t, err)

	session, err := f.engine.SetSplitPeople(ctx, "tab-100", 4)
	require.NoError(t, err)
	assert.Equal(t, domain.SplitStatus{TotalShares: 4, RemainingShares: 4, SharePriceCents: 2500}, *session.Split)

	for i := 0; i < 2; i++ {
		session, err = f.engine.PaySplitShare(ctx, "tab-100", 0, "", domain.PaymentMethodCash)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, session.Split.RemainingShares)
	assert.Equal(t, 2, session.Split.PaidShares())
	assert.Equal(t, int64(2500), session.Split.SharePriceCents)
	assert.Equal(t, StateSplit, session.State)

	session, err = f.engine.SetSplitPeople(ctx, "tab-100", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, session.Split.TotalShares)
	assert.Equal(t, 5, session.Split.RemainingShares)
	assert.Equal(t, int64(1000), session.Split.SharePriceCents, "share is recomputed against the remaining $50")

	for i := 0; i < 5; i++ {
		session, err = f.engine.PaySplitShare(ctx, "tab-100", 0, "", domain.PaymentMethodCard)
		require.NoError(t, err)
	}
	assert.Equal(t, StateAwaitingClose, session.State)
	assert.Equal(t, int64(10000), session.Account.PaidCents)
}

func TestSplitShareMustMatchSharePrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeSplit)
	require.NoError(t, err)
	_, err = f.engine.SetSplitPeople(ctx, "tab-100", 2)
	require.NoError(t, err)

	_, err = f.engine.PaySplitShare(ctx, "tab-100", 1000, "", domain.PaymentMethodCash)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "5000")
	assert.Zero(t, f.wrapped.Calls("record_payment"))

	session, err := f.engine.PaySplitShare(ctx, "tab-100", 5000, "", domain.PaymentMethodCash)
	require.NoError(t, err)
	assert.Equal(t, 1, session.Split.RemainingShares)
	assert.Equal(t, int64(5000), session.DueCents)
}

func TestSplitLastShareMayPayExactRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeSplit)
	require.NoError(t, err)
	_, err = f.engine.SetSplitPeople(ctx, "tab-100", 1)
	require.NoError(t, err)

	// a remote ledger may round the last share away from the remainder
	f.wrapped.splitStatus = &domain.SplitStatus{TotalShares: 1, RemainingShares: 1, SharePriceCents: 9999}
	_, err = f.engine.PaySplitShare(ctx, "tab-100", 9000, "", domain.PaymentMethodCash)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.PaySplitShare(ctx, "tab-100", 10000, "", domain.PaymentMethodCash)
	require.NoError(t, err)
	assert.Equal(t, 1, f.wrapped.Calls("record_payment"))
}

func TestSplitSharesExhaustedWithBalanceDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeSplit)
	require.NoError(t, err)
	_, err = f.engine.SetSplitPeople(ctx, "tab-100", 2)
	require.NoError(t, err)

	f.wrapped.splitStatus = &domain.SplitStatus{TotalShares: 2, RemainingShares: 0, SharePriceCents: 0}
	_, err = f.engine.PaySplitShare(ctx, "tab-100", 0, "", domain.PaymentMethodCash)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSharesExhausted)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, f.wrapped.Calls("record_payment"))

	f.wrapped.splitStatus = nil
	session, err := f.engine.SetSplitPeople(ctx, "tab-100", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), session.Split.SharePriceCents)
}

func TestViewShowsMirroredSplitFromAnotherTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	shared := cache.NewMemorySplitStatusCache(clk)
	log := zaptest.NewLogger(t)
	newTerminal := func() *Engine {
		return NewEngine(EngineParams{
			Ledger: f.ledger,
			Split:  NewSplitCoordinator(f.ledger, shared, log),
			Items:  NewItemTracker(f.ledger, log),
			Log:    log,
			Clock:  clk,
		})
	}
	bar, terrace := newTerminal(), newTerminal()

	_, err := bar.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = bar.ChooseMode(ctx, "tab-100", ModeSplit)
	require.NoError(t, err)
	_, err = bar.SetSplitPeople(ctx, "tab-100", 4)
	require.NoError(t, err)

	_, ok := terrace.View(ctx, "tab-100")
	assert.False(t, ok, "no local session yet")

	_, err = terrace.Open(ctx, "tab-100")
	require.NoError(t, err)
	view, ok := terrace.View(ctx, "tab-100")
	require.True(t, ok)
	require.NotNil(t, view.Split)
	assert.True(t, view.SplitCached)
	assert.Equal(t, 4, view.Split.TotalShares)
	assert.Equal(t, StateChoosingMode, view.State)

	local, ok := terrace.Session("tab-100")
	require.True(t, ok)
	assert.Nil(t, local.Split, "the mirror is display only")

	barView, ok := bar.View(ctx, "tab-100")
	require.True(t, ok)
	assert.False(t, barView.SplitCached)
}

func TestSplitPeopleCountBounds(t *testing.T) {
	ctx := context.Background()
	for n := 1; n <= 7; n++ {
		f := newFixture(t)
		status, err := f.engine.split.SetPeopleCount(ctx, "tab-100", n)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, status.RemainingShares, 0)
		assert.LessOrEqual(t, status.RemainingShares, n)
	}
}

func TestSplitRejectsNonPositivePeopleBeforeNetwork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.split.SetPeopleCount(ctx, "tab-100", 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	status, err := f.ledger.GetSplitStatus(ctx, "tab-100")
	require.NoError(t, err)
	assert.False(t, status.Active())
}

func TestCloseAcceptsCashBoxCodeInAnyCase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeFull)
	require.NoError(t, err)

	order, err := f.engine.CloseAccount(ctx, "tab-100", " caja-1 ", domain.PaymentMethodCash)
	require.NoError(t, err)
	assert.Equal(t, "CAJA-1", order.CashBoxCode)
	assert.Equal(t, int64(10000), order.PaidCents)
}

func TestPayFullThenCloseTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeFull)
	require.NoError(t, err)

	session, err := f.engine.PayFull(ctx, "tab-100", 4000, "", domain.PaymentMethodCash)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), session.DueCents)
	assert.Equal(t, StateFull, session.State)

	session, err = f.engine.PayFull(ctx, "tab-100", 0, "", domain.PaymentMethodCash)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingClose, session.State)

	_, err = f.engine.PayFull(ctx, "tab-100", 0, "", domain.PaymentMethodCash)
	assert.ErrorIs(t, err, apperr.ErrConflict, "payment actions are gone once the account awaits a decision")

	first, err := f.engine.CloseAccount(ctx, "tab-100", "CAJA-1", domain.PaymentMethodCash)
	require.NoError(t, err)
	second, err := f.engine.CloseAccount(ctx, "tab-100", "CAJA-1", domain.PaymentMethodCash)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, second.AlreadyClosed)
	assert.Equal(t, 2, f.wrapped.Calls("record_payment"))

	box, err := f.ledger.CashBoxStatus(ctx, "CAJA-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), box.TotalSalesCents)
}

func TestPayFullWithNothingDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeFull)
	require.NoError(t, err)

	// another terminal settles the tab
	_, err = f.ledger.RecordPayment(ctx, "tab-100", domain.PaymentRequest{AmountCents: 10000, Method: domain.PaymentMethodCash})
	require.NoError(t, err)

	_, err = f.engine.PayFull(ctx, "tab-100", 0, "", domain.PaymentMethodCash)
	assert.ErrorIs(t, err, ErrNothingToPay)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	session, _ := f.engine.Session("tab-100")
	assert.Equal(t, StateAwaitingClose, session.State)
}

func TestCloseFailureAfterPaymentDoesNotChargeTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)

	f.wrapped.closeErr = apperr.Transient("ledger.close_account", errors.New("timeout"))
	_, err = f.engine.CloseAccount(ctx, "tab-100", "CAJA-1", domain.PaymentMethodCard)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCloseFailed)
	assert.True(t, apperr.Retryable(err))

	account, err := f.ledger.GetAccount(ctx, "tab-100")
	require.NoError(t, err)
	assert.False(t, account.Closed)
	assert.Equal(t, int64(10000), account.PaidCents)

	session, _ := f.engine.Session("tab-100")
	assert.Equal(t, StateAwaitingClose, session.State)

	f.wrapped.closeErr = nil
	order, err := f.engine.CloseAccount(ctx, "tab-100", "CAJA-1", domain.PaymentMethodCard)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), order.PaidCents)
	assert.Equal(t, 1, f.wrapped.Calls("record_payment"))
}

func TestCloseConflictReconcilesWhenAlreadyClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.RecordPayment(ctx, "tab-100", domain.PaymentRequest{AmountCents: 10000, Method: domain.PaymentMethodCash})
	require.NoError(t, err)
	_, err = f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)

	f.wrapped.closeErr = apperr.Conflict("ledger.close_account", "account already closed")
	f.wrapped.closeReported = true

	order, err := f.engine.CloseAccount(ctx, "tab-100", "CAJA-1", domain.PaymentMethodCash)
	require.NoError(t, err)
	assert.True(t, order.AlreadyClosed)

	session, _ := f.engine.Session("tab-100")
	assert.Equal(t, StateClosed, session.State)
	assert.Zero(t, f.wrapped.Calls("record_payment"))
}

func TestCloseRequiresCashBoxCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CloseAccount(context.Background(), "tab-100", " ", domain.PaymentMethodCash)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, f.wrapped.Calls("close_account"))
}

func TestKeepOpenRecordsFinalPaymentAndReturnsToChoosingMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeFull)
	require.NoError(t, err)

	session, err := f.engine.KeepOpen(ctx, "tab-100", &domain.PaymentRequest{AmountCents: 3000, Method: domain.PaymentMethodCash})
	require.NoError(t, err)
	assert.Equal(t, StateChoosingMode, session.State)
	assert.True(t, session.KeptOpen)
	assert.Equal(t, int64(7000), session.DueCents)
	require.NotNil(t, session.LastPayment)
	assert.Equal(t, int64(3000), session.LastPayment.AmountCents)

	_, err = f.engine.KeepOpen(ctx, "tab-100", &domain.PaymentRequest{AmountCents: 9000, Method: domain.PaymentMethodCash})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRefreshSeesPaymentFromAnotherTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.engine.Open(ctx, "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(ctx, "tab-100", ModeFull)
	require.NoError(t, err)

	_, err = f.ledger.RecordPayment(ctx, "tab-100", domain.PaymentRequest{AmountCents: 10000, Method: domain.PaymentMethodCard})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		session, err := f.engine.Refresh(ctx, "tab-100")
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingClose, session.State)
	}
}

func TestChooseModeRequiresOpenSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ChooseMode(context.Background(), "tab-100", ModeSplit)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Open(context.Background(), "tab-100")
	require.NoError(t, err)
	_, err = f.engine.ChooseMode(context.Background(), "tab-100", Mode("barter"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGuardRejectsConcurrentOperation(t *testing.T) {
	g := NewGuard()
	release, err := g.Acquire("tab-1", "settlement.pay_full")
	require.NoError(t, err)

	_, err = g.Acquire("tab-1", "settlement.close_account")
	assert.ErrorIs(t, err, ErrOperationInFlight)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	other, err := g.Acquire("tab-2", "settlement.pay_full")
	require.NoError(t, err)
	other()

	op, busy := g.InFlight("tab-1")
	assert.True(t, busy)
	assert.Equal(t, "settlement.pay_full", op)

	release()
	release()
	_, busy = g.InFlight("tab-1")
	assert.False(t, busy)
}
