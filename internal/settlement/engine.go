package settlement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
	"kasirinaja/tabclient/internal/observability/metrics"
)

type State string

const (
	StateChoosingMode  State = "CHOOSING_MODE"
	StateFull          State = "FULL"
	StateSplit         State = "SPLIT"
	StateItems         State = "ITEMS"
	StateAwaitingClose State = "AWAITING_CLOSE_DECISION"
	StateClosed        State = "CLOSED"
	StateKeptOpen      State = "KEPT_OPEN"
)

type Mode string

const (
	ModeFull  Mode = "full"
	ModeSplit Mode = "split"
	ModeItems Mode = "items"
)

func (m Mode) state() (State, bool) {
	switch m {
	case ModeFull:
		return StateFull, true
	case ModeSplit:
		return StateSplit, true
	case ModeItems:
		return StateItems, true
	}
	return "", false
}

// Session is the engine's view of one account being settled at this
// terminal. Money fields come from the most recent ledger fetch.
type Session struct {
	AccountID   string                 `json:"account_id"`
	State       State                  `json:"state"`
	Account     domain.Account         `json:"account"`
	DueCents    int64                  `json:"due_cents"`
	CanPay      bool                   `json:"can_pay"`
	Split       *domain.SplitStatus    `json:"split,omitempty"`
	SplitCached bool                   `json:"split_cached,omitempty"`
	Items       *ItemView              `json:"items,omitempty"`
	Finalized   *domain.FinalizedOrder `json:"finalized,omitempty"`
	LastPayment *domain.PaymentAck     `json:"last_payment,omitempty"`
	KeptOpen    bool                   `json:"kept_open"`
	RefreshedAt time.Time              `json:"refreshed_at"`
}

type EngineParams struct {
	Ledger  ledger.Client
	Split   *SplitCoordinator
	Items   *ItemTracker
	Guard   *Guard
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Clock   clock.Clock
}

// Engine is the account settlement state machine:
//
//	CHOOSING_MODE -> {FULL, SPLIT, ITEMS} -> AWAITING_CLOSE_DECISION -> {CLOSED, KEPT_OPEN}
//
// A session only enters AWAITING_CLOSE_DECISION after a fresh account
// fetch shows nothing due. Mutating calls hold the per-account guard.
type Engine struct {
	ledger  ledger.Client
	split   *SplitCoordinator
	items   *ItemTracker
	guard   *Guard
	metrics *metrics.Metrics
	log     *zap.Logger
	clock   clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewEngine(p EngineParams) *Engine {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	if p.Split == nil {
		p.Split = NewSplitCoordinator(p.Ledger, nil, log)
	}
	if p.Items == nil {
		p.Items = NewItemTracker(p.Ledger, log)
	}
	if p.Guard == nil {
		p.Guard = NewGuard()
	}
	if p.Clock == nil {
		p.Clock = clock.SystemClock{}
	}
	return &Engine{
		ledger:   p.Ledger,
		split:    p.Split,
		items:    p.Items,
		guard:    p.Guard,
		metrics:  p.Metrics,
		log:      log,
		clock:    p.Clock,
		sessions: make(map[string]*Session),
	}
}

// Open starts (or restarts) settling accountID from CHOOSING_MODE.
func (e *Engine) Open(ctx context.Context, accountID string) (Session, error) {
	account, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Session{AccountID: accountID, State: StateChoosingMode}
	e.sessions[accountID] = s
	e.applyAccount(s, account)
	if account.Closed {
		e.transition(s, StateClosed)
	} else if settled(account) {
		e.transition(s, StateAwaitingClose)
	}
	return *s, nil
}

func (e *Engine) Session(accountID string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[accountID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// View is Session for display. When this terminal has not fetched a split
// status, the last mirrored one is shown and flagged as cached; it never
// drives a transition.
func (e *Engine) View(ctx context.Context, accountID string) (Session, bool) {
	s, ok := e.Session(accountID)
	if !ok || s.Split != nil || s.State == StateClosed {
		return s, ok
	}
	if status, found := e.split.CachedStatus(ctx, accountID); found && status.Active() {
		s.Split = &status
		s.SplitCached = true
	}
	return s, true
}

// Forget drops local state for accountID.
func (e *Engine) Forget(ctx context.Context, accountID string) {
	e.mu.Lock()
	delete(e.sessions, accountID)
	e.mu.Unlock()
	e.items.Forget(accountID)
	e.split.Forget(ctx, accountID)
}

// ChooseMode moves an open session into one settlement path and loads the
// state that path needs.
func (e *Engine) ChooseMode(ctx context.Context, accountID string, mode Mode) (Session, error) {
	const op = "settlement.choose_mode"
	target, ok := mode.state()
	if !ok {
		return Session{}, apperr.Invalid(op, "unknown settlement mode %q", mode)
	}
	if err := e.requireState(op, accountID, "choose "+string(mode), StateChoosingMode, StateFull, StateSplit, StateItems, StateKeptOpen); err != nil {
		return Session{}, err
	}

	account, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return Session{}, err
	}

	var (
		split *domain.SplitStatus
		items *ItemView
	)
	switch mode {
	case ModeSplit:
		status, err := e.split.RefreshStatus(ctx, accountID)
		if err != nil {
			return Session{}, err
		}
		split = &status
	case ModeItems:
		view, err := e.items.Load(ctx, accountID)
		if err != nil {
			return Session{}, err
		}
		items = &view
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session(accountID)
	e.applyAccount(s, account)
	s.KeptOpen = false
	s.Split = split
	s.Items = items
	switch {
	case account.Closed:
		e.transition(s, StateClosed)
	case settled(account):
		e.transition(s, StateAwaitingClose)
	default:
		e.transition(s, target)
	}
	return *s, nil
}

// PayFull pays amountCents towards the whole account, or the full
// outstanding due when amountCents is zero.
func (e *Engine) PayFull(ctx context.Context, accountID string, amountCents int64, payerName string, method string) (Session, error) {
	const op = "settlement.pay_full"
	if !domain.IsSupportedPaymentMethod(method) {
		return Session{}, apperr.Invalid(op, "unsupported payment method %q", method)
	}
	if amountCents < 0 {
		return Session{}, apperr.Invalid(op, "amount must not be negative")
	}
	if err := e.requireState(op, accountID, "pay in full", StateFull); err != nil {
		return Session{}, err
	}
	release, err := e.guard.Acquire(accountID, op)
	if err != nil {
		return Session{}, err
	}
	defer release()

	account, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return Session{}, err
	}
	due := account.DueCents()
	if due == 0 {
		e.refreshAfter(accountID, account, nil)
		return Session{}, nothingToPay(op)
	}
	if amountCents == 0 {
		amountCents = due
	}
	if amountCents > due {
		return Session{}, apperr.Invalid(op, "amount %d exceeds outstanding balance %d", amountCents, due)
	}

	ack, err := e.ledger.RecordPayment(ctx, accountID, domain.PaymentRequest{
		AmountCents: amountCents,
		PayerName:   payerName,
		Method:      method,
	})
	e.metrics.IncPayment(string(ModeFull), err)
	if err != nil {
		return Session{}, err
	}
	return e.reconcile(ctx, accountID, &ack)
}

func (e *Engine) SetSplitPeople(ctx context.Context, accountID string, people int) (Session, error) {
	const op = "settlement.set_split_people"
	if people < 1 {
		return Session{}, apperr.Invalid(op, "people count must be a positive integer, got %d", people)
	}
	if err := e.requireState(op, accountID, "change split", StateSplit); err != nil {
		return Session{}, err
	}
	release, err := e.guard.Acquire(accountID, op)
	if err != nil {
		return Session{}, err
	}
	defer release()

	status, err := e.split.SetPeopleCount(ctx, accountID, people)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session(accountID)
	s.Split = &status
	s.RefreshedAt = e.clock.Now()
	return *s, nil
}

// PaySplitShare records one share. A zero amount pays the share price the
// ledger reports right now.
func (e *Engine) PaySplitShare(ctx context.Context, accountID string, amountCents int64, payerName string, method string) (Session, error) {
	const op = "settlement.pay_split_share"
	if !domain.IsSupportedPaymentMethod(method) {
		return Session{}, apperr.Invalid(op, "unsupported payment method %q", method)
	}
	if amountCents < 0 {
		return Session{}, apperr.Invalid(op, "amount must not be negative")
	}
	if err := e.requireState(op, accountID, "pay a share", StateSplit); err != nil {
		return Session{}, err
	}
	release, err := e.guard.Acquire(accountID, op)
	if err != nil {
		return Session{}, err
	}
	defer release()

	status, err := e.split.RefreshStatus(ctx, accountID)
	if err != nil {
		return Session{}, err
	}
	if !status.Active() {
		return Session{}, &apperr.Error{Op: op, Kind: apperr.ErrValidation, Err: ErrSplitNotSet}
	}
	if status.RemainingShares == 0 || status.SharePriceCents == 0 {
		account, err := e.ledger.GetAccount(ctx, accountID)
		if err != nil {
			return Session{}, err
		}
		if due := account.DueCents(); due > 0 && !account.Closed {
			return Session{}, &apperr.Error{
				Op:      op,
				Kind:    apperr.ErrValidation,
				Message: fmt.Sprintf("%d still due with no shares left; set the people count again", due),
				Err:     ErrSharesExhausted,
			}
		}
		return e.reconcile(ctx, accountID, nil)
	}
	if amountCents == 0 {
		amountCents = status.SharePriceCents
	}
	if amountCents != status.SharePriceCents {
		if err := e.checkLastShare(ctx, op, accountID, status, amountCents); err != nil {
			return Session{}, err
		}
	}

	result, err := e.split.RecordSharePayment(ctx, accountID, amountCents, payerName, method)
	e.metrics.IncPayment(string(ModeSplit), err)
	if err != nil {
		if result.Ack.PaymentID != "" {
			e.log.Warn("share recorded but split refresh failed",
				zap.String("account_id", accountID),
				zap.String("payment_id", result.Ack.PaymentID),
				zap.Error(err),
			)
		}
		return Session{}, err
	}

	e.mu.Lock()
	e.session(accountID).Split = &result.Status
	e.mu.Unlock()

	if result.Settled {
		e.log.Info("split reports all shares paid, confirming with ledger", zap.String("account_id", accountID))
	}
	return e.reconcile(ctx, accountID, &result.Ack)
}

// checkLastShare lets the final share pay the exact remainder when it
// differs from the rounded share price.
func (e *Engine) checkLastShare(ctx context.Context, op string, accountID string, status domain.SplitStatus, amountCents int64) error {
	if status.RemainingShares == 1 {
		account, err := e.ledger.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if amountCents == account.DueCents() {
			return nil
		}
	}
	return apperr.Invalid(op, "share amount must be %d, got %d", status.SharePriceCents, amountCents)
}

func (e *Engine) SelectUnits(accountID string, unitIDs []string) (Session, error) {
	return e.toggleUnits("settlement.select_units", accountID, unitIDs, true)
}

func (e *Engine) DeselectUnits(accountID string, unitIDs []string) (Session, error) {
	return e.toggleUnits("settlement.deselect_units", accountID, unitIDs, false)
}

func (e *Engine) toggleUnits(op string, accountID string, unitIDs []string, selected bool) (Session, error) {
	if err := e.requireState(op, accountID, "change unit selection", StateItems); err != nil {
		return Session{}, err
	}
	var view ItemView
	if selected {
		view = e.items.Select(accountID, unitIDs)
	} else {
		view = e.items.Deselect(accountID, unitIDs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session(accountID)
	s.Items = &view
	return *s, nil
}

// PayUnits pays for unitIDs, or the current selection when empty.
func (e *Engine) PayUnits(ctx context.Context, accountID string, unitIDs []string, payerName string, method string) (Session, error) {
	const op = "settlement.pay_units"
	if err := e.requireState(op, accountID, "pay units", StateItems); err != nil {
		return Session{}, err
	}
	release, err := e.guard.Acquire(accountID, op)
	if err != nil {
		return Session{}, err
	}
	defer release()

	result, err := e.items.PayUnits(ctx, accountID, unitIDs, payerName, method)
	e.metrics.IncPayment(string(ModeItems), err)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	e.session(accountID).Items = &result.View
	e.mu.Unlock()

	if result.View.AllPaid {
		e.log.Info("all units paid, confirming with ledger", zap.String("account_id", accountID))
	}
	return e.reconcile(ctx, accountID, &result.Ack)
}

// Refresh re-derives the session from the ledger. Call it after another
// terminal may have touched the account.
func (e *Engine) Refresh(ctx context.Context, accountID string) (Session, error) {
	if _, ok := e.Session(accountID); !ok {
		return e.Open(ctx, accountID)
	}
	return e.reconcile(ctx, accountID, nil)
}

// CloseAccount pays whatever the ledger still reports as due and closes the
// account. If the close fails after that payment succeeded the payment is
// kept and ErrCloseFailed is returned; calling CloseAccount again only
// retries the close because the due is re-read from the ledger. Closing an
// account that is already closed succeeds without charging.
func (e *Engine) CloseAccount(ctx context.Context, accountID string, cashBoxCode string, method string) (domain.FinalizedOrder, error) {
	const op = "settlement.close_account"
	cashBoxCode = domain.NormalizeCashBoxCode(cashBoxCode)
	if cashBoxCode == "" {
		return domain.FinalizedOrder{}, apperr.Invalid(op, "cash box code is required")
	}
	if !domain.IsSupportedPaymentMethod(method) {
		return domain.FinalizedOrder{}, apperr.Invalid(op, "unsupported payment method %q", method)
	}

	if s, ok := e.Session(accountID); ok && s.State == StateClosed && s.Finalized != nil {
		again := *s.Finalized
		again.AlreadyClosed = true
		return again, nil
	}

	release, err := e.guard.Acquire(accountID, op)
	if err != nil {
		return domain.FinalizedOrder{}, err
	}
	defer release()

	order, err := e.closeAccount(ctx, accountID, cashBoxCode, method)
	e.metrics.IncClose(err)
	return order, err
}

func (e *Engine) closeAccount(ctx context.Context, accountID string, cashBoxCode string, method string) (domain.FinalizedOrder, error) {
	account, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return domain.FinalizedOrder{}, err
	}

	var ack *domain.PaymentAck
	if due := account.DueCents(); due > 0 && !account.Closed {
		paid, err := e.ledger.RecordPayment(ctx, accountID, domain.PaymentRequest{
			AmountCents: due,
			Method:      method,
		})
		e.metrics.IncPayment("close", err)
		if err != nil {
			return domain.FinalizedOrder{}, err
		}
		ack = &paid
		e.log.Info("final payment recorded before close",
			zap.String("account_id", accountID),
			zap.String("payment_id", paid.PaymentID),
			zap.Int64("amount_cents", paid.AmountCents),
		)
	}

	order, err := e.ledger.CloseAccount(ctx, accountID, domain.CloseRequest{CashBoxCode: cashBoxCode, Method: method})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			if reconciled, ok := e.reconcileClosed(ctx, accountID, cashBoxCode, method); ok {
				return reconciled, nil
			}
		}
		if ack != nil {
			e.log.Error("account close failed after final payment",
				zap.String("account_id", accountID),
				zap.String("payment_id", ack.PaymentID),
				zap.Error(err),
			)
			if _, refreshErr := e.reconcile(ctx, accountID, ack); refreshErr != nil {
				e.log.Warn("refresh after failed close", zap.String("account_id", accountID), zap.Error(refreshErr))
			}
			return domain.FinalizedOrder{}, closeFailed(err)
		}
		return domain.FinalizedOrder{}, err
	}

	e.markClosed(ctx, accountID, order)
	return order, nil
}

// reconcileClosed handles a close conflict: if another terminal closed the
// account meanwhile the close is reported as a no-op success.
func (e *Engine) reconcileClosed(ctx context.Context, accountID string, cashBoxCode string, method string) (domain.FinalizedOrder, bool) {
	account, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil || !account.Closed {
		return domain.FinalizedOrder{}, false
	}
	order := domain.FinalizedOrder{
		AccountID:     account.ID,
		AccountName:   account.Name,
		Items:         account.Items,
		TotalCents:    account.TotalCents,
		PaidCents:     account.PaidCents,
		Method:        method,
		CashBoxCode:   cashBoxCode,
		ClosedAt:      e.clock.Now(),
		AlreadyClosed: true,
	}
	e.markClosed(ctx, accountID, order)
	return order, true
}

func (e *Engine) markClosed(ctx context.Context, accountID string, order domain.FinalizedOrder) {
	e.mu.Lock()
	s := e.session(accountID)
	s.Account.Closed = true
	s.Account.PaidCents = order.PaidCents
	s.DueCents = 0
	s.CanPay = false
	s.Finalized = &order
	s.KeptOpen = false
	e.transition(s, StateClosed)
	e.mu.Unlock()

	e.items.Forget(accountID)
	e.split.Forget(ctx, accountID)
}

// KeepOpen records an optional final payment without closing and returns
// the session to CHOOSING_MODE with a refreshed balance.
func (e *Engine) KeepOpen(ctx context.Context, accountID string, final *domain.PaymentRequest) (Session, error) {
	const op = "settlement.keep_open"
	if final != nil && final.AmountCents > 0 && !domain.IsSupportedPaymentMethod(final.Method) {
		return Session{}, apperr.Invalid(op, "unsupported payment method %q", final.Method)
	}
	if err := e.requireState(op, accountID, "keep open", StateChoosingMode, StateFull, StateSplit, StateItems, StateAwaitingClose, StateKeptOpen); err != nil {
		return Session{}, err
	}
	release, err := e.guard.Acquire(accountID, op)
	if err != nil {
		return Session{}, err
	}
	defer release()

	var ack *domain.PaymentAck
	if final != nil && final.AmountCents > 0 {
		account, err := e.ledger.GetAccount(ctx, accountID)
		if err != nil {
			return Session{}, err
		}
		if due := account.DueCents(); final.AmountCents > due {
			return Session{}, apperr.Invalid(op, "amount %d exceeds outstanding balance %d", final.AmountCents, due)
		}
		paid, err := e.ledger.RecordPayment(ctx, accountID, domain.PaymentRequest{
			AmountCents: final.AmountCents,
			PayerName:   final.PayerName,
			Method:      final.Method,
		})
		e.metrics.IncPayment("keep_open", err)
		if err != nil {
			return Session{}, err
		}
		ack = &paid
	}

	account, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session(accountID)
	e.applyAccount(s, account)
	if ack != nil {
		s.LastPayment = ack
	}
	s.Split = nil
	s.Items = nil
	if account.Closed {
		e.transition(s, StateClosed)
		return *s, nil
	}
	e.transition(s, StateKeptOpen)
	e.transition(s, StateChoosingMode)
	s.KeptOpen = true
	return *s, nil
}

// reconcile fetches the account and moves to AWAITING_CLOSE_DECISION only
// when the ledger itself reports nothing due. It may run more than once
// for the same settlement; re-entering the prompt is harmless.
func (e *Engine) reconcile(ctx context.Context, accountID string, ack *domain.PaymentAck) (Session, error) {
	account, err := e.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return Session{}, err
	}
	return e.refreshAfter(accountID, account, ack), nil
}

func (e *Engine) refreshAfter(accountID string, account domain.Account, ack *domain.PaymentAck) Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session(accountID)
	e.applyAccount(s, account)
	if ack != nil {
		s.LastPayment = ack
	}
	switch {
	case account.Closed:
		e.transition(s, StateClosed)
	case settled(account):
		e.transition(s, StateAwaitingClose)
	case s.State == StateAwaitingClose:
		// another terminal reopened or added items
		e.transition(s, StateChoosingMode)
	}
	return *s
}

func (e *Engine) requireState(op string, accountID string, action string, allowed ...State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[accountID]
	if !ok {
		return apperr.NotFound(op, "no settlement session for account %s", accountID)
	}
	if slices.Contains(allowed, s.State) {
		return nil
	}
	return invalidTransition(op, s.State, action)
}

// session must be called with e.mu held.
func (e *Engine) session(accountID string) *Session {
	s, ok := e.sessions[accountID]
	if !ok {
		s = &Session{AccountID: accountID, State: StateChoosingMode}
		e.sessions[accountID] = s
	}
	return s
}

func (e *Engine) applyAccount(s *Session, account domain.Account) {
	s.Account = account
	s.DueCents = account.DueCents()
	s.CanPay = !account.Closed && s.DueCents > 0
	s.RefreshedAt = e.clock.Now()
}

func (e *Engine) transition(s *Session, to State) {
	if s.State == to {
		return
	}
	e.log.Debug("settlement transition",
		zap.String("account_id", s.AccountID),
		zap.String("from", string(s.State)),
		zap.String("to", string(to)),
	)
	s.State = to
}

// settled reports an authoritative zero balance on an account that had
// something to pay.
func settled(account domain.Account) bool {
	return !account.Closed && account.TotalCents > 0 && account.DueCents() == 0
}
