package settlement

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
)

// ExpandUnits turns each line of quantity N into N payable units. The
// ledger only reports a paid count per line, so the first PaidQty units of
// a line in insertion order are the paid ones.
func ExpandUnits(items []domain.OrderedItem, snapshot domain.UnitPaymentSnapshot) []domain.ItemUnit {
	units := make([]domain.ItemUnit, 0, len(items))
	for _, item := range items {
		paid := min(max(snapshot.PaidQty(item.ID), 0), item.Quantity)
		for i := 0; i < item.Quantity; i++ {
			units = append(units, domain.ItemUnit{
				ID:             ledger.UnitID(item.ID, i),
				ItemID:         item.ID,
				Index:          i,
				Name:           item.Name,
				UnitPriceCents: item.UnitPriceCents,
				Paid:           i < paid,
			})
		}
	}
	return units
}

// ItemView is the per-unit state of one account as of the last fetch.
type ItemView struct {
	AccountID          string            `json:"account_id"`
	Units              []domain.ItemUnit `json:"units"`
	Selected           []string          `json:"selected"`
	SelectedTotalCents int64             `json:"selected_total_cents"`
	AllPaid            bool              `json:"all_paid"`
}

type ItemPayment struct {
	Ack  domain.PaymentAck `json:"ack"`
	View ItemView          `json:"view"`
}

// ItemTracker holds per-account unit selections for "pay only these
// products" flows.
type ItemTracker struct {
	ledger ledger.Client
	log    *zap.Logger

	mu       sync.Mutex
	accounts map[string]*itemState
}

type itemState struct {
	units    []domain.ItemUnit
	selected []string
}

func NewItemTracker(client ledger.Client, log *zap.Logger) *ItemTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &ItemTracker{
		ledger:   client,
		log:      log,
		accounts: make(map[string]*itemState),
	}
}

// Load fetches the account and its unit payment snapshot and rebuilds the
// unit list. Selections that became paid are dropped.
func (t *ItemTracker) Load(ctx context.Context, accountID string) (ItemView, error) {
	account, err := t.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return ItemView{}, err
	}
	snapshot, err := t.ledger.GetUnitPaymentSnapshot(ctx, accountID)
	if err != nil {
		return ItemView{}, err
	}
	units := ExpandUnits(account.Items, snapshot)

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state(accountID)
	state.units = units
	state.selected = slices.DeleteFunc(state.selected, func(id string) bool {
		unit, ok := findUnit(units, id)
		return !ok || unit.Paid
	})
	return state.view(accountID), nil
}

// Select adds unpaid units to the pending selection. Paid and unknown ids
// are ignored.
func (t *ItemTracker) Select(accountID string, unitIDs []string) ItemView {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state(accountID)
	for _, id := range unitIDs {
		unit, ok := findUnit(state.units, id)
		if !ok || unit.Paid || slices.Contains(state.selected, id) {
			continue
		}
		state.selected = append(state.selected, id)
	}
	return state.view(accountID)
}

func (t *ItemTracker) Deselect(accountID string, unitIDs []string) ItemView {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state(accountID)
	state.selected = slices.DeleteFunc(state.selected, func(id string) bool {
		return slices.Contains(unitIDs, id)
	})
	return state.view(accountID)
}

func (t *ItemTracker) View(accountID string) ItemView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(accountID).view(accountID)
}

// PayUnits submits an item payment for unitIDs, or for the current
// selection when unitIDs is empty. On failure the selection is left as is
// so the operator can retry.
func (t *ItemTracker) PayUnits(ctx context.Context, accountID string, unitIDs []string, payerName string, method string) (ItemPayment, error) {
	const op = "items.pay_units"
	if !domain.IsSupportedPaymentMethod(method) {
		return ItemPayment{}, apperr.Invalid(op, "unsupported payment method %q", method)
	}

	t.mu.Lock()
	state := t.state(accountID)
	if len(unitIDs) == 0 {
		unitIDs = state.selected
	}
	payable := make([]string, 0, len(unitIDs))
	for _, id := range unitIDs {
		unit, ok := findUnit(state.units, id)
		if ok && !unit.Paid && !slices.Contains(payable, id) {
			payable = append(payable, id)
		}
	}
	t.mu.Unlock()

	if len(payable) == 0 {
		return ItemPayment{}, &apperr.Error{Op: op, Kind: apperr.ErrValidation, Err: ErrNoSelection}
	}

	ack, err := t.ledger.RecordItemPayment(ctx, accountID, domain.ItemPaymentRequest{
		UnitIDs:   payable,
		PayerName: payerName,
		Method:    method,
	})
	if err != nil {
		return ItemPayment{}, err
	}

	t.mu.Lock()
	t.state(accountID).selected = nil
	t.mu.Unlock()

	view, err := t.Load(ctx, accountID)
	if err != nil {
		return ItemPayment{Ack: ack}, err
	}
	return ItemPayment{Ack: ack, View: view}, nil
}

func (t *ItemTracker) Forget(accountID string) {
	t.mu.Lock()
	delete(t.accounts, accountID)
	t.mu.Unlock()
}

func (t *ItemTracker) state(accountID string) *itemState {
	state, ok := t.accounts[accountID]
	if !ok {
		state = &itemState{}
		t.accounts[accountID] = state
	}
	return state
}

func (s *itemState) view(accountID string) ItemView {
	view := ItemView{
		AccountID: accountID,
		Units:     slices.Clone(s.units),
		Selected:  slices.Clone(s.selected),
		AllPaid:   len(s.units) > 0,
	}
	for _, unit := range s.units {
		if !unit.Paid {
			view.AllPaid = false
		}
		if slices.Contains(s.selected, unit.ID) {
			view.SelectedTotalCents += unit.UnitPriceCents
		}
	}
	if view.Selected == nil {
		view.Selected = []string{}
	}
	return view
}

func findUnit(units []domain.ItemUnit, id string) (domain.ItemUnit, bool) {
	for _, unit := range units {
		if unit.ID == id {
			return unit, true
		}
	}
	return domain.ItemUnit{}, false
}
