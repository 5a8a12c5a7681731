package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
	"kasirinaja/tabclient/internal/xid"
)

// Ledger is an in-process Ledger Service. It backs demo mode when no
// LEDGER_BASE_URL is configured and serves as the authoritative side in
// tests.
type Ledger struct {
	mu            sync.Mutex
	clock         clock.Clock
	secret        []byte
	tokenTTL      time.Duration
	users         map[string]user
	accounts      map[string]*account
	salesByTempID map[string]domain.SaleRecord
	saleOrder     []string
	cashBoxes     map[string]*domain.CashBox
}

type user struct {
	passwordHash string
	role         string
}

type account struct {
	domain.Account
	split     domain.SplitStatus
	paidQty   map[string]int
	payments  []domain.PaymentAck
	finalized *domain.FinalizedOrder
}

var _ ledger.Client = (*Ledger)(nil)

func New(clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Ledger{
		clock:         clk,
		secret:        []byte("memory-ledger-signing-key"),
		tokenTTL:      8 * time.Hour,
		users:         make(map[string]user),
		accounts:      make(map[string]*account),
		salesByTempID: make(map[string]domain.SaleRecord),
		cashBoxes:     make(map[string]*domain.CashBox),
	}
}

// NewSeeded returns a ledger with demo tabs, a closed cash box and two
// operators. Passwords come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD and fall back to dev defaults.
func NewSeeded(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := New(nil)

	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn("memory ledger using default dev credentials")
	}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", envOr("SEED_ADMIN_PASSWORD", "admin123"), "admin"},
		{"cashier", envOr("SEED_CASHIER_PASSWORD", "cashier123"), "cashier"},
	} {
		if err := l.AddUser(u.username, u.password, u.role); err != nil {
			log.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
	}

	l.AddAccount(domain.Account{
		ID:   "tab-1",
		Name: "Mesa 1",
		Items: []domain.OrderedItem{
			{ID: "tab-1-l1", ProductID: "CAFE-01", Name: "Cafe con leche", UnitPriceCents: 250, Quantity: 3},
			{ID: "tab-1-l2", ProductID: "TOST-01", Name: "Tostada", UnitPriceCents: 420, Quantity: 2, IngredientIDs: []string{"tomate", "aceite"}},
		},
	})
	l.AddAccount(domain.Account{
		ID:   "tab-2",
		Name: "Barra",
		Items: []domain.OrderedItem{
			{ID: "tab-2-l1", ProductID: "CERV-01", Name: "Cerveza", UnitPriceCents: 1000, Quantity: 10},
		},
	})
	l.AddCashBox("CAJA-1")
	return l
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (l *Ledger) AddUser(username string, password string, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.users[strings.ToLower(username)] = user{passwordHash: string(hash), role: role}
	l.mu.Unlock()
	return nil
}

// AddAccount opens a tab. TotalCents is derived from the items.
func (l *Ledger) AddAccount(acc domain.Account) {
	var total int64
	for _, item := range acc.Items {
		total += item.LineTotalCents()
	}
	acc.Items = slices.Clone(acc.Items)
	acc.TotalCents = total
	acc.PaidCents = 0
	acc.Closed = false

	l.mu.Lock()
	l.accounts[acc.ID] = &account{Account: acc, paidQty: make(map[string]int)}
	l.mu.Unlock()
}

func (l *Ledger) AddCashBox(code string) {
	l.mu.Lock()
	l.cashBoxes[code] = &domain.CashBox{Code: code, Enabled: true}
	l.mu.Unlock()
}

// Sales lists persisted sales in arrival order.
func (l *Ledger) Sales() []domain.SaleRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.SaleRecord, 0, len(l.saleOrder))
	for _, tempID := range l.saleOrder {
		out = append(out, l.salesByTempID[tempID])
	}
	return out
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func (l *Ledger) Login(_ context.Context, username string, password string) (domain.LoginResponse, error) {
	const op = "ledger.login"
	username = strings.ToLower(strings.TrimSpace(username))

	l.mu.Lock()
	u, ok := l.users[username]
	l.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)) != nil {
		return domain.LoginResponse{}, apperr.AuthExpired(op, "invalid credentials")
	}

	now := l.clock.Now()
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(l.tokenTTL)),
			Issuer:    "memory-ledger",
		},
		Role: u.role,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{AccessToken: token, Username: username, Role: u.role}, nil
}

func (l *Ledger) GetAccount(_ context.Context, accountID string) (domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[accountID]
	if !ok {
		return domain.Account{}, apperr.NotFound("ledger.get_account", "account %s", accountID)
	}
	return copyAccount(acc.Account), nil
}

func (l *Ledger) RecordPayment(_ context.Context, accountID string, req domain.PaymentRequest) (domain.PaymentAck, error) {
	const op = "ledger.record_payment"
	if req.AmountCents <= 0 {
		return domain.PaymentAck{}, apperr.Invalid(op, "amount must be positive")
	}
	if !domain.IsSupportedPaymentMethod(req.Method) {
		return domain.PaymentAck{}, apperr.Invalid(op, "unsupported payment method %q", req.Method)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.openAccount(op, accountID)
	if err != nil {
		return domain.PaymentAck{}, err
	}
	due := acc.DueCents()
	if req.AmountCents > due {
		return domain.PaymentAck{}, apperr.Invalid(op, "amount %d exceeds outstanding balance %d", req.AmountCents, due)
	}
	if req.SplitShare {
		if err := acc.checkShare(op, req.AmountCents); err != nil {
			return domain.PaymentAck{}, err
		}
	}

	acc.PaidCents += req.AmountCents
	if req.SplitShare {
		acc.split.RemainingShares--
	}
	acc.recomputeShare()

	return l.ack(acc, req.AmountCents), nil
}

func (l *Ledger) RecordItemPayment(_ context.Context, accountID string, req domain.ItemPaymentRequest) (domain.PaymentAck, error) {
	const op = "ledger.record_item_payment"
	if len(req.UnitIDs) == 0 {
		return domain.PaymentAck{}, apperr.Invalid(op, "no units selected")
	}
	if !domain.IsSupportedPaymentMethod(req.Method) {
		return domain.PaymentAck{}, apperr.Invalid(op, "unsupported payment method %q", req.Method)
	}
	order, counts, err := ledger.CountUnitsByItem(req.UnitIDs)
	if err != nil {
		return domain.PaymentAck{}, apperr.Invalid(op, "%v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.openAccount(op, accountID)
	if err != nil {
		return domain.PaymentAck{}, err
	}

	var amount int64
	for _, itemID := range order {
		item, ok := acc.item(itemID)
		if !ok {
			return domain.PaymentAck{}, apperr.Invalid(op, "unknown item %s", itemID)
		}
		if acc.paidQty[itemID]+counts[itemID] > item.Quantity {
			return domain.PaymentAck{}, apperr.Conflict(op, "item %s has only %d unpaid units", itemID, item.Quantity-acc.paidQty[itemID])
		}
		amount += int64(counts[itemID]) * item.UnitPriceCents
	}
	if due := acc.DueCents(); amount > due {
		return domain.PaymentAck{}, apperr.Invalid(op, "amount %d exceeds outstanding balance %d", amount, due)
	}

	for _, itemID := range order {
		acc.paidQty[itemID] += counts[itemID]
	}
	acc.PaidCents += amount
	acc.recomputeShare()

	return l.ack(acc, amount), nil
}

func (l *Ledger) GetSplitStatus(_ context.Context, accountID string) (domain.SplitStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[accountID]
	if !ok {
		return domain.SplitStatus{}, apperr.NotFound("ledger.get_split_status", "account %s", accountID)
	}
	return acc.split, nil
}

// SetSplitPeople starts a new division cycle over the current outstanding
// balance. Shares already collected stay collected and are not re-counted.
func (l *Ledger) SetSplitPeople(_ context.Context, accountID string, people int) error {
	const op = "ledger.set_split_people"
	if people < 1 {
		return apperr.Invalid(op, "people must be at least 1")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.openAccount(op, accountID)
	if err != nil {
		return err
	}
	acc.split.TotalShares = people
	acc.split.RemainingShares = people
	acc.recomputeShare()
	return nil
}

func (l *Ledger) GetUnitPaymentSnapshot(_ context.Context, accountID string) (domain.UnitPaymentSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[accountID]
	if !ok {
		return domain.UnitPaymentSnapshot{}, apperr.NotFound("ledger.get_unit_payment_snapshot", "account %s", accountID)
	}
	snapshot := domain.UnitPaymentSnapshot{
		AccountID: accountID,
		Lines:     make([]domain.ItemPaymentLine, 0, len(acc.Items)),
		FetchedAt: l.clock.Now(),
	}
	for _, item := range acc.Items {
		snapshot.Lines = append(snapshot.Lines, domain.ItemPaymentLine{
			ItemID:   item.ID,
			Quantity: item.Quantity,
			PaidQty:  acc.paidQty[item.ID],
		})
	}
	return snapshot, nil
}

// CloseAccount archives a settled tab. Closing twice returns the original
// finalized order flagged AlreadyClosed.
func (l *Ledger) CloseAccount(_ context.Context, accountID string, req domain.CloseRequest) (domain.FinalizedOrder, error) {
	const op = "ledger.close_account"

	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[accountID]
	if !ok {
		return domain.FinalizedOrder{}, apperr.NotFound(op, "account %s", accountID)
	}
	if acc.finalized != nil {
		again := *acc.finalized
		again.AlreadyClosed = true
		return again, nil
	}
	if strings.TrimSpace(req.CashBoxCode) == "" {
		return domain.FinalizedOrder{}, apperr.Invalid(op, "cash box code is required")
	}
	if due := acc.DueCents(); due > 0 {
		return domain.FinalizedOrder{}, apperr.Conflict(op, "account %s still owes %d", accountID, due)
	}
	box, err := l.openCashBox(op, req.CashBoxCode)
	if err != nil {
		return domain.FinalizedOrder{}, err
	}

	box.TotalSalesCents += acc.PaidCents
	acc.Closed = true
	acc.split = domain.SplitStatus{}
	acc.finalized = &domain.FinalizedOrder{
		OrderID:     xid.New("order"),
		AccountID:   acc.ID,
		AccountName: acc.Name,
		Items:       slices.Clone(acc.Items),
		TotalCents:  acc.TotalCents,
		PaidCents:   acc.PaidCents,
		Method:      req.Method,
		CashBoxCode: req.CashBoxCode,
		ClosedAt:    l.clock.Now(),
	}
	return *acc.finalized, nil
}

// CreateSale persists a completed sale once per TempID.
func (l *Ledger) CreateSale(_ context.Context, sale domain.SaleData) (domain.SaleRecord, error) {
	const op = "ledger.create_sale"
	if strings.TrimSpace(sale.TempID) == "" {
		return domain.SaleRecord{}, apperr.Invalid(op, "temp_id is required")
	}
	if len(sale.Lines) == 0 {
		return domain.SaleRecord{}, apperr.Invalid(op, "sale has no lines")
	}
	if !domain.IsSupportedPaymentMethod(sale.PaymentMethod) {
		return domain.SaleRecord{}, apperr.Invalid(op, "unsupported payment method %q", sale.PaymentMethod)
	}
	for _, line := range sale.Lines {
		if line.Quantity < 1 || line.UnitPriceCents < 0 {
			return domain.SaleRecord{}, apperr.Invalid(op, "invalid line for product %s", line.ProductID)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.salesByTempID[sale.TempID]; ok {
		existing.Duplicate = true
		return existing, nil
	}

	total := sale.TotalCents()
	if sale.CashBoxCode != "" {
		box, err := l.openCashBox(op, sale.CashBoxCode)
		if err != nil {
			return domain.SaleRecord{}, err
		}
		box.TotalSalesCents += total
	}

	record := domain.SaleRecord{
		SaleID:     xid.New("sale"),
		TempID:     sale.TempID,
		TotalCents: total,
		CreatedAt:  l.clock.Now(),
	}
	l.salesByTempID[sale.TempID] = record
	l.saleOrder = append(l.saleOrder, sale.TempID)
	return record, nil
}

func (l *Ledger) CashBoxStatus(_ context.Context, code string) (domain.CashBox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	box, ok := l.cashBoxes[code]
	if !ok {
		return domain.CashBox{}, apperr.NotFound("ledger.cash_box_status", "cash box %s", code)
	}
	return *box, nil
}

func (l *Ledger) OpenCashBox(_ context.Context, code string, initialAmountCents int64) (domain.CashBox, error) {
	const op = "ledger.open_cash_box"
	if initialAmountCents <= 0 {
		return domain.CashBox{}, apperr.Invalid(op, "initial amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	box, ok := l.cashBoxes[code]
	if !ok {
		return domain.CashBox{}, apperr.NotFound(op, "cash box %s", code)
	}
	if !box.Enabled {
		return domain.CashBox{}, apperr.Conflict(op, "cash box %s is disabled", code)
	}
	if box.IsOpen {
		return domain.CashBox{}, apperr.Conflict(op, "cash box %s is already open", code)
	}
	openedAt := l.clock.Now()
	box.IsOpen = true
	box.InitialAmountCents = initialAmountCents
	box.TotalSalesCents = 0
	box.OpenedAt = &openedAt
	return *box, nil
}

func (l *Ledger) CloseCashBox(_ context.Context, code string, closingAmountCents int64) (domain.CashBoxClosing, error) {
	const op = "ledger.close_cash_box"

	l.mu.Lock()
	defer l.mu.Unlock()

	box, err := l.openCashBox(op, code)
	if err != nil {
		return domain.CashBoxClosing{}, err
	}
	if expected := box.ExpectedClosingCents(); closingAmountCents != expected {
		return domain.CashBoxClosing{}, apperr.Invalid(op, "closing amount %d does not match expected %d", closingAmountCents, expected)
	}
	box.IsOpen = false
	box.OpenedAt = nil
	return domain.CashBoxClosing{
		Code:               code,
		InitialAmountCents: box.InitialAmountCents,
		TotalSalesCents:    box.TotalSalesCents,
		ClosingAmountCents: closingAmountCents,
		ClosedAt:           l.clock.Now(),
	}, nil
}

func (l *Ledger) DisableCashBox(_ context.Context, code string) (domain.CashBox, error) {
	const op = "ledger.disable_cash_box"

	l.mu.Lock()
	defer l.mu.Unlock()

	box, ok := l.cashBoxes[code]
	if !ok {
		return domain.CashBox{}, apperr.NotFound(op, "cash box %s", code)
	}
	if box.IsOpen {
		return domain.CashBox{}, apperr.Conflict(op, "cash box %s must be closed before disabling", code)
	}
	box.Enabled = false
	return *box, nil
}

func (l *Ledger) openAccount(op string, accountID string) (*account, error) {
	acc, ok := l.accounts[accountID]
	if !ok {
		return nil, apperr.NotFound(op, "account %s", accountID)
	}
	if acc.Closed {
		return nil, apperr.Conflict(op, "account %s is already closed", accountID)
	}
	return acc, nil
}

func (l *Ledger) openCashBox(op string, code string) (*domain.CashBox, error) {
	box, ok := l.cashBoxes[code]
	if !ok {
		return nil, apperr.NotFound(op, "cash box %s", code)
	}
	if !box.Enabled || !box.IsOpen {
		return nil, apperr.Conflict(op, "cash box %s is not open", code)
	}
	return box, nil
}

func (l *Ledger) ack(acc *account, amount int64) domain.PaymentAck {
	ack := domain.PaymentAck{
		PaymentID:      xid.New("pay"),
		AccountID:      acc.ID,
		AmountCents:    amount,
		RemainingCents: acc.DueCents(),
		RecordedAt:     l.clock.Now(),
	}
	acc.payments = append(acc.payments, ack)
	return ack
}

func (a *account) item(itemID string) (domain.OrderedItem, bool) {
	for _, item := range a.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return domain.OrderedItem{}, false
}

// checkShare accepts exactly the current share price, or the exact
// remainder when one share is left.
func (a *account) checkShare(op string, amountCents int64) error {
	if a.split.RemainingShares <= 0 {
		return apperr.Invalid(op, "no split shares remain; set the people count again")
	}
	if amountCents == a.split.SharePriceCents {
		return nil
	}
	if a.split.RemainingShares == 1 && amountCents == a.DueCents() {
		return nil
	}
	return apperr.Invalid(op, "share amount must be %d, got %d", a.split.SharePriceCents, amountCents)
}

// recomputeShare divides the outstanding balance over the shares still
// owed, rounding half away from zero to the cent. The last share always
// equals the exact remainder.
func (a *account) recomputeShare() {
	due := a.DueCents()
	if due == 0 {
		a.split.RemainingShares = 0
	}
	if a.split.RemainingShares <= 0 {
		a.split.SharePriceCents = 0
		return
	}
	a.split.SharePriceCents = decimal.NewFromInt(due).
		Div(decimal.NewFromInt(int64(a.split.RemainingShares))).
		Round(0).
		IntPart()
}

func copyAccount(acc domain.Account) domain.Account {
	acc.Items = slices.Clone(acc.Items)
	return acc
}
