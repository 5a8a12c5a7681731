package domain

import (
	"strings"
	"time"
)

const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodTransfer = "transfer"
	PaymentMethodQRIS     = "qris"
)

type OrderedItem struct {
	ID             string   `json:"id"`
	ProductID      string   `json:"product_id"`
	Name           string   `json:"name"`
	UnitPriceCents int64    `json:"unit_price_cents"`
	Quantity       int      `json:"quantity"`
	IngredientIDs  []string `json:"ingredient_ids,omitempty"`
}

func (i OrderedItem) LineTotalCents() int64 {
	return int64(i.Quantity) * i.UnitPriceCents
}

// Account is the ledger's view of an open tab. TotalCents and PaidCents are
// authoritative only as of the fetch that produced them.
type Account struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Items      []OrderedItem `json:"items"`
	TotalCents int64         `json:"total_cents"`
	PaidCents  int64         `json:"paid_cents"`
	Closed     bool          `json:"closed"`
}

// DueCents is the outstanding balance clamped at zero.
func (a Account) DueCents() int64 {
	due := a.TotalCents - a.PaidCents
	if due < 0 {
		return 0
	}
	return due
}

type SplitStatus struct {
	TotalShares     int   `json:"total_shares"`
	RemainingShares int   `json:"remaining_shares"`
	SharePriceCents int64 `json:"share_price_cents"`
}

func (s SplitStatus) PaidShares() int {
	paid := s.TotalShares - s.RemainingShares
	if paid < 0 {
		return 0
	}
	return paid
}

// Active reports whether the account is currently divided among payers.
func (s SplitStatus) Active() bool {
	return s.TotalShares > 0
}

type ItemPaymentLine struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	PaidQty  int    `json:"paid_qty"`
}

type UnitPaymentSnapshot struct {
	AccountID string            `json:"account_id"`
	Lines     []ItemPaymentLine `json:"lines"`
	FetchedAt time.Time         `json:"fetched_at"`
}

func (s UnitPaymentSnapshot) PaidQty(itemID string) int {
	for _, line := range s.Lines {
		if line.ItemID == itemID {
			return line.PaidQty
		}
	}
	return 0
}

// ItemUnit is one payable instance of an ordered line.
type ItemUnit struct {
	ID             string `json:"id"`
	ItemID         string `json:"item_id"`
	Index          int    `json:"index"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Paid           bool   `json:"paid"`
}

type PaymentRequest struct {
	AmountCents int64  `json:"amount_cents"`
	PayerName   string `json:"payer_name,omitempty"`
	Method      string `json:"method"`
	SplitShare  bool   `json:"split_share,omitempty"`
}

type ItemPaymentRequest struct {
	UnitIDs   []string `json:"unit_ids"`
	PayerName string   `json:"payer_name,omitempty"`
	Method    string   `json:"method"`
}

type PaymentAck struct {
	PaymentID      string    `json:"payment_id"`
	AccountID      string    `json:"account_id"`
	AmountCents    int64     `json:"amount_cents"`
	RemainingCents int64     `json:"remaining_cents"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type CloseRequest struct {
	CashBoxCode string `json:"cash_box_code"`
	Method      string `json:"method"`
}

type FinalizedOrder struct {
	OrderID       string        `json:"order_id"`
	AccountID     string        `json:"account_id"`
	AccountName   string        `json:"account_name"`
	Items         []OrderedItem `json:"items"`
	TotalCents    int64         `json:"total_cents"`
	PaidCents     int64         `json:"paid_cents"`
	Method        string        `json:"method"`
	CashBoxCode   string        `json:"cash_box_code"`
	ClosedAt      time.Time     `json:"closed_at"`
	AlreadyClosed bool          `json:"already_closed"`
}

type SaleLine struct {
	ProductID      string   `json:"product_id"`
	Name           string   `json:"name"`
	Quantity       int      `json:"quantity"`
	UnitPriceCents int64    `json:"unit_price_cents"`
	IngredientIDs  []string `json:"ingredient_ids,omitempty"`
}

// SaleData is a completed sale. TempID doubles as the ledger's idempotency key.
type SaleData struct {
	TempID        string     `json:"temp_id,omitempty"`
	PaymentMethod string     `json:"payment_method"`
	CashBoxCode   string     `json:"cash_box_code,omitempty"`
	SoldAt        time.Time  `json:"sold_at"`
	Lines         []SaleLine `json:"lines"`
}

func (s SaleData) TotalCents() int64 {
	var total int64
	for _, line := range s.Lines {
		total += int64(line.Quantity) * line.UnitPriceCents
	}
	return total
}

type SaleRecord struct {
	SaleID     string    `json:"sale_id"`
	TempID     string    `json:"temp_id"`
	TotalCents int64     `json:"total_cents"`
	CreatedAt  time.Time `json:"created_at"`
	Duplicate  bool      `json:"duplicate"`
}

type QueuedOfflineSale struct {
	TempID        string     `json:"temp_id"`
	Sale          SaleData   `json:"sale"`
	CapturedAt    time.Time  `json:"captured_at"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

type CashBox struct {
	Code               string     `json:"code"`
	Enabled            bool       `json:"enabled"`
	IsOpen             bool       `json:"is_open"`
	InitialAmountCents int64      `json:"initial_amount_cents"`
	TotalSalesCents    int64      `json:"total_sales_cents"`
	OpenedAt           *time.Time `json:"opened_at,omitempty"`
}

// NormalizeCashBoxCode is the canonical form of a cash box code; codes
// are case-insensitive.
func NormalizeCashBoxCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ExpectedClosingCents is the amount a close must declare exactly.
func (c CashBox) ExpectedClosingCents() int64 {
	return c.InitialAmountCents + c.TotalSalesCents
}

type CashBoxClosing struct {
	Code               string    `json:"code"`
	InitialAmountCents int64     `json:"initial_amount_cents"`
	TotalSalesCents    int64     `json:"total_sales_cents"`
	ClosingAmountCents int64     `json:"closing_amount_cents"`
	ClosedAt           time.Time `json:"closed_at"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
	Role        string `json:"role"`
}

type ConnectivityEvent struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodTransfer, PaymentMethodQRIS:
		return true
	default:
		return false
	}
}
