package httpledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/tabclient/internal/domain"
)

// The Ledger Service speaks decimal currency units; the engine works in
// cents. Conversion happens only in this file.

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginWire struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
	Role        string `json:"role"`
}

type itemWire struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Ingredients []string        `json:"ingredients,omitempty"`
}

func (w itemWire) toDomain() domain.OrderedItem {
	return domain.OrderedItem{
		ID:             w.ID,
		ProductID:      w.ProductID,
		Name:           w.Name,
		UnitPriceCents: toCents(w.Price),
		Quantity:       w.Quantity,
		IngredientIDs:  w.Ingredients,
	}
}

func itemsToDomain(in []itemWire) []domain.OrderedItem {
	out := make([]domain.OrderedItem, 0, len(in))
	for _, item := range in {
		out = append(out, item.toDomain())
	}
	return out
}

type accountWire struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Closed bool            `json:"closed"`
	Total  decimal.Decimal `json:"total"`
	Paid   decimal.Decimal `json:"paid"`
	Items  []itemWire      `json:"items"`
}

func (w accountWire) toDomain() domain.Account {
	return domain.Account{
		ID:         w.ID,
		Name:       w.Name,
		Items:      itemsToDomain(w.Items),
		TotalCents: toCents(w.Total),
		PaidCents:  toCents(w.Paid),
		Closed:     w.Closed,
	}
}

type paymentBody struct {
	Amount     decimal.Decimal `json:"amount"`
	PayerName  string          `json:"payer_name,omitempty"`
	Method     string          `json:"method"`
	SplitShare bool            `json:"split_share,omitempty"`
}

type itemCountWire struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type itemPaymentBody struct {
	UnitIDs   []string        `json:"unit_ids"`
	Items     []itemCountWire `json:"items"`
	PayerName string          `json:"payer_name,omitempty"`
	Method    string          `json:"method"`
}

type paymentAckWire struct {
	PaymentID  string          `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Remaining  decimal.Decimal `json:"remaining"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func (w paymentAckWire) toDomain(accountID string) domain.PaymentAck {
	return domain.PaymentAck{
		PaymentID:      w.PaymentID,
		AccountID:      accountID,
		AmountCents:    toCents(w.Amount),
		RemainingCents: toCents(w.Remaining),
		RecordedAt:     w.RecordedAt,
	}
}

type splitWire struct {
	Total     int             `json:"total"`
	Remaining int             `json:"remaining"`
	Share     decimal.Decimal `json:"share"`
}

type splitPeopleBody struct {
	People int `json:"people"`
}

type unitSnapshotWire struct {
	Items        []itemCountWire `json:"items"`
	ItemPayments json.RawMessage `json:"itemPayments"`
}

// paidQtyWire accepts both spellings seen from the ledger.
type paidQtyWire struct {
	ItemID     string `json:"itemId"`
	ItemIDAlt  string `json:"item_id"`
	PaidQty    int    `json:"paidQty"`
	PaidQtyAlt int    `json:"paid_qty"`
}

// normalizeItemPayments folds the two shapes the ledger returns for
// itemPayments into per-item paid counts: a list of item ids where each
// occurrence is one paid unit, or a list of {itemId, paidQty} objects.
func normalizeItemPayments(raw json.RawMessage) (map[string]int, error) {
	paid := make(map[string]int)
	if len(raw) == 0 || string(raw) == "null" {
		return paid, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("itemPayments is not a list: %w", err)
	}
	for _, elem := range elems {
		var id string
		if err := json.Unmarshal(elem, &id); err == nil {
			paid[id]++
			continue
		}
		var entry paidQtyWire
		if err := json.Unmarshal(elem, &entry); err != nil {
			return nil, fmt.Errorf("unrecognized itemPayments entry %s", string(elem))
		}
		itemID := entry.ItemID
		if itemID == "" {
			itemID = entry.ItemIDAlt
		}
		qty := entry.PaidQty
		if qty == 0 {
			qty = entry.PaidQtyAlt
		}
		if itemID == "" {
			return nil, fmt.Errorf("itemPayments entry without item id: %s", string(elem))
		}
		paid[itemID] += qty
	}
	return paid, nil
}

type closeBody struct {
	CashBoxCode string `json:"cash_box_code"`
	Method      string `json:"method"`
}

type finalizedWire struct {
	OrderID       string          `json:"order_id"`
	AccountID     string          `json:"account_id"`
	AccountName   string          `json:"account_name"`
	Items         []itemWire      `json:"items"`
	Total         decimal.Decimal `json:"total"`
	Paid          decimal.Decimal `json:"paid"`
	Method        string          `json:"method"`
	CashBoxCode   string          `json:"cash_box_code"`
	ClosedAt      time.Time       `json:"closed_at"`
	AlreadyClosed bool            `json:"already_closed"`
}

func (w finalizedWire) toDomain() domain.FinalizedOrder {
	return domain.FinalizedOrder{
		OrderID:       w.OrderID,
		AccountID:     w.AccountID,
		AccountName:   w.AccountName,
		Items:         itemsToDomain(w.Items),
		TotalCents:    toCents(w.Total),
		PaidCents:     toCents(w.Paid),
		Method:        w.Method,
		CashBoxCode:   w.CashBoxCode,
		ClosedAt:      w.ClosedAt,
		AlreadyClosed: w.AlreadyClosed,
	}
}

type saleLineWire struct {
	ProductID   string          `json:"product_id"`
	Name        string          `json:"name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Ingredients []string        `json:"ingredients,omitempty"`
}

type saleBody struct {
	TempID        string         `json:"temp_id"`
	PaymentMethod string         `json:"payment_method"`
	CashBoxCode   string         `json:"cash_box_code,omitempty"`
	SoldAt        time.Time      `json:"sold_at"`
	Lines         []saleLineWire `json:"lines"`
}

func newSaleBody(sale domain.SaleData) saleBody {
	body := saleBody{
		TempID:        sale.TempID,
		PaymentMethod: sale.PaymentMethod,
		CashBoxCode:   sale.CashBoxCode,
		SoldAt:        sale.SoldAt,
		Lines:         make([]saleLineWire, 0, len(sale.Lines)),
	}
	for _, line := range sale.Lines {
		body.Lines = append(body.Lines, saleLineWire{
			ProductID:   line.ProductID,
			Name:        line.Name,
			Quantity:    line.Quantity,
			Price:       fromCents(line.UnitPriceCents),
			Ingredients: line.IngredientIDs,
		})
	}
	return body
}

type saleRecordWire struct {
	SaleID    string          `json:"sale_id"`
	TempID    string          `json:"temp_id"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
	Duplicate bool            `json:"duplicate"`
}

type cashBoxWire struct {
	Code          string          `json:"code"`
	Enabled       bool            `json:"enabled"`
	IsOpen        bool            `json:"is_open"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	OpenedAt      *time.Time      `json:"opened_at,omitempty"`
}

func (w cashBoxWire) toDomain() domain.CashBox {
	return domain.CashBox{
		Code:               w.Code,
		Enabled:            w.Enabled,
		IsOpen:             w.IsOpen,
		InitialAmountCents: toCents(w.InitialAmount),
		TotalSalesCents:    toCents(w.TotalSales),
		OpenedAt:           w.OpenedAt,
	}
}

type openCashBoxBody struct {
	InitialAmount decimal.Decimal `json:"initial_amount"`
}

type closeCashBoxBody struct {
	ClosingAmount decimal.Decimal `json:"closing_amount"`
}

type cashBoxClosingWire struct {
	Code          string          `json:"code"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	TotalSales    decimal.Decimal `json:"total_sales"`
	ClosingAmount decimal.Decimal `json:"closing_amount"`
	ClosedAt      time.Time       `json:"closed_at"`
}
