package httpledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kasirinaja/tabclient/internal/apperr"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/ledger"
	"kasirinaja/tabclient/internal/observability/metrics"
)

// TokenSource yields the bearer token for the current operator session.
// An empty token means no session is active.
type TokenSource interface {
	Token() (string, error)
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	DeviceID   string
	Tokens     TokenSource
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Clock      clock.Clock
}

// Client talks to the remote Ledger Service over its REST API.
type Client struct {
	baseURL  string
	deviceID string
	tokens   TokenSource
	http     *http.Client
	metrics  *metrics.Metrics
	log      *zap.Logger
	clock    clock.Clock
}

var _ ledger.Client = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("httpledger: base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("httpledger: invalid base url: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Client{
		baseURL:  base,
		deviceID: opts.DeviceID,
		tokens:   opts.Tokens,
		http:     httpClient,
		metrics:  opts.Metrics,
		log:      log.With(zap.String("component", "httpledger")),
		clock:    clk,
	}, nil
}

func (c *Client) Login(ctx context.Context, username string, password string) (domain.LoginResponse, error) {
	var out loginWire
	err := c.do(ctx, call{
		op:     "ledger.login",
		method: http.MethodPost,
		path:   "/auth/login",
		body:   loginBody{Username: username, Password: password},
		anon:   true,
	}, &out)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{AccessToken: out.AccessToken, Username: out.Username, Role: out.Role}, nil
}

func (c *Client) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	var out accountWire
	err := c.do(ctx, call{
		op:     "ledger.get_account",
		method: http.MethodGet,
		path:   "/accounts/" + url.PathEscape(accountID),
	}, &out)
	if err != nil {
		return domain.Account{}, err
	}
	acc := out.toDomain()
	if acc.ID == "" {
		acc.ID = accountID
	}
	return acc, nil
}

func (c *Client) RecordPayment(ctx context.Context, accountID string, req domain.PaymentRequest) (domain.PaymentAck, error) {
	var out paymentAckWire
	err := c.do(ctx, call{
		op:     "ledger.record_payment",
		method: http.MethodPost,
		path:   "/accounts/" + url.PathEscape(accountID) + "/payments",
		body: paymentBody{
			Amount:     fromCents(req.AmountCents),
			PayerName:  req.PayerName,
			Method:     req.Method,
			SplitShare: req.SplitShare,
		},
	}, &out)
	if err != nil {
		return domain.PaymentAck{}, err
	}
	return out.toDomain(accountID), nil
}

// RecordItemPayment sends the unit ids alongside per-item counts; older
// ledger builds only read the counts.
func (c *Client) RecordItemPayment(ctx context.Context, accountID string, req domain.ItemPaymentRequest) (domain.PaymentAck, error) {
	const op = "ledger.record_item_payment"
	order, counts, err := ledger.CountUnitsByItem(req.UnitIDs)
	if err != nil {
		return domain.PaymentAck{}, apperr.Invalid(op, "%v", err)
	}
	items := make([]itemCountWire, 0, len(order))
	for _, itemID := range order {
		items = append(items, itemCountWire{ItemID: itemID, Quantity: counts[itemID]})
	}

	var out paymentAckWire
	err = c.do(ctx, call{
		op:     op,
		method: http.MethodPost,
		path:   "/accounts/" + url.PathEscape(accountID) + "/item-payments",
		body: itemPaymentBody{
			UnitIDs:   req.UnitIDs,
			Items:     items,
			PayerName: req.PayerName,
			Method:    req.Method,
		},
	}, &out)
	if err != nil {
		return domain.PaymentAck{}, err
	}
	return out.toDomain(accountID), nil
}

func (c *Client) GetSplitStatus(ctx context.Context, accountID string) (domain.SplitStatus, error) {
	var out splitWire
	err := c.do(ctx, call{
		op:     "ledger.get_split_status",
		method: http.MethodGet,
		path:   "/accounts/" + url.PathEscape(accountID) + "/split",
	}, &out)
	if err != nil {
		return domain.SplitStatus{}, err
	}
	return domain.SplitStatus{
		TotalShares:     out.Total,
		RemainingShares: out.Remaining,
		SharePriceCents: toCents(out.Share),
	}, nil
}

func (c *Client) SetSplitPeople(ctx context.Context, accountID string, people int) error {
	return c.do(ctx, call{
		op:     "ledger.set_split_people",
		method: http.MethodPut,
		path:   "/accounts/" + url.PathEscape(accountID) + "/split",
		body:   splitPeopleBody{People: people},
	}, nil)
}

func (c *Client) GetUnitPaymentSnapshot(ctx context.Context, accountID string) (domain.UnitPaymentSnapshot, error) {
	const op = "ledger.get_unit_payment_snapshot"
	var out unitSnapshotWire
	err := c.do(ctx, call{
		op:     op,
		method: http.MethodGet,
		path:   "/accounts/" + url.PathEscape(accountID) + "/item-payments",
	}, &out)
	if err != nil {
		return domain.UnitPaymentSnapshot{}, err
	}

	paid, err := normalizeItemPayments(out.ItemPayments)
	if err != nil {
		return domain.UnitPaymentSnapshot{}, &apperr.Error{Op: op, Kind: apperr.ErrTransient, Message: "malformed ledger response", Err: err}
	}
	snapshot := domain.UnitPaymentSnapshot{
		AccountID: accountID,
		Lines:     make([]domain.ItemPaymentLine, 0, len(out.Items)),
		FetchedAt: c.clock.Now(),
	}
	for _, item := range out.Items {
		snapshot.Lines = append(snapshot.Lines, domain.ItemPaymentLine{
			ItemID:   item.ItemID,
			Quantity: item.Quantity,
			PaidQty:  min(paid[item.ItemID], item.Quantity),
		})
		delete(paid, item.ItemID)
	}
	// a paid count with no line would let paid units be selected again
	for _, itemID := range slices.Sorted(maps.Keys(paid)) {
		if paid[itemID] > 0 {
			return domain.UnitPaymentSnapshot{}, &apperr.Error{
				Op:      op,
				Kind:    apperr.ErrTransient,
				Message: fmt.Sprintf("malformed ledger response: itemPayments names item %q missing from items", itemID),
			}
		}
	}
	return snapshot, nil
}

func (c *Client) CloseAccount(ctx context.Context, accountID string, req domain.CloseRequest) (domain.FinalizedOrder, error) {
	var out finalizedWire
	err := c.do(ctx, call{
		op:     "ledger.close_account",
		method: http.MethodPost,
		path:   "/accounts/" + url.PathEscape(accountID) + "/close",
		body:   closeBody{CashBoxCode: req.CashBoxCode, Method: req.Method},
	}, &out)
	if err != nil {
		return domain.FinalizedOrder{}, err
	}
	order := out.toDomain()
	if order.AccountID == "" {
		order.AccountID = accountID
	}
	return order, nil
}

// CreateSale submits a sale with its TempID as the idempotency key so a
// resubmission after a lost response is recognized by the ledger.
func (c *Client) CreateSale(ctx context.Context, sale domain.SaleData) (domain.SaleRecord, error) {
	var out saleRecordWire
	err := c.do(ctx, call{
		op:             "ledger.create_sale",
		method:         http.MethodPost,
		path:           "/sales",
		body:           newSaleBody(sale),
		idempotencyKey: sale.TempID,
	}, &out)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	record := domain.SaleRecord{
		SaleID:     out.SaleID,
		TempID:     out.TempID,
		TotalCents: toCents(out.Total),
		CreatedAt:  out.CreatedAt,
		Duplicate:  out.Duplicate,
	}
	if record.TempID == "" {
		record.TempID = sale.TempID
	}
	return record, nil
}

func (c *Client) CashBoxStatus(ctx context.Context, code string) (domain.CashBox, error) {
	var out cashBoxWire
	err := c.do(ctx, call{
		op:     "ledger.cash_box_status",
		method: http.MethodGet,
		path:   "/cash-boxes/" + url.PathEscape(code),
	}, &out)
	if err != nil {
		return domain.CashBox{}, err
	}
	return out.toDomain(), nil
}

func (c *Client) OpenCashBox(ctx context.Context, code string, initialAmountCents int64) (domain.CashBox, error) {
	var out cashBoxWire
	err := c.do(ctx, call{
		op:     "ledger.open_cash_box",
		method: http.MethodPost,
		path:   "/cash-boxes/" + url.PathEscape(code) + "/open",
		body:   openCashBoxBody{InitialAmount: fromCents(initialAmountCents)},
	}, &out)
	if err != nil {
		return domain.CashBox{}, err
	}
	return out.toDomain(), nil
}

func (c *Client) CloseCashBox(ctx context.Context, code string, closingAmountCents int64) (domain.CashBoxClosing, error) {
	var out cashBoxClosingWire
	err := c.do(ctx, call{
		op:     "ledger.close_cash_box",
		method: http.MethodPost,
		path:   "/cash-boxes/" + url.PathEscape(code) + "/close",
		body:   closeCashBoxBody{ClosingAmount: fromCents(closingAmountCents)},
	}, &out)
	if err != nil {
		return domain.CashBoxClosing{}, err
	}
	return domain.CashBoxClosing{
		Code:               out.Code,
		InitialAmountCents: toCents(out.InitialAmount),
		TotalSalesCents:    toCents(out.TotalSales),
		ClosingAmountCents: toCents(out.ClosingAmount),
		ClosedAt:           out.ClosedAt,
	}, nil
}

func (c *Client) DisableCashBox(ctx context.Context, code string) (domain.CashBox, error) {
	var out cashBoxWire
	err := c.do(ctx, call{
		op:     "ledger.disable_cash_box",
		method: http.MethodPost,
		path:   "/cash-boxes/" + url.PathEscape(code) + "/disable",
	}, &out)
	if err != nil {
		return domain.CashBox{}, err
	}
	return out.toDomain(), nil
}

type call struct {
	op             string
	method         string
	path           string
	body           any
	anon           bool
	idempotencyKey string
}

func (c *Client) do(ctx context.Context, in call, out any) (err error) {
	started := time.Now()
	defer func() {
		c.metrics.ObserveLedgerRequest(in.op, err, time.Since(started))
	}()

	var payload io.Reader
	if in.body != nil {
		raw, marshalErr := json.Marshal(in.body)
		if marshalErr != nil {
			return fmt.Errorf("%s: encode request: %w", in.op, marshalErr)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, in.method, c.baseURL+in.path, payload)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", in.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	if in.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", in.idempotencyKey)
	}
	if !in.anon {
		if c.tokens == nil {
			return apperr.AuthExpired(in.op, "no active session")
		}
		token, tokenErr := c.tokens.Token()
		if tokenErr != nil {
			return &apperr.Error{Op: in.op, Kind: apperr.ErrAuthExpired, Err: tokenErr}
		}
		if token == "" {
			return apperr.AuthExpired(in.op, "no active session")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.log.Warn("ledger unreachable", zap.String("op", in.op), zap.Error(err))
		return apperr.Transient(in.op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Transient(in.op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := http.StatusText(resp.StatusCode)
		var body errorBody
		if json.Unmarshal(raw, &body) == nil {
			switch {
			case body.Message != "":
				message = body.Message
			case body.Error != "":
				message = body.Error
			}
		}
		c.log.Debug("ledger rejected request",
			zap.String("op", in.op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", message),
		)
		return apperr.FromStatus(in.op, resp.StatusCode, message)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &apperr.Error{Op: in.op, Kind: apperr.ErrTransient, Message: "malformed ledger response", Err: err}
	}
	return nil
}
