package ledger

import (
	"context"

	"kasirinaja/tabclient/internal/domain"
)

// Client is the boundary to the Ledger Service, the source of truth for
// money. Implementations return *apperr.Error values so callers can tell
// validation, transient, auth and conflict failures apart.
type Client interface {
	Login(ctx context.Context, username string, password string) (domain.LoginResponse, error)

	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
	RecordPayment(ctx context.Context, accountID string, req domain.PaymentRequest) (domain.PaymentAck, error)
	RecordItemPayment(ctx context.Context, accountID string, req domain.ItemPaymentRequest) (domain.PaymentAck, error)
	GetSplitStatus(ctx context.Context, accountID string) (domain.SplitStatus, error)
	SetSplitPeople(ctx context.Context, accountID string, people int) error
	GetUnitPaymentSnapshot(ctx context.Context, accountID string) (domain.UnitPaymentSnapshot, error)
	CloseAccount(ctx context.Context, accountID string, req domain.CloseRequest) (domain.FinalizedOrder, error)

	CreateSale(ctx context.Context, sale domain.SaleData) (domain.SaleRecord, error)

	CashBoxStatus(ctx context.Context, code string) (domain.CashBox, error)
	OpenCashBox(ctx context.Context, code string, initialAmountCents int64) (domain.CashBox, error)
	CloseCashBox(ctx context.Context, code string, closingAmountCents int64) (domain.CashBoxClosing, error)
	DisableCashBox(ctx context.Context, code string) (domain.CashBox, error)
}
